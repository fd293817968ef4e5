package remote

import (
	"context"
	"errors"
	"net/http"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	smithy "github.com/aws/smithy-go"
)

// ServiceError is a backend's S3-protocol-level error, preserved verbatim
// for translation into the north-face response by the dispatcher's error
// mapping (SPEC_FULL.md §4.D).
type ServiceError struct {
	Code       string
	Message    string
	RequestID  string
	StatusCode int
}

func (e *ServiceError) Error() string {
	return e.Code + ": " + e.Message
}

// Reply is the outcome of one backend call as seen by the dispatcher.
// Trusted=false means the actor never received a trustworthy answer (a
// transport failure: DNS, TCP, TLS, timeout) — the spec's "outer None".
// Trusted=true with ServiceErr set is a backend-reported protocol error;
// Trusted=true with ServiceErr nil is success.
type Reply[T any] struct {
	Trusted    bool
	Output     *T
	ServiceErr *ServiceError
}

// Message is the mailbox's tagged-variant message set. Each concrete type
// bundles its input and (internally) its one-shot reply channel, and knows
// how to run itself against an actor's backend client — the Go rendering of
// "an interface with a dispatch(actor) method per variant" the design notes
// call for in a language without sum types.
type Message interface {
	dispatch(ctx context.Context, a *Actor)
}

type HealthCheckMsg struct {
	Reply chan bool
}

func (m *HealthCheckMsg) dispatch(ctx context.Context, a *Actor) {
	_, err := a.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: &a.target.S3.Bucket})
	up := err == nil
	a.updateHealth(!up)
	m.Reply <- up
}

type ShutdownMsg struct{}

func (m *ShutdownMsg) dispatch(ctx context.Context, a *Actor) {}

type ListObjectsMsg struct {
	Input *s3.ListObjectsV2Input
	Reply chan Reply[s3.ListObjectsV2Output]
}

func (m *ListObjectsMsg) dispatch(ctx context.Context, a *Actor) {
	out, err := a.client.ListObjectsV2(ctx, m.Input)
	sendReply(a, m.Reply, out, err)
}

type HeadObjectMsg struct {
	Input *s3.HeadObjectInput
	Reply chan Reply[s3.HeadObjectOutput]
}

func (m *HeadObjectMsg) dispatch(ctx context.Context, a *Actor) {
	out, err := a.client.HeadObject(ctx, m.Input)
	sendReply(a, m.Reply, out, err)
}

type GetObjectMsg struct {
	Input *s3.GetObjectInput
	Reply chan Reply[s3.GetObjectOutput]
}

func (m *GetObjectMsg) dispatch(ctx context.Context, a *Actor) {
	out, err := a.client.GetObject(ctx, m.Input)
	sendReply(a, m.Reply, out, err)
}

type PutObjectMsg struct {
	Input *s3.PutObjectInput
	Reply chan Reply[s3.PutObjectOutput]
}

func (m *PutObjectMsg) dispatch(ctx context.Context, a *Actor) {
	out, err := a.client.PutObject(ctx, m.Input)
	sendReply(a, m.Reply, out, err)
}

type DeleteObjectMsg struct {
	Input *s3.DeleteObjectInput
	Reply chan Reply[s3.DeleteObjectOutput]
}

func (m *DeleteObjectMsg) dispatch(ctx context.Context, a *Actor) {
	out, err := a.client.DeleteObject(ctx, m.Input)
	sendReply(a, m.Reply, out, err)
}

type DeleteObjectsMsg struct {
	Input *s3.DeleteObjectsInput
	Reply chan Reply[s3.DeleteObjectsOutput]
}

func (m *DeleteObjectsMsg) dispatch(ctx context.Context, a *Actor) {
	out, err := a.client.DeleteObjects(ctx, m.Input)
	sendReply(a, m.Reply, out, err)
}

type CreateMultipartUploadMsg struct {
	Input *s3.CreateMultipartUploadInput
	Reply chan Reply[s3.CreateMultipartUploadOutput]
}

func (m *CreateMultipartUploadMsg) dispatch(ctx context.Context, a *Actor) {
	out, err := a.client.CreateMultipartUpload(ctx, m.Input)
	sendReply(a, m.Reply, out, err)
}

type UploadPartMsg struct {
	Input *s3.UploadPartInput
	Reply chan Reply[s3.UploadPartOutput]
}

func (m *UploadPartMsg) dispatch(ctx context.Context, a *Actor) {
	out, err := a.client.UploadPart(ctx, m.Input)
	sendReply(a, m.Reply, out, err)
}

type CompleteMultipartUploadMsg struct {
	Input *s3.CompleteMultipartUploadInput
	Reply chan Reply[s3.CompleteMultipartUploadOutput]
}

func (m *CompleteMultipartUploadMsg) dispatch(ctx context.Context, a *Actor) {
	out, err := a.client.CompleteMultipartUpload(ctx, m.Input)
	sendReply(a, m.Reply, out, err)
}

type AbortMultipartUploadMsg struct {
	Input *s3.AbortMultipartUploadInput
	Reply chan Reply[s3.AbortMultipartUploadOutput]
}

func (m *AbortMultipartUploadMsg) dispatch(ctx context.Context, a *Actor) {
	out, err := a.client.AbortMultipartUpload(ctx, m.Input)
	sendReply(a, m.Reply, out, err)
}

// sendReply classifies err into the actor's health signal and the reply's
// Trusted/ServiceErr shape, then delivers it. The dispatcher creates every
// reply channel buffered one-deep, so this send never blocks on an
// abandoned caller.
func sendReply[T any](a *Actor, ch chan Reply[T], out *T, err error) {
	if err == nil {
		a.updateHealth(false)
		ch <- Reply[T]{Trusted: true, Output: out}
		return
	}

	svcErr, isService := classify(err)
	a.updateHealth(!isService)
	if !isService {
		ch <- Reply[T]{Trusted: false}
		return
	}
	ch <- Reply[T]{Trusted: true, ServiceErr: svcErr}
}

// classify distinguishes a service error (the backend replied with a valid
// S3 error envelope) from a transport error (no trustworthy reply at all),
// mirroring the distinction original_source draws between
// SdkError::ServiceError and every other SdkError variant.
func classify(err error) (svcErr *ServiceError, isService bool) {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		status := http.StatusInternalServerError
		requestID := ""
		var respErr interface {
			HTTPStatusCode() int
		}
		if errors.As(err, &respErr) {
			status = respErr.HTTPStatusCode()
		}
		var reqIDErr interface{ ServiceRequestID() string }
		if errors.As(err, &reqIDErr) {
			requestID = reqIDErr.ServiceRequestID()
		}
		return &ServiceError{
			Code:       apiErr.ErrorCode(),
			Message:    apiErr.ErrorMessage(),
			RequestID:  requestID,
			StatusCode: status,
		}, true
	}
	return nil, false
}
