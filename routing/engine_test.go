package routing

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"s3proxy/apigw"
	"s3proxy/auth"
	"s3proxy/dispatch"
	"s3proxy/remote"
	"s3proxy/token"
)

type mockAuthenticator struct {
	shouldFail bool
	failError  error
}

func (m *mockAuthenticator) Authenticate(req *apigw.S3Request) (*auth.UserIdentity, error) {
	if m.shouldFail {
		return nil, m.failError
	}
	return &auth.UserIdentity{DisplayName: "test-user", AccessKey: "test-access-key"}, nil
}

// fakeActor stands in for a spawned remote.Actor, same pattern as
// dispatch/dispatcher_test.go's helper of the same name.
func fakeActor(target remote.Target, handle func(remote.Message)) remote.Handle {
	mbox := make(chan remote.Message, 8)
	go func() {
		for msg := range mbox {
			handle(msg)
		}
	}()
	return remote.NewHandle(target, mbox)
}

func alwaysOKTarget(name string) remote.Target {
	return remote.Target{Name: name, Priority: 1, ReadRequest: true, S3: remote.Credential{Endpoint: "http://" + name, Bucket: name}}
}

func newTestEngine(t *testing.T, a auth.Authenticator) *Engine {
	t.Helper()

	put := fakeActor(alwaysOKTarget("a"), func(msg remote.Message) {
		switch m := msg.(type) {
		case *remote.PutObjectMsg:
			m.Reply <- remote.Reply[s3.PutObjectOutput]{Trusted: true, Output: &s3.PutObjectOutput{ETag: aws.String("etag-1")}}
		case *remote.DeleteObjectMsg:
			m.Reply <- remote.Reply[s3.DeleteObjectOutput]{Trusted: true, Output: &s3.DeleteObjectOutput{}}
		case *remote.DeleteObjectsMsg:
			m.Reply <- remote.Reply[s3.DeleteObjectsOutput]{Trusted: true, Output: &s3.DeleteObjectsOutput{
				Deleted: []types.DeletedObject{{Key: aws.String("test-key")}},
			}}
		case *remote.GetObjectMsg:
			m.Reply <- remote.Reply[s3.GetObjectOutput]{Trusted: true, Output: &s3.GetObjectOutput{ContentLength: aws.Int64(5)}}
		case *remote.HeadObjectMsg:
			m.Reply <- remote.Reply[s3.HeadObjectOutput]{Trusted: true, Output: &s3.HeadObjectOutput{ContentLength: aws.Int64(5)}}
		case *remote.ListObjectsMsg:
			m.Reply <- remote.Reply[s3.ListObjectsV2Output]{Trusted: true, Output: &s3.ListObjectsV2Output{}}
		case *remote.CreateMultipartUploadMsg:
			m.Reply <- remote.Reply[s3.CreateMultipartUploadOutput]{Trusted: true, Output: &s3.CreateMultipartUploadOutput{UploadId: aws.String("backend-upload-1")}}
		case *remote.UploadPartMsg:
			m.Reply <- remote.Reply[s3.UploadPartOutput]{Trusted: true, Output: &s3.UploadPartOutput{ETag: aws.String("part-etag-1")}}
		case *remote.CompleteMultipartUploadMsg:
			m.Reply <- remote.Reply[s3.CompleteMultipartUploadOutput]{Trusted: true, Output: &s3.CompleteMultipartUploadOutput{ETag: aws.String("final-etag")}}
		case *remote.AbortMultipartUploadMsg:
			m.Reply <- remote.Reply[s3.AbortMultipartUploadOutput]{Trusted: true, Output: &s3.AbortMultipartUploadOutput{}}
		}
	})

	d := dispatch.New([]remote.Handle{put}, "test-bucket", dispatch.NewInMemoryMultipartStore(), token.NewInMemoryStore(0))
	return NewEngine(a, d)
}

func req(op apigw.S3Operation) *apigw.S3Request {
	return &apigw.S3Request{
		Operation: op,
		Bucket:    "test-bucket",
		Key:       "test-key",
		Context:   context.Background(),
		Headers:   make(http.Header),
		Query:     make(url.Values),
	}
}

func TestEngine_Handle_AuthenticationFailure(t *testing.T) {
	engine := newTestEngine(t, &mockAuthenticator{shouldFail: true, failError: auth.ErrInvalidAccessKeyID})

	resp := engine.Handle(req(apigw.GetObject))

	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	require.NotNil(t, resp.Body)
	body := make([]byte, 1024)
	n, _ := resp.Body.Read(body)
	assert.Contains(t, string(body[:n]), "InvalidAccessKeyId")
}

func TestEngine_Handle_WriteOperations(t *testing.T) {
	engine := newTestEngine(t, &mockAuthenticator{})

	writeOperations := []apigw.S3Operation{
		apigw.PutObject,
		apigw.DeleteObject,
		apigw.CreateMultipartUpload,
	}

	for _, operation := range writeOperations {
		t.Run(operation.String(), func(t *testing.T) {
			r := req(operation)
			if operation == apigw.PutObject {
				r.Body = io.NopCloser(strings.NewReader("payload"))
			}
			resp := engine.Handle(r)
			assert.True(t, resp.StatusCode >= 200 && resp.StatusCode < 300, "got status %d", resp.StatusCode)
		})
	}
}

func TestEngine_Handle_MultipartLifecycle(t *testing.T) {
	engine := newTestEngine(t, &mockAuthenticator{})

	createResp := engine.Handle(req(apigw.CreateMultipartUpload))
	require.Equal(t, http.StatusOK, createResp.StatusCode)
	body := make([]byte, 2048)
	n, _ := createResp.Body.Read(body)
	require.Contains(t, string(body[:n]), "<UploadId>")

	uploadID := extractBetween(string(body[:n]), "<UploadId>", "</UploadId>")
	require.NotEmpty(t, uploadID)

	partReq := req(apigw.UploadPart)
	partReq.Query.Set("partNumber", "1")
	partReq.Query.Set("uploadId", uploadID)
	partReq.Body = io.NopCloser(strings.NewReader("part-payload"))
	partResp := engine.Handle(partReq)
	assert.Equal(t, http.StatusOK, partResp.StatusCode)
	assert.Equal(t, "part-etag-1", partResp.Headers.Get("ETag"))

	completeReq := req(apigw.CompleteMultipartUpload)
	completeReq.Query.Set("uploadId", uploadID)
	completeResp := engine.Handle(completeReq)
	assert.Equal(t, http.StatusOK, completeResp.StatusCode)
}

func extractBetween(s, start, end string) string {
	i := strings.Index(s, start)
	if i < 0 {
		return ""
	}
	i += len(start)
	j := strings.Index(s[i:], end)
	if j < 0 {
		return ""
	}
	return s[i : i+j]
}

func TestEngine_Handle_ReadOperations(t *testing.T) {
	engine := newTestEngine(t, &mockAuthenticator{})

	readOperations := []apigw.S3Operation{
		apigw.GetObject,
		apigw.HeadObject,
		apigw.ListObjectsV2,
		apigw.ListBuckets,
	}

	for _, operation := range readOperations {
		t.Run(operation.String(), func(t *testing.T) {
			resp := engine.Handle(req(operation))
			assert.Equal(t, http.StatusOK, resp.StatusCode)
		})
	}
}

func TestEngine_Handle_HeadBucket(t *testing.T) {
	engine := newTestEngine(t, &mockAuthenticator{})

	ok := req(apigw.HeadBucket)
	resp := engine.Handle(ok)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	wrong := req(apigw.HeadBucket)
	wrong.Bucket = "not-the-bucket"
	resp = engine.Handle(wrong)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestEngine_Handle_GetBucketLocation(t *testing.T) {
	engine := newTestEngine(t, &mockAuthenticator{})

	resp := engine.Handle(req(apigw.GetBucketLocation))

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	require.NotNil(t, resp.Body)
	body := make([]byte, 1024)
	n, _ := resp.Body.Read(body)
	assert.Contains(t, string(body[:n]), "<LocationConstraint>")
}

func TestEngine_Handle_GetBucketLocation_WrongBucket(t *testing.T) {
	engine := newTestEngine(t, &mockAuthenticator{})

	r := req(apigw.GetBucketLocation)
	r.Bucket = "not-the-bucket"
	resp := engine.Handle(r)

	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestEngine_Handle_DeleteObjects(t *testing.T) {
	engine := newTestEngine(t, &mockAuthenticator{})

	r := req(apigw.DeleteObjects)
	r.Body = io.NopCloser(strings.NewReader(`<Delete><Object><Key>test-key</Key></Object></Delete>`))

	resp := engine.Handle(r)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	require.NotNil(t, resp.Body)
	body := make([]byte, 1024)
	n, _ := resp.Body.Read(body)
	assert.Contains(t, string(body[:n]), "<DeleteResult>")
	assert.Contains(t, string(body[:n]), "test-key")
}

func TestEngine_Handle_UnsupportedOperation(t *testing.T) {
	engine := newTestEngine(t, &mockAuthenticator{})

	resp := engine.Handle(req(apigw.UnsupportedOperation))

	assert.Equal(t, http.StatusNotImplemented, resp.StatusCode)
	require.NotNil(t, resp.Body)
	body := make([]byte, 1024)
	n, _ := resp.Body.Read(body)
	assert.Contains(t, string(body[:n]), "NotImplemented")
}

func TestEngine_AuthErrorMapping(t *testing.T) {
	testCases := []struct {
		name           string
		authError      error
		expectedStatus int
		expectedCode   string
	}{
		{"MissingAuthHeader", auth.ErrMissingAuthHeader, http.StatusBadRequest, "MissingSecurityHeader"},
		{"InvalidAccessKeyID", auth.ErrInvalidAccessKeyID, http.StatusForbidden, "InvalidAccessKeyId"},
		{"SignatureMismatch", auth.ErrSignatureMismatch, http.StatusForbidden, "SignatureDoesNotMatch"},
		{"RequestExpired", auth.ErrRequestExpired, http.StatusForbidden, "RequestTimeTooSkewed"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			engine := newTestEngine(t, &mockAuthenticator{shouldFail: true, failError: tc.authError})

			resp := engine.Handle(req(apigw.GetObject))

			assert.Equal(t, tc.expectedStatus, resp.StatusCode)
			require.NotNil(t, resp.Body)
			body := make([]byte, 1024)
			n, _ := resp.Body.Read(body)
			assert.Contains(t, string(body[:n]), tc.expectedCode)
		})
	}
}
