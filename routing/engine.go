// Package routing is the Policy & Routing Engine: the first stop after
// authentication, translating a parsed apigw.S3Request into dispatcher
// calls and dispatcher results back into an apigw.S3Response.
package routing

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"s3proxy/apigw"
	"s3proxy/auth"
	"s3proxy/dispatch"
	"s3proxy/logger"
)

// Engine routes every authenticated request straight to the dispatcher.
// Earlier revisions let an operator tune per-operation ack-level/read
// strategy policies; SPEC_FULL.md's fan-out-all-writes and
// ordered-probe-reads behavior is fixed, so there's nothing left to
// configure here beyond which dispatcher to route to.
type Engine struct {
	auth       auth.Authenticator
	dispatcher *dispatch.Dispatcher
}

// NewEngine creates a new Engine.
func NewEngine(authenticator auth.Authenticator, dispatcher *dispatch.Dispatcher) *Engine {
	return &Engine{auth: authenticator, dispatcher: dispatcher}
}

// Handle implements apigw.RequestHandler.
func (e *Engine) Handle(req *apigw.S3Request) *apigw.S3Response {
	logger.Debug("routing: Operation=%s Bucket=%s Key=%s", req.Operation, req.Bucket, req.Key)

	identity, err := e.auth.Authenticate(req)
	if err != nil {
		logger.Debug("authentication failed: %v", err)
		return e.createAuthErrorResponse(err)
	}
	logger.Debug("authenticated request from %s (%s)", identity.DisplayName, identity.AccessKey)

	switch req.Operation {
	case apigw.PutObject:
		return e.putObject(req)
	case apigw.DeleteObject:
		return e.deleteObject(req)
	case apigw.DeleteObjects:
		return e.deleteObjects(req)
	case apigw.CreateMultipartUpload:
		return e.createMultipartUpload(req)
	case apigw.UploadPart:
		return e.uploadPart(req)
	case apigw.CompleteMultipartUpload:
		return e.completeMultipartUpload(req)
	case apigw.AbortMultipartUpload:
		return e.abortMultipartUpload(req)
	case apigw.GetObject:
		return e.getObject(req)
	case apigw.HeadObject:
		return e.headObject(req)
	case apigw.HeadBucket:
		return e.headBucket(req)
	case apigw.ListObjectsV2:
		return e.listObjectsV2(req)
	case apigw.ListBuckets:
		return e.listBuckets(req)
	case apigw.GetBucketLocation:
		return e.getBucketLocation(req)
	default:
		logger.Warn("unsupported operation: %s", req.Operation)
		return e.createOperationNotImplementedResponse(req.Operation)
	}
}

func (e *Engine) putObject(req *apigw.S3Request) *apigw.S3Response {
	input := &s3.PutObjectInput{
		Bucket: aws.String(req.Bucket),
		Key:    aws.String(req.Key),
		Body:   req.Body,
	}
	if ct := req.Headers.Get("Content-Type"); ct != "" {
		input.ContentType = aws.String(ct)
	}
	if req.ContentLength > 0 {
		input.ContentLength = aws.Int64(req.ContentLength)
	}

	out, err := e.dispatcher.PutObject(req.Context, input)
	if err != nil {
		return e.mapDispatchError(err)
	}

	headers := make(http.Header)
	if out.ETag != nil {
		headers.Set("ETag", *out.ETag)
	}
	return &apigw.S3Response{StatusCode: http.StatusOK, Headers: headers}
}

func (e *Engine) deleteObject(req *apigw.S3Request) *apigw.S3Response {
	input := &s3.DeleteObjectInput{Bucket: aws.String(req.Bucket), Key: aws.String(req.Key)}
	if _, err := e.dispatcher.DeleteObject(req.Context, input); err != nil {
		return e.mapDispatchError(err)
	}
	return &apigw.S3Response{StatusCode: http.StatusNoContent}
}

// deleteObjects handles the batch-delete API (POST ?delete): the client's
// XML body lists the keys to remove in one call instead of one DeleteObject
// per key.
func (e *Engine) deleteObjects(req *apigw.S3Request) *apigw.S3Response {
	if req.Body == nil {
		return e.createGenericErrorResponse("MalformedXML", "request body is required", http.StatusBadRequest)
	}
	defer req.Body.Close()

	input, perr := parseDeleteObjectsRequest(req.Body)
	if perr != nil {
		return e.createGenericErrorResponse("MalformedXML", perr.Error(), http.StatusBadRequest)
	}
	input.Bucket = aws.String(req.Bucket)

	out, err := e.dispatcher.DeleteObjects(req.Context, input)
	if err != nil {
		return e.mapDispatchError(err)
	}

	body, merr := marshalDeleteObjects(out)
	if merr != nil {
		return e.createGenericErrorResponse("InternalError", merr.Error(), http.StatusInternalServerError)
	}
	return e.xmlResponse(http.StatusOK, body)
}

func (e *Engine) createMultipartUpload(req *apigw.S3Request) *apigw.S3Response {
	input := &s3.CreateMultipartUploadInput{Bucket: aws.String(req.Bucket), Key: aws.String(req.Key)}
	if ct := req.Headers.Get("Content-Type"); ct != "" {
		input.ContentType = aws.String(ct)
	}

	uploadID, err := e.dispatcher.CreateMultipartUpload(req.Context, input)
	if err != nil {
		return e.mapDispatchError(err)
	}

	body := fmt.Sprintf(`<?xml version="1.0" encoding="UTF-8"?>
<InitiateMultipartUploadResult>
    <Bucket>%s</Bucket>
    <Key>%s</Key>
    <UploadId>%s</UploadId>
</InitiateMultipartUploadResult>`, req.Bucket, req.Key, uploadID)
	return e.xmlResponse(http.StatusOK, body)
}

func (e *Engine) uploadPart(req *apigw.S3Request) *apigw.S3Response {
	uploadID := req.Query.Get("uploadId")
	partNumber, perr := strconv.Atoi(req.Query.Get("partNumber"))
	if uploadID == "" || perr != nil {
		return e.createGenericErrorResponse("InvalidArgument", "uploadId and partNumber are required", http.StatusBadRequest)
	}

	input := &s3.UploadPartInput{
		Bucket:     aws.String(req.Bucket),
		Key:        aws.String(req.Key),
		PartNumber: aws.Int32(int32(partNumber)),
		Body:       req.Body,
	}
	if req.ContentLength > 0 {
		input.ContentLength = aws.Int64(req.ContentLength)
	}

	out, err := e.dispatcher.UploadPart(req.Context, uploadID, input)
	if err != nil {
		return e.mapDispatchError(err)
	}

	headers := make(http.Header)
	if out.ETag != nil {
		headers.Set("ETag", *out.ETag)
	}
	return &apigw.S3Response{StatusCode: http.StatusOK, Headers: headers}
}

// completeMultipartUpload doesn't need to parse the client's part-list
// XML body: the dispatcher already tracked each remote's own ETag per
// part as UploadPart calls succeeded, and rebuilds each remote's
// CompletedMultipartUpload from that record.
func (e *Engine) completeMultipartUpload(req *apigw.S3Request) *apigw.S3Response {
	uploadID := req.Query.Get("uploadId")
	if uploadID == "" {
		return e.createGenericErrorResponse("InvalidArgument", "uploadId is required", http.StatusBadRequest)
	}

	input := &s3.CompleteMultipartUploadInput{Bucket: aws.String(req.Bucket), Key: aws.String(req.Key)}
	out, err := e.dispatcher.CompleteMultipartUpload(req.Context, uploadID, input)
	if err != nil {
		return e.mapDispatchError(err)
	}

	body := fmt.Sprintf(`<?xml version="1.0" encoding="UTF-8"?>
<CompleteMultipartUploadResult>
    <Bucket>%s</Bucket>
    <Key>%s</Key>
    <ETag>%s</ETag>
</CompleteMultipartUploadResult>`, req.Bucket, req.Key, aws.ToString(out.ETag))
	return e.xmlResponse(http.StatusOK, body)
}

func (e *Engine) abortMultipartUpload(req *apigw.S3Request) *apigw.S3Response {
	uploadID := req.Query.Get("uploadId")
	if uploadID == "" {
		return e.createGenericErrorResponse("InvalidArgument", "uploadId is required", http.StatusBadRequest)
	}

	input := &s3.AbortMultipartUploadInput{Bucket: aws.String(req.Bucket), Key: aws.String(req.Key)}
	if err := e.dispatcher.AbortMultipartUpload(req.Context, uploadID, input); err != nil {
		return e.mapDispatchError(err)
	}
	return &apigw.S3Response{StatusCode: http.StatusNoContent}
}

func (e *Engine) getObject(req *apigw.S3Request) *apigw.S3Response {
	input := &s3.GetObjectInput{Bucket: aws.String(req.Bucket), Key: aws.String(req.Key)}
	out, err := e.dispatcher.GetObject(req.Context, input)
	if err != nil {
		return e.mapDispatchError(err)
	}

	return &apigw.S3Response{
		StatusCode: http.StatusOK,
		Headers:    objectHeaders(out.ContentType, out.ContentLength, out.LastModified, out.ETag),
		Body:       out.Body,
	}
}

func (e *Engine) headObject(req *apigw.S3Request) *apigw.S3Response {
	input := &s3.HeadObjectInput{Bucket: aws.String(req.Bucket), Key: aws.String(req.Key)}
	out, err := e.dispatcher.HeadObject(req.Context, input)
	if err != nil {
		return e.mapDispatchError(err)
	}

	return &apigw.S3Response{
		StatusCode: http.StatusOK,
		Headers:    objectHeaders(out.ContentType, out.ContentLength, out.LastModified, out.ETag),
	}
}

func (e *Engine) headBucket(req *apigw.S3Request) *apigw.S3Response {
	if err := e.dispatcher.HeadBucket(req.Bucket); err != nil {
		return e.mapDispatchError(err)
	}
	return &apigw.S3Response{StatusCode: http.StatusOK}
}

func (e *Engine) listObjectsV2(req *apigw.S3Request) *apigw.S3Response {
	input := &s3.ListObjectsV2Input{Bucket: aws.String(req.Bucket)}
	if p := req.Query.Get("prefix"); p != "" {
		input.Prefix = aws.String(p)
	}
	if d := req.Query.Get("delimiter"); d != "" {
		input.Delimiter = aws.String(d)
	}
	if ct := req.Query.Get("continuation-token"); ct != "" {
		input.ContinuationToken = aws.String(ct)
	}
	if mk := req.Query.Get("max-keys"); mk != "" {
		if n, err := strconv.Atoi(mk); err == nil {
			input.MaxKeys = aws.Int32(int32(n))
		}
	}

	out, err := e.dispatcher.ListObjectsV2(req.Context, input)
	if err != nil {
		return e.mapDispatchError(err)
	}

	body, merr := marshalListObjectsV2(req.Bucket, out)
	if merr != nil {
		return e.createGenericErrorResponse("InternalError", merr.Error(), http.StatusInternalServerError)
	}
	return e.xmlResponse(http.StatusOK, body)
}

func (e *Engine) listBuckets(req *apigw.S3Request) *apigw.S3Response {
	out := e.dispatcher.ListBuckets()
	body, err := marshalListBuckets(out)
	if err != nil {
		return e.createGenericErrorResponse("InternalError", err.Error(), http.StatusInternalServerError)
	}
	return e.xmlResponse(http.StatusOK, body)
}

func (e *Engine) getBucketLocation(req *apigw.S3Request) *apigw.S3Response {
	out, err := e.dispatcher.GetBucketLocation(req.Bucket)
	if err != nil {
		return e.mapDispatchError(err)
	}

	body, merr := marshalGetBucketLocation(out)
	if merr != nil {
		return e.createGenericErrorResponse("InternalError", merr.Error(), http.StatusInternalServerError)
	}
	return e.xmlResponse(http.StatusOK, body)
}

func objectHeaders(contentType *string, contentLength *int64, lastModified *time.Time, etag *string) http.Header {
	headers := make(http.Header)
	if contentType != nil {
		headers.Set("Content-Type", *contentType)
	}
	if contentLength != nil {
		headers.Set("Content-Length", strconv.FormatInt(*contentLength, 10))
	}
	if lastModified != nil {
		headers.Set("Last-Modified", lastModified.Format(time.RFC1123))
	}
	if etag != nil {
		headers.Set("ETag", *etag)
	}
	return headers
}

func (e *Engine) mapDispatchError(err error) *apigw.S3Response {
	var apiErr *dispatch.APIError
	if errors.As(err, &apiErr) {
		return e.createGenericErrorResponse(apiErr.Code, apiErr.Message, apiErr.HTTPStatusCode)
	}
	return e.createGenericErrorResponse("InternalError", err.Error(), http.StatusInternalServerError)
}

func (e *Engine) createAuthErrorResponse(err error) *apigw.S3Response {
	switch {
	case errors.Is(err, auth.ErrMissingAuthHeader):
		return e.createGenericErrorResponse("MissingSecurityHeader", "Your request was missing a required header.", http.StatusBadRequest)
	case errors.Is(err, auth.ErrInvalidAccessKeyID):
		return e.createGenericErrorResponse("InvalidAccessKeyId", "The Access Key Id you provided does not exist in our records.", http.StatusForbidden)
	case errors.Is(err, auth.ErrSignatureMismatch):
		return e.createGenericErrorResponse("SignatureDoesNotMatch", "The request signature we calculated does not match the signature you provided.", http.StatusForbidden)
	case errors.Is(err, auth.ErrRequestExpired):
		return e.createGenericErrorResponse("RequestTimeTooSkewed", "The difference between the request time and the current time is too large.", http.StatusForbidden)
	default:
		return e.createGenericErrorResponse("AccessDenied", "Access Denied", http.StatusForbidden)
	}
}

func (e *Engine) createOperationNotImplementedResponse(operation apigw.S3Operation) *apigw.S3Response {
	return e.createGenericErrorResponse("NotImplemented", fmt.Sprintf("the operation %s is not implemented", operation), http.StatusNotImplemented)
}

func (e *Engine) createGenericErrorResponse(code, message string, statusCode int) *apigw.S3Response {
	return &apigw.S3Response{
		StatusCode: statusCode,
		Headers:    xmlHeaders(len(e.formatS3ErrorXML(code, message))),
		Body:       io.NopCloser(strings.NewReader(e.formatS3ErrorXML(code, message))),
	}
}

func (e *Engine) formatS3ErrorXML(code, message string) string {
	return fmt.Sprintf(`<?xml version="1.0" encoding="UTF-8"?>
<Error>
    <Code>%s</Code>
    <Message>%s</Message>
    <RequestId>%s</RequestId>
    <HostId>%s</HostId>
</Error>`, code, message, "policy-routing-engine", "s3proxy")
}

func (e *Engine) xmlResponse(statusCode int, body string) *apigw.S3Response {
	return &apigw.S3Response{
		StatusCode: statusCode,
		Headers:    xmlHeaders(len(body)),
		Body:       io.NopCloser(strings.NewReader(body)),
	}
}

func xmlHeaders(length int) http.Header {
	headers := make(http.Header)
	headers.Set("Content-Type", "application/xml")
	headers.Set("Content-Length", strconv.Itoa(length))
	return headers
}
