package dispatch

import (
	"context"
	"sort"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"s3proxy/logger"
	"s3proxy/remote"
	"s3proxy/streaming"
	"s3proxy/token"
)

// ErrAllBackendsUnreachable is returned when every remote on the ordered
// read probe, or every remote on a fan-out write, reported a transport
// failure — the north face has nothing trustworthy to relay.
var ErrAllBackendsUnreachable = &APIError{
	Code:           "InternalError",
	Message:        "no configured remote returned a trustworthy response",
	HTTPStatusCode: 500,
}

// APIError is the client-facing S3 error the HTTP layer encodes into an XML
// error document; it preserves a backend's code/message/request id
// verbatim when one is available (SPEC_FULL.md §4.D's taxonomy mapping).
type APIError struct {
	Code           string
	Message        string
	RequestID      string
	HTTPStatusCode int
}

func (e *APIError) Error() string {
	return e.Code + ": " + e.Message
}

func serviceErrToAPIError(svc *remote.ServiceError) *APIError {
	return &APIError{
		Code:           svc.Code,
		Message:        svc.Message,
		RequestID:      svc.RequestID,
		HTTPStatusCode: svc.StatusCode,
	}
}

// Dispatcher is the single point every north-face S3 operation passes
// through: it owns every remote's Handle, the virtual bucket name clients
// see, the multipart upload bookkeeping, and the continuation-token store
// (SPEC_FULL.md §4.D).
type Dispatcher struct {
	bucket    string
	handles   []remote.Handle // fan-out order: configuration order
	readOrder []remote.Handle // probe order: read_request desc, then priority desc
	multipart MultipartStore
	tokens    token.Store
}

// New builds a Dispatcher over an already-spawned set of remote handles.
// bucket is the single virtual bucket name this proxy presents to clients,
// regardless of what each backend calls its own bucket.
func New(handles []remote.Handle, bucket string, multipart MultipartStore, tokens token.Store) *Dispatcher {
	readOrder := make([]remote.Handle, len(handles))
	copy(readOrder, handles)
	sort.SliceStable(readOrder, func(i, j int) bool {
		a, b := readOrder[i].Target, readOrder[j].Target
		if a.ReadRequest != b.ReadRequest {
			return a.ReadRequest // true sorts first
		}
		return a.Priority > b.Priority
	})

	return &Dispatcher{
		bucket:    bucket,
		handles:   handles,
		readOrder: readOrder,
		multipart: multipart,
		tokens:    tokens,
	}
}

func (d *Dispatcher) targets() []remote.Target {
	out := make([]remote.Target, len(d.handles))
	for i, h := range d.handles {
		out[i] = h.Target
	}
	return out
}

// --- Bucket virtualization (SPEC_FULL.md §4.D, grounded on
// original_source/src/server/mod.rs's S3Reproxy) ---

// HeadBucket succeeds only for the one configured virtual bucket name; no
// remote is contacted.
func (d *Dispatcher) HeadBucket(bucket string) error {
	if bucket != d.bucket {
		return &APIError{Code: "NoSuchBucket", Message: "the specified bucket does not exist", HTTPStatusCode: 404}
	}
	return nil
}

// ListBuckets synthesizes a single-entry bucket list locally.
func (d *Dispatcher) ListBuckets() *s3.ListBucketsOutput {
	return &s3.ListBucketsOutput{
		Buckets: []types.Bucket{{Name: aws.String(d.bucket)}},
	}
}

// GetBucketLocation always answers for the virtual bucket; backends may
// live in different real regions, but clients only ever see one bucket.
func (d *Dispatcher) GetBucketLocation(bucket string) (*s3.GetBucketLocationOutput, error) {
	if bucket != d.bucket {
		return nil, &APIError{Code: "NoSuchBucket", Message: "the specified bucket does not exist", HTTPStatusCode: 404}
	}
	return &s3.GetBucketLocationOutput{}, nil
}

// --- Ordered-probe reads (SPEC_FULL.md §4.D) ---

// probe sends each handle's request in readOrder, sequentially, until one
// remote answers with something other than a transport failure. A service
// error is itself a stopping condition: it's a trustworthy answer (e.g.
// NoSuchKey), not a reason to keep trying other remotes.
func probe[T any](order []remote.Handle, send func(h remote.Handle) chan remote.Reply[T]) (*T, error) {
	for _, h := range order {
		reply := <-send(h)
		if !reply.Trusted {
			logger.Warn("remote %s: transport failure on read probe, trying next", h.Target.Name)
			continue
		}
		if reply.ServiceErr != nil {
			return nil, serviceErrToAPIError(reply.ServiceErr)
		}
		return reply.Output, nil
	}
	return nil, ErrAllBackendsUnreachable
}

func (d *Dispatcher) GetObject(ctx context.Context, in *s3.GetObjectInput) (*s3.GetObjectOutput, error) {
	return probe(d.readOrder, func(h remote.Handle) chan remote.Reply[s3.GetObjectOutput] {
		ch := make(chan remote.Reply[s3.GetObjectOutput], 1)
		h.Send(&remote.GetObjectMsg{Input: CloneGetObject(in, h.Target), Reply: ch})
		return ch
	})
}

func (d *Dispatcher) HeadObject(ctx context.Context, in *s3.HeadObjectInput) (*s3.HeadObjectOutput, error) {
	return probe(d.readOrder, func(h remote.Handle) chan remote.Reply[s3.HeadObjectOutput] {
		ch := make(chan remote.Reply[s3.HeadObjectOutput], 1)
		h.Send(&remote.HeadObjectMsg{Input: CloneHeadObject(in, h.Target), Reply: ch})
		return ch
	})
}

// ListObjectsV2 translates the client's opaque ContinuationToken into a
// backend start_after cursor before probing, and mints a fresh token for
// NextContinuationToken when the backend reports truncation — replacing
// the teacher's per-backend base64/JSON token scheme, since the probe only
// ever touches one remote per page (SPEC_FULL.md §4.E).
func (d *Dispatcher) ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input) (*s3.ListObjectsV2Output, error) {
	backendIn := *in
	if tok := aws.ToString(in.ContinuationToken); tok != "" {
		startAfter, err := d.tokens.Consume(ctx, tok)
		if err != nil {
			return nil, &APIError{Code: "InvalidToken", Message: "the continuation token provided is invalid", HTTPStatusCode: 400}
		}
		backendIn.StartAfter = aws.String(startAfter)
	}
	backendIn.ContinuationToken = nil

	out, err := probe(d.readOrder, func(h remote.Handle) chan remote.Reply[s3.ListObjectsV2Output] {
		ch := make(chan remote.Reply[s3.ListObjectsV2Output], 1)
		h.Send(&remote.ListObjectsMsg{Input: CloneListObjectsV2(&backendIn, h.Target), Reply: ch})
		return ch
	})
	if err != nil {
		return nil, err
	}
	out.ContinuationToken = in.ContinuationToken

	if aws.ToBool(out.IsTruncated) && len(out.Contents) > 0 {
		last := aws.ToString(out.Contents[len(out.Contents)-1].Key)
		id, terr := d.tokens.Create(ctx, last)
		if terr != nil {
			logger.Error("minting continuation token: %v", terr)
		} else {
			out.NextContinuationToken = aws.String(id)
		}
	}
	return out, nil
}

// --- Fan-out-all writes (SPEC_FULL.md §4.D) ---

type namedOutcome struct {
	name       string
	trusted    bool
	serviceErr *remote.ServiceError
}

// reconcileWrite awaits every remote's reply, returns the first success in
// configuration order if any remote succeeded (logging prominently when
// some but not all did, since the write is now inconsistent across
// remotes), or maps the first service error to the client if every remote
// failed.
func reconcileWrite[T any](order []remote.Handle, replies map[string]chan remote.Reply[T]) (*T, error) {
	type item struct {
		name  string
		reply remote.Reply[T]
	}
	items := make([]item, 0, len(order))
	for _, h := range order {
		ch, ok := replies[h.Target.Name]
		if !ok {
			continue
		}
		items = append(items, item{h.Target.Name, <-ch})
	}

	successIdx := -1
	var failed []namedOutcome
	for i, it := range items {
		if it.reply.Trusted && it.reply.ServiceErr == nil {
			if successIdx == -1 {
				successIdx = i
			}
			continue
		}
		failed = append(failed, namedOutcome{it.name, it.reply.Trusted, it.reply.ServiceErr})
	}

	if successIdx >= 0 {
		if len(failed) > 0 {
			names := make([]string, len(failed))
			for i, f := range failed {
				names[i] = f.name
			}
			logger.Warn("write succeeded on %s but failed on %v: object is now inconsistent across remotes",
				items[successIdx].name, names)
		}
		return items[successIdx].reply.Output, nil
	}

	for _, f := range failed {
		if f.serviceErr != nil {
			return nil, serviceErrToAPIError(f.serviceErr)
		}
	}
	return nil, ErrAllBackendsUnreachable
}

func (d *Dispatcher) PutObject(ctx context.Context, in *s3.PutObjectInput) (*s3.PutObjectOutput, error) {
	mux := streaming.FromReader(in.Body)
	clones := ClonePutObject(in, d.targets(), mux)

	replies := make(map[string]chan remote.Reply[s3.PutObjectOutput], len(d.handles))
	for _, h := range d.handles {
		ch := make(chan remote.Reply[s3.PutObjectOutput], 1)
		h.Send(&remote.PutObjectMsg{Input: clones[h.Target.Name], Reply: ch})
		replies[h.Target.Name] = ch
	}
	mux.CloseSubscriptions()

	return reconcileWrite(d.handles, replies)
}

func (d *Dispatcher) DeleteObject(ctx context.Context, in *s3.DeleteObjectInput) (*s3.DeleteObjectOutput, error) {
	clones := CloneDeleteObject(in, d.targets())
	replies := make(map[string]chan remote.Reply[s3.DeleteObjectOutput], len(d.handles))
	for _, h := range d.handles {
		ch := make(chan remote.Reply[s3.DeleteObjectOutput], 1)
		h.Send(&remote.DeleteObjectMsg{Input: clones[h.Target.Name], Reply: ch})
		replies[h.Target.Name] = ch
	}
	return reconcileWrite(d.handles, replies)
}

func (d *Dispatcher) DeleteObjects(ctx context.Context, in *s3.DeleteObjectsInput) (*s3.DeleteObjectsOutput, error) {
	clones := CloneDeleteObjects(in, d.targets())
	replies := make(map[string]chan remote.Reply[s3.DeleteObjectsOutput], len(d.handles))
	for _, h := range d.handles {
		ch := make(chan remote.Reply[s3.DeleteObjectsOutput], 1)
		h.Send(&remote.DeleteObjectsMsg{Input: clones[h.Target.Name], Reply: ch})
		replies[h.Target.Name] = ch
	}
	return reconcileWrite(d.handles, replies)
}

// --- Multipart upload orchestration (SPEC_FULL.md §4.D) ---

// CreateMultipartUpload fans the create out to every remote. A remote that
// fails to create is recorded as cancelled from the start, so later
// UploadPart/CompleteMultipartUpload calls skip it the same way a
// mid-upload failure would make them skip a previously-open remote.
func (d *Dispatcher) CreateMultipartUpload(ctx context.Context, in *s3.CreateMultipartUploadInput) (string, error) {
	clones := CloneCreateMultipartUpload(in, d.targets())

	var mu sync.Mutex
	backendIDs := make(map[string]string, len(d.handles))
	cancelled := make([]string, 0)
	serviceErrs := make(map[string]*remote.ServiceError)

	var wg sync.WaitGroup
	for _, h := range d.handles {
		h := h
		ch := make(chan remote.Reply[s3.CreateMultipartUploadOutput], 1)
		h.Send(&remote.CreateMultipartUploadMsg{Input: clones[h.Target.Name], Reply: ch})

		wg.Add(1)
		go func() {
			defer wg.Done()
			reply := <-ch
			mu.Lock()
			defer mu.Unlock()
			if reply.Trusted && reply.ServiceErr == nil {
				backendIDs[h.Target.Name] = aws.ToString(reply.Output.UploadId)
			} else {
				cancelled = append(cancelled, h.Target.Name)
				if reply.Trusted && reply.ServiceErr != nil {
					serviceErrs[h.Target.Name] = reply.ServiceErr
				}
			}
		}()
	}
	wg.Wait()

	if len(backendIDs) == 0 {
		for _, h := range d.handles {
			if svc, ok := serviceErrs[h.Target.Name]; ok {
				return "", serviceErrToAPIError(svc)
			}
		}
		return "", ErrAllBackendsUnreachable
	}

	id, err := d.multipart.Create(ctx, aws.ToString(in.Bucket), aws.ToString(in.Key), backendIDs)
	if err != nil {
		return "", err
	}
	for _, name := range cancelled {
		d.multipart.MarkCancelled(ctx, id, name)
	}
	return id, nil
}

// UploadPart fans one part out to every remote still open on this upload.
// Any remote's ETag would do for the response (S3 clients generally don't
// validate which backend produced it), so the first success in
// configuration order is returned, matching PutObject's fan-out-all
// reconciliation.
func (d *Dispatcher) UploadPart(ctx context.Context, proxyUploadID string, in *s3.UploadPartInput) (*s3.UploadPartOutput, error) {
	mapping, ok := d.multipart.Get(ctx, proxyUploadID)
	if !ok {
		return nil, &APIError{Code: "NoSuchUpload", Message: "the specified multipart upload does not exist", HTTPStatusCode: 404}
	}
	backendIDs := mapping.OpenBackendUploadIDs()
	if len(backendIDs) == 0 {
		return nil, ErrAllBackendsUnreachable
	}

	openTargets := make([]remote.Target, 0, len(backendIDs))
	openHandles := make([]remote.Handle, 0, len(backendIDs))
	for _, h := range d.handles {
		if _, ok := backendIDs[h.Target.Name]; ok {
			openTargets = append(openTargets, h.Target)
			openHandles = append(openHandles, h)
		}
	}

	mux := streaming.FromReader(in.Body)
	clones := CloneUploadPart(in, openTargets, backendIDs, mux)

	replies := make(map[string]chan remote.Reply[s3.UploadPartOutput], len(openHandles))
	for _, h := range openHandles {
		ch := make(chan remote.Reply[s3.UploadPartOutput], 1)
		h.Send(&remote.UploadPartMsg{Input: clones[h.Target.Name], Reply: ch})
		replies[h.Target.Name] = ch
	}
	mux.CloseSubscriptions()

	partNumber := aws.ToInt32(in.PartNumber)
	var result *s3.UploadPartOutput
	var resultErr error
	var failedRemotes []string

	for _, h := range openHandles {
		reply := <-replies[h.Target.Name]
		if reply.Trusted && reply.ServiceErr == nil {
			d.multipart.RecordPart(ctx, proxyUploadID, h.Target.Name, partNumber, aws.ToString(reply.Output.ETag))
			if result == nil {
				result = reply.Output
			}
			continue
		}
		failedRemotes = append(failedRemotes, h.Target.Name)
		if reply.Trusted && reply.ServiceErr != nil && resultErr == nil {
			resultErr = serviceErrToAPIError(reply.ServiceErr)
		}
	}
	for _, name := range failedRemotes {
		d.multipart.MarkCancelled(ctx, proxyUploadID, name)
	}

	if result != nil {
		return result, nil
	}
	if resultErr != nil {
		return nil, resultErr
	}
	return nil, ErrAllBackendsUnreachable
}

// CompleteMultipartUpload rebuilds each open remote's own part list from
// the ETags recorded during UploadPart, then fans CompleteMultipartUpload
// out and reconciles exactly like a PutObject write.
func (d *Dispatcher) CompleteMultipartUpload(ctx context.Context, proxyUploadID string, in *s3.CompleteMultipartUploadInput) (*s3.CompleteMultipartUploadOutput, error) {
	mapping, ok := d.multipart.Get(ctx, proxyUploadID)
	if !ok {
		return nil, &APIError{Code: "NoSuchUpload", Message: "the specified multipart upload does not exist", HTTPStatusCode: 404}
	}
	backendIDs := mapping.OpenBackendUploadIDs()
	if len(backendIDs) == 0 {
		return nil, ErrAllBackendsUnreachable
	}

	partsByTarget := make(map[string]*s3.CompletedMultipartUpload, len(backendIDs))
	for name := range backendIDs {
		upload := mapping.Remotes[name]
		parts := make([]types.CompletedPart, 0, len(upload.Parts))
		for num, etag := range upload.Parts {
			parts = append(parts, types.CompletedPart{PartNumber: aws.Int32(num), ETag: aws.String(etag)})
		}
		sort.Slice(parts, func(i, j int) bool {
			return aws.ToInt32(parts[i].PartNumber) < aws.ToInt32(parts[j].PartNumber)
		})
		partsByTarget[name] = &s3.CompletedMultipartUpload{Parts: parts}
	}

	targetsOpen := make([]remote.Target, 0, len(backendIDs))
	handlesOpen := make([]remote.Handle, 0, len(backendIDs))
	for _, h := range d.handles {
		if _, ok := backendIDs[h.Target.Name]; ok {
			targetsOpen = append(targetsOpen, h.Target)
			handlesOpen = append(handlesOpen, h)
		}
	}

	clones := CloneCompleteMultipartUpload(in, targetsOpen, backendIDs, partsByTarget)
	replies := make(map[string]chan remote.Reply[s3.CompleteMultipartUploadOutput], len(handlesOpen))
	for _, h := range handlesOpen {
		ch := make(chan remote.Reply[s3.CompleteMultipartUploadOutput], 1)
		h.Send(&remote.CompleteMultipartUploadMsg{Input: clones[h.Target.Name], Reply: ch})
		replies[h.Target.Name] = ch
	}

	out, err := reconcileWrite(handlesOpen, replies)
	d.multipart.Delete(ctx, proxyUploadID)
	return out, err
}

// AbortMultipartUpload fans the abort out to every remote that still has
// an open leg and drops the mapping regardless of outcome: an abort that
// partially fails leaves at most an orphaned upload on one backend, which
// that backend's own lifecycle rules will eventually reap.
func (d *Dispatcher) AbortMultipartUpload(ctx context.Context, proxyUploadID string, in *s3.AbortMultipartUploadInput) error {
	mapping, ok := d.multipart.Get(ctx, proxyUploadID)
	if !ok {
		return &APIError{Code: "NoSuchUpload", Message: "the specified multipart upload does not exist", HTTPStatusCode: 404}
	}
	backendIDs := mapping.OpenBackendUploadIDs()

	targetsOpen := make([]remote.Target, 0, len(backendIDs))
	handlesOpen := make([]remote.Handle, 0, len(backendIDs))
	for _, h := range d.handles {
		if _, ok := backendIDs[h.Target.Name]; ok {
			targetsOpen = append(targetsOpen, h.Target)
			handlesOpen = append(handlesOpen, h)
		}
	}

	clones := CloneAbortMultipartUpload(in, targetsOpen, backendIDs)
	var wg sync.WaitGroup
	for _, h := range handlesOpen {
		h := h
		ch := make(chan remote.Reply[s3.AbortMultipartUploadOutput], 1)
		h.Send(&remote.AbortMultipartUploadMsg{Input: clones[h.Target.Name], Reply: ch})
		wg.Add(1)
		go func() {
			defer wg.Done()
			reply := <-ch
			if !reply.Trusted || reply.ServiceErr != nil {
				logger.Warn("remote %s: abort failed for upload %s, may leak", h.Target.Name, proxyUploadID)
			}
		}()
	}
	wg.Wait()

	d.multipart.Delete(ctx, proxyUploadID)
	return nil
}
