package remote

import (
	"context"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go/middleware"

	"s3proxy/logger"
)

// DefaultMailboxCapacity matches original_source/src/server/remote.rs's
// mpsc::channel(32); SPEC_FULL.md §5 allows 16-32.
const DefaultMailboxCapacity = 32

// backendCallTimeout bounds the one in-flight backend call an actor may
// have outstanding, so a wedged remote cannot stall Shutdown indefinitely.
const backendCallTimeout = 30 * time.Second

// client is the subset of *s3.Client an actor calls through; narrowed to an
// interface so actor tests can substitute a fake backend without a live
// endpoint.
type client interface {
	HeadBucket(ctx context.Context, in *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
	ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	DeleteObjects(ctx context.Context, in *s3.DeleteObjectsInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error)
	CreateMultipartUpload(ctx context.Context, in *s3.CreateMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error)
	UploadPart(ctx context.Context, in *s3.UploadPartInput, optFns ...func(*s3.Options)) (*s3.UploadPartOutput, error)
	CompleteMultipartUpload(ctx context.Context, in *s3.CompleteMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error)
	AbortMultipartUpload(ctx context.Context, in *s3.AbortMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error)
}

// Actor owns one backend client and serializes every operation against it
// through a bounded mailbox (SPEC_FULL.md §3, §4.A).
type Actor struct {
	target Target
	client client
	mbox   chan Message

	mu     sync.Mutex
	health Health

	metrics *Metrics
}

// Handle is the only outward reference to a running actor: a cheaply
// copyable send side of its mailbox, plus the immutable target metadata
// the dispatcher needs for ordering and bucket rewriting.
type Handle struct {
	Target Target
	mbox   chan<- Message
}

// Send delivers a message to the actor's mailbox, blocking if the mailbox
// is saturated (the spec's backpressure contract).
func (h Handle) Send(msg Message) {
	h.mbox <- msg
}

// NewHandle builds a Handle directly over mbox, bypassing Spawn's S3 client
// construction. Dispatcher tests use this to stand in a fake actor
// goroutine that replies to messages without a live backend.
func NewHandle(target Target, mbox chan Message) Handle {
	return Handle{Target: target, mbox: mbox}
}

// Spawn creates one S3 client for target and starts its actor goroutine,
// returning a Handle. Grounded on backend/manager.go's createBackend
// (path-style, static credentials) and original_source's spawn_remote
// (empty region, endpoint override, no default credential chain).
func Spawn(target Target, metrics *Metrics, mailboxCapacity int) (Handle, *sync.WaitGroup) {
	if mailboxCapacity <= 0 {
		mailboxCapacity = DefaultMailboxCapacity
	}

	c := s3.New(s3.Options{
		Region:       "",
		UsePathStyle: true,
		BaseEndpoint: aws.String(target.S3.Endpoint),
		Credentials: credentials.NewStaticCredentialsProvider(
			target.S3.AccessKey, target.S3.SecretKey, "",
		),
	})

	a := &Actor{
		target:  target,
		client:  streamingClientFor(target, c),
		mbox:    make(chan Message, mailboxCapacity),
		metrics: metrics,
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go a.run(&wg)

	return Handle{Target: target, mbox: a.mbox}, &wg
}

// streamingClientFor mirrors backend/manager.go's special-cased streaming
// client: plain-HTTP endpoints need the SHA256-payload-compute middleware
// removed or the SDK refuses to stream an unsized body.
func streamingClientFor(target Target, base *s3.Client) client {
	if !isPlainHTTP(target.S3.Endpoint) {
		return base
	}
	return s3.New(s3.Options{
		Region:       "",
		UsePathStyle: true,
		BaseEndpoint: aws.String(target.S3.Endpoint),
		Credentials: credentials.NewStaticCredentialsProvider(
			target.S3.AccessKey, target.S3.SecretKey, "",
		),
		APIOptions: []func(*middleware.Stack) error{
			v4.RemoveComputePayloadSHA256Middleware,
		},
	})
}

func isPlainHTTP(endpoint string) bool {
	return len(endpoint) >= 7 && endpoint[:7] == "http://"
}

func (a *Actor) run(wg *sync.WaitGroup) {
	defer wg.Done()

	for msg := range a.mbox {
		if _, isShutdown := msg.(*ShutdownMsg); isShutdown {
			logger.Info("remote %s: shutting down", a.target.Name)
			return
		}
		// One in-flight backend call at a time, per spec §4.A; the call
		// is bounded so a wedged remote cannot stall shutdown forever.
		ctx, cancel := context.WithTimeout(context.Background(), backendCallTimeout)
		msg.dispatch(ctx, a)
		cancel()
	}
}

func (a *Actor) updateHealth(transportFailure bool) {
	a.mu.Lock()
	next, transitioned := observe(a.health, transportFailure)
	a.health = next
	a.mu.Unlock()

	if !transitioned {
		return
	}
	if next == HealthUp {
		logger.Info("remote %s is UP", a.target.Name)
	} else {
		logger.Warn("remote %s is DOWN", a.target.Name)
	}
	if a.metrics != nil {
		a.metrics.RemoteHealth.WithLabelValues(a.target.Name).Set(next.toFloat64())
	}
}

// Shutdown sends the distinct Shutdown message (no reply); the actor's run
// loop exits its receive loop upon seeing it, letting any in-flight
// backend call finish first.
func (h Handle) Shutdown() {
	h.mbox <- &ShutdownMsg{}
}
