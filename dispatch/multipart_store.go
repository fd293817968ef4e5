package dispatch

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"s3proxy/logger"
)

// RemoteUploadStatus tracks one remote's half of a multipart upload the
// dispatcher fanned out to every backend.
type RemoteUploadStatus int

const (
	RemoteUploadOpen RemoteUploadStatus = iota
	RemoteUploadCancelled
	RemoteUploadCompleted
)

// RemoteUpload is one backend's leg of a proxy-wide multipart upload: its
// own backend-assigned upload id, plus whether CreateMultipartUpload
// succeeded there at all.
type RemoteUpload struct {
	BackendUploadID string
	Status          RemoteUploadStatus
	// Parts records each part's backend-assigned ETag, keyed by part
	// number, so CompleteMultipartUpload can rebuild this remote's own
	// CompletedMultipartUpload even though the client only ever sees one
	// proxy-wide part list.
	Parts map[int32]string
}

// MultipartMapping is what CreateMultipartUpload persists: the proxy-visible
// upload id and the set of backend upload ids it fans UploadPart and
// CompleteMultipartUpload out to (SPEC_FULL.md §3's MultipartUploadMapping).
type MultipartMapping struct {
	ProxyUploadID string
	Bucket        string
	Key           string
	CreatedAt     time.Time
	Remotes       map[string]*RemoteUpload
}

// multipartUploadTTL mirrors original_source's abandoned-upload lifetime:
// multipart uploads that sit open for a day without completion are treated
// as abandoned, the same TTL token.Store's createdTTL uses for paging
// tokens.
const multipartUploadTTL = 24 * time.Hour

// MultipartStore is the port the dispatcher's multipart orchestration
// depends on, persisting the proxy-wide/backend-upload-id mapping the same
// way token.Store persists paging tokens (SPEC_FULL.md §6.G: both live in
// the configured document store). InMemoryMultipartStore and
// MongoMultipartStore are its two implementations.
type MultipartStore interface {
	// Create registers a fresh mapping once CreateMultipartUpload has been
	// fanned out to every remote. remotes maps remote name to the backend
	// upload id returned by a successful create; remotes that failed to
	// create should be omitted by the caller, which instead records them
	// as cancelled via MarkCancelled once the mapping exists.
	Create(ctx context.Context, bucket, key string, remotes map[string]string) (string, error)
	// Get returns the live mapping for id, or false if it doesn't exist or
	// has aged past the store's TTL.
	Get(ctx context.Context, id string) (*MultipartMapping, bool)
	// MarkCancelled flips one remote's leg to cancelled — used when a part
	// upload or the create itself failed against that backend, so
	// CompleteMultipartUpload knows to skip it.
	MarkCancelled(ctx context.Context, id, remoteName string)
	// Delete removes a mapping once the upload has been completed or
	// aborted.
	Delete(ctx context.Context, id string)
	// RecordPart stores remoteName's ETag for partNumber once its
	// UploadPart call has succeeded against that backend.
	RecordPart(ctx context.Context, id, remoteName string, partNumber int32, etag string)
	// Stop releases any background resources (a cleanup goroutine, a
	// client connection). Safe to call even if the store keeps none.
	Stop()
}

// InMemoryMultipartStore tracks in-flight multipart uploads across every
// backend, keyed by the single proxy-visible upload id handed back to the
// client. It exists for tests and for operators who don't want a Mongo
// dependency for a single proxy instance, mirroring token.InMemoryStore.
type InMemoryMultipartStore struct {
	mu       sync.RWMutex
	mappings map[string]*MultipartMapping
	stop     chan struct{}
	wg       sync.WaitGroup
}

// cleanupInterval is how often InMemoryMultipartStore sweeps for abandoned
// uploads; the Mongo store relies on a TTL index instead.
const cleanupInterval = time.Hour

// NewInMemoryMultipartStore starts the background reaper for abandoned
// uploads.
func NewInMemoryMultipartStore() *InMemoryMultipartStore {
	s := &InMemoryMultipartStore{
		mappings: make(map[string]*MultipartMapping),
		stop:     make(chan struct{}),
	}
	s.wg.Add(1)
	go s.cleanupLoop()
	return s
}

func (s *InMemoryMultipartStore) Stop() {
	close(s.stop)
	s.wg.Wait()
}

func (s *InMemoryMultipartStore) Create(ctx context.Context, bucket, key string, remotes map[string]string) (string, error) {
	id, err := newUploadID()
	if err != nil {
		return "", fmt.Errorf("generating multipart upload id: %w", err)
	}

	uploads := make(map[string]*RemoteUpload, len(remotes))
	for name, backendID := range remotes {
		uploads[name] = &RemoteUpload{BackendUploadID: backendID, Status: RemoteUploadOpen}
	}

	s.mu.Lock()
	s.mappings[id] = &MultipartMapping{
		ProxyUploadID: id,
		Bucket:        bucket,
		Key:           key,
		CreatedAt:     time.Now(),
		Remotes:       uploads,
	}
	s.mu.Unlock()

	logger.Debug("multipart upload %s registered across %d remotes", id, len(uploads))
	return id, nil
}

func (s *InMemoryMultipartStore) Get(ctx context.Context, id string) (*MultipartMapping, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	mapping, ok := s.mappings[id]
	if !ok || time.Since(mapping.CreatedAt) > multipartUploadTTL {
		return nil, false
	}
	return mapping, true
}

func (s *InMemoryMultipartStore) MarkCancelled(ctx context.Context, id, remoteName string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	mapping, ok := s.mappings[id]
	if !ok {
		return
	}
	upload, ok := mapping.Remotes[remoteName]
	if !ok {
		upload = &RemoteUpload{}
		mapping.Remotes[remoteName] = upload
	}
	upload.Status = RemoteUploadCancelled
	logger.Warn("multipart upload %s: remote %s cancelled", id, remoteName)
}

func (s *InMemoryMultipartStore) Delete(ctx context.Context, id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.mappings, id)
}

func (s *InMemoryMultipartStore) RecordPart(ctx context.Context, id, remoteName string, partNumber int32, etag string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	mapping, ok := s.mappings[id]
	if !ok {
		return
	}
	upload, ok := mapping.Remotes[remoteName]
	if !ok {
		return
	}
	if upload.Parts == nil {
		upload.Parts = make(map[int32]string)
	}
	upload.Parts[partNumber] = etag
}

// OpenBackendUploadIDs returns the backend upload id for every remote whose
// leg hasn't been cancelled, keyed by remote name.
func (m *MultipartMapping) OpenBackendUploadIDs() map[string]string {
	out := make(map[string]string, len(m.Remotes))
	for name, upload := range m.Remotes {
		if upload.Status != RemoteUploadCancelled {
			out[name] = upload.BackendUploadID
		}
	}
	return out
}

func newUploadID() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return "proxy-" + hex.EncodeToString(buf), nil
}

func (s *InMemoryMultipartStore) cleanupLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.cleanup()
		case <-s.stop:
			return
		}
	}
}

func (s *InMemoryMultipartStore) cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	var expired []string
	for id, mapping := range s.mappings {
		if now.Sub(mapping.CreatedAt) > multipartUploadTTL {
			expired = append(expired, id)
		}
	}
	for _, id := range expired {
		delete(s.mappings, id)
	}
	if len(expired) > 0 {
		logger.Debug("reaped %d abandoned multipart uploads", len(expired))
	}
}
