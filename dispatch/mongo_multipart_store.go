package dispatch

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// multipartCollection is the second of the two document-store collections
// the proxy owns; token.tokensCollection is the first.
const multipartCollection = "multipart_uploads"

type remoteUploadDoc struct {
	BackendUploadID string            `bson:"backend_upload_id"`
	Status          RemoteUploadStatus `bson:"status"`
	// Parts is keyed by the decimal part number since BSON map keys must be
	// strings.
	Parts map[string]string `bson:"parts,omitempty"`
}

type multipartDoc struct {
	ID        string                      `bson:"_id"`
	Bucket    string                      `bson:"bucket"`
	Key       string                      `bson:"key"`
	CreatedAt time.Time                   `bson:"created_at"`
	Remotes   map[string]*remoteUploadDoc `bson:"remotes"`
}

// MongoMultipartStore persists the proxy-wide/backend-upload-id mapping in
// the same document store token.MongoStore uses for paging tokens,
// following its Connect/TTL-index pattern (SPEC_FULL.md §6.G).
type MongoMultipartStore struct {
	client  *mongo.Client
	uploads *mongo.Collection
}

// ConnectMultipartStore dials uri, selects dbName, and ensures a TTL index
// on created_at exists so abandoned uploads age out the same way
// InMemoryMultipartStore's reaper does, without a background goroutine.
func ConnectMultipartStore(ctx context.Context, uri, dbName string) (*MongoMultipartStore, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connecting to document store: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		return nil, fmt.Errorf("pinging document store: %w", err)
	}

	uploads := client.Database(dbName).Collection(multipartCollection)
	index := mongo.IndexModel{
		Keys:    bson.D{{Key: "created_at", Value: 1}},
		Options: options.Index().SetExpireAfterSeconds(int32(multipartUploadTTL.Seconds())),
	}
	if _, err := uploads.Indexes().CreateOne(ctx, index); err != nil {
		return nil, fmt.Errorf("creating multipart upload TTL index: %w", err)
	}

	return &MongoMultipartStore{client: client, uploads: uploads}, nil
}

func (s *MongoMultipartStore) Create(ctx context.Context, bucket, key string, remotes map[string]string) (string, error) {
	id, err := newUploadID()
	if err != nil {
		return "", fmt.Errorf("generating multipart upload id: %w", err)
	}

	doc := multipartDoc{
		ID:        id,
		Bucket:    bucket,
		Key:       key,
		CreatedAt: time.Now(),
		Remotes:   make(map[string]*remoteUploadDoc, len(remotes)),
	}
	for name, backendID := range remotes {
		doc.Remotes[name] = &remoteUploadDoc{BackendUploadID: backendID, Status: RemoteUploadOpen}
	}

	if _, err := s.uploads.InsertOne(ctx, doc); err != nil {
		return "", fmt.Errorf("inserting multipart upload mapping: %w", err)
	}
	return id, nil
}

func (s *MongoMultipartStore) Get(ctx context.Context, id string) (*MultipartMapping, bool) {
	var doc multipartDoc
	if err := s.uploads.FindOne(ctx, bson.M{"_id": id}).Decode(&doc); err != nil {
		return nil, false
	}
	return docToMapping(&doc), true
}

func (s *MongoMultipartStore) MarkCancelled(ctx context.Context, id, remoteName string) {
	_, _ = s.uploads.UpdateOne(ctx,
		bson.M{"_id": id},
		bson.M{"$set": bson.M{"remotes." + remoteName + ".status": RemoteUploadCancelled}},
	)
}

func (s *MongoMultipartStore) Delete(ctx context.Context, id string) {
	_, _ = s.uploads.DeleteOne(ctx, bson.M{"_id": id})
}

func (s *MongoMultipartStore) RecordPart(ctx context.Context, id, remoteName string, partNumber int32, etag string) {
	field := "remotes." + remoteName + ".parts." + strconv.Itoa(int(partNumber))
	_, _ = s.uploads.UpdateOne(ctx,
		bson.M{"_id": id, "remotes." + remoteName: bson.M{"$exists": true}},
		bson.M{"$set": bson.M{field: etag}},
	)
}

func (s *MongoMultipartStore) Stop() {
	_ = s.client.Disconnect(context.Background())
}

func docToMapping(doc *multipartDoc) *MultipartMapping {
	mapping := &MultipartMapping{
		ProxyUploadID: doc.ID,
		Bucket:        doc.Bucket,
		Key:           doc.Key,
		CreatedAt:     doc.CreatedAt,
		Remotes:       make(map[string]*RemoteUpload, len(doc.Remotes)),
	}
	for name, r := range doc.Remotes {
		upload := &RemoteUpload{BackendUploadID: r.BackendUploadID, Status: r.Status}
		if len(r.Parts) > 0 {
			upload.Parts = make(map[int32]string, len(r.Parts))
			for partStr, etag := range r.Parts {
				if n, err := strconv.Atoi(partStr); err == nil {
					upload.Parts[int32(n)] = etag
				}
			}
		}
		mapping.Remotes[name] = upload
	}
	return mapping
}
