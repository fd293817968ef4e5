package token

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const tokensCollection = "list_object_tokens"

type tokenDoc struct {
	ID         primitive.ObjectID `bson:"_id"`
	StartAfter string             `bson:"start_after"`
	CreatedAt  time.Time          `bson:"created_at"`
	ConsumedAt *time.Time         `bson:"consumed_at,omitempty"`
}

// MongoStore persists paging tokens in a document store, relying on TTL
// indexes to age tokens out rather than an explicit sweep — mirroring
// original_source/src/db/mod.rs's MongoDB.connect().
type MongoStore struct {
	tokens *mongo.Collection
}

// Connect dials uri, selects dbName, and ensures the two TTL indexes exist:
// one on created_at (24h, the overall token lifetime) and one on
// consumed_at (10m, the post-consumption grace window).
func Connect(ctx context.Context, uri, dbName string) (*MongoStore, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connecting to document store: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		return nil, fmt.Errorf("pinging document store: %w", err)
	}

	tokens := client.Database(dbName).Collection(tokensCollection)
	indexes := []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "created_at", Value: 1}},
			Options: options.Index().SetExpireAfterSeconds(int32(createdTTL.Seconds())),
		},
		{
			Keys:    bson.D{{Key: "consumed_at", Value: 1}},
			Options: options.Index().SetExpireAfterSeconds(int32(consumedTTL.Seconds())).SetSparse(true),
		},
	}
	if _, err := tokens.Indexes().CreateMany(ctx, indexes); err != nil {
		return nil, fmt.Errorf("creating token TTL indexes: %w", err)
	}

	return &MongoStore{tokens: tokens}, nil
}

func (s *MongoStore) Create(ctx context.Context, startAfter string) (string, error) {
	doc := tokenDoc{
		ID:         primitive.NewObjectID(),
		StartAfter: startAfter,
		CreatedAt:  time.Now(),
	}
	if _, err := s.tokens.InsertOne(ctx, doc); err != nil {
		return "", fmt.Errorf("inserting paging token: %w", err)
	}
	return doc.ID.Hex(), nil
}

// Consume looks the token up by id and stamps consumed_at if it hasn't
// already been stamped, in one round trip. A second presentation within
// the 10-minute consumed_at TTL still succeeds with the same cursor —
// consumption is not single-use, only time-boxed, matching the original's
// semantics.
func (s *MongoStore) Consume(ctx context.Context, id string) (string, error) {
	oid, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return "", ErrInvalidToken
	}

	var doc tokenDoc
	err = s.tokens.FindOneAndUpdate(
		ctx,
		bson.M{"_id": oid, "consumed_at": bson.M{"$exists": false}},
		bson.M{"$set": bson.M{"consumed_at": time.Now()}},
	).Decode(&doc)
	if err == nil {
		return doc.StartAfter, nil
	}
	if err != mongo.ErrNoDocuments {
		return "", fmt.Errorf("consuming paging token: %w", err)
	}

	// Either unknown, expired, or already consumed — re-fetch to
	// distinguish "already consumed, still within grace window" from
	// "truly gone", since the TTL indexes reap documents asynchronously.
	if err := s.tokens.FindOne(ctx, bson.M{"_id": oid}).Decode(&doc); err != nil {
		return "", ErrInvalidToken
	}
	return doc.StartAfter, nil
}
