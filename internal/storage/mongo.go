package storage

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"healthguard/internal/database"
	"healthguard/internal/models"
)

// MongoStore keeps documents in a single blobs collection keyed by the
// logical path.
type MongoStore struct {
	collection *mongo.Collection
}

type blobDocument struct {
	Key       string    `bson:"_id"`
	Content   []byte    `bson:"content"`
	UpdatedAt time.Time `bson:"updatedAt"`
}

// NewMongoStore wraps an established MongoDB connection.
func NewMongoStore(db *database.MongoDB) *MongoStore {
	return &MongoStore{collection: db.Collection(database.CollectionBlobs)}
}

// Save upserts the document for the key.
func (s *MongoStore) Save(ctx context.Context, key string, content []byte) error {
	doc := blobDocument{Key: key, Content: content, UpdatedAt: time.Now().UTC()}
	_, err := s.collection.ReplaceOne(ctx, bson.M{"_id": key}, doc, options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("failed to save %s: %w", key, err)
	}
	return nil
}

// Load reads a document, returning models.ErrNotFound when absent.
func (s *MongoStore) Load(ctx context.Context, key string) ([]byte, error) {
	var doc blobDocument
	err := s.collection.FindOne(ctx, bson.M{"_id": key}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, fmt.Errorf("%s: %w", key, models.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to load %s: %w", key, err)
	}
	return doc.Content, nil
}

// Exists reports whether the key has content.
func (s *MongoStore) Exists(ctx context.Context, key string) (bool, error) {
	count, err := s.collection.CountDocuments(ctx, bson.M{"_id": key}, options.Count().SetLimit(1))
	if err != nil {
		return false, fmt.Errorf("failed to check %s: %w", key, err)
	}
	return count > 0, nil
}

// Delete removes a document. Deleting an absent key is not an error.
func (s *MongoStore) Delete(ctx context.Context, key string) error {
	if _, err := s.collection.DeleteOne(ctx, bson.M{"_id": key}); err != nil {
		return fmt.Errorf("failed to delete %s: %w", key, err)
	}
	return nil
}

// List returns every key under the prefix in lexicographic order.
func (s *MongoStore) List(ctx context.Context, prefix string) ([]string, error) {
	filter := bson.M{"_id": primitive.Regex{Pattern: "^" + regexp.QuoteMeta(prefix)}}
	opts := options.Find().SetProjection(bson.M{"_id": 1})

	cursor, err := s.collection.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", prefix, err)
	}
	defer cursor.Close(ctx)

	keys := []string{}
	for cursor.Next(ctx) {
		var doc struct {
			Key string `bson:"_id"`
		}
		if err := cursor.Decode(&doc); err != nil {
			return nil, fmt.Errorf("failed to decode key under %s: %w", prefix, err)
		}
		keys = append(keys, doc.Key)
	}
	if err := cursor.Err(); err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", prefix, err)
	}

	sort.Strings(keys)
	return keys, nil
}
