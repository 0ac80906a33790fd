// Package archive stores original payloads (email bodies, attachment
// bytes) in MongoDB so documents can be re-ingested or inspected after
// normalization. The archive is optional: callers receive a nil
// out.RawArchive when Mongo is not configured.
package archive

import (
	"bytes"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"sync_server/core/domain"
	"sync_server/core/port/out"
)

const (
	collectionRawArchive = "raw_archive"

	// Payloads smaller than this are stored uncompressed.
	compressionThreshold = 1024

	defaultTTLDays = 180
)

// MongoArchive implements out.RawArchive on a MongoDB collection with a
// TTL index handling expiry.
type MongoArchive struct {
	collection *mongo.Collection
	ttl        time.Duration
}

// NewMongoArchive creates the archive over db. ttlDays <= 0 selects the
// default retention.
func NewMongoArchive(db *mongo.Database, ttlDays int) *MongoArchive {
	if ttlDays <= 0 {
		ttlDays = defaultTTLDays
	}
	return &MongoArchive{
		collection: db.Collection(collectionRawArchive),
		ttl:        time.Duration(ttlDays) * 24 * time.Hour,
	}
}

// EnsureIndexes creates the identity and TTL indexes.
func (a *MongoArchive) EnsureIndexes(ctx context.Context) error {
	indexes := []mongo.IndexModel{
		{
			Keys: bson.D{
				{Key: "user_id", Value: 1},
				{Key: "doc_id", Value: 1},
				{Key: "kind", Value: 1},
			},
			Options: options.Index().SetUnique(true),
		},
		{
			Keys: bson.D{{Key: "user_id", Value: 1}},
		},
		{
			Keys:    bson.D{{Key: "expires_at", Value: 1}},
			Options: options.Index().SetExpireAfterSeconds(0), // TTL index
		},
	}

	_, err := a.collection.Indexes().CreateMany(ctx, indexes)
	return err
}

// =============================================================================
// Document Model
// =============================================================================

type archiveDocument struct {
	UserID      string `bson:"user_id"`
	DocID       string `bson:"doc_id"`
	Provider    string `bson:"provider"`
	Kind        string `bson:"kind"`
	Filename    string `bson:"filename,omitempty"`
	ContentType string `bson:"content_type,omitempty"`

	// Data is gzip-compressed when IsCompressed is set.
	Data         []byte `bson:"data"`
	IsCompressed bool   `bson:"is_compressed"`

	OriginalSize int64 `bson:"original_size"`
	StoredSize   int64 `bson:"stored_size"`

	Metadata  map[string]string `bson:"metadata,omitempty"`
	StoredAt  time.Time         `bson:"stored_at"`
	ExpiresAt time.Time         `bson:"expires_at"`
}

// =============================================================================
// Operations
// =============================================================================

// Store upserts one record keyed by (user, doc, kind); re-ingesting the
// same document replaces the archived payload.
func (a *MongoArchive) Store(ctx context.Context, rec *out.ArchiveRecord) error {
	doc, err := a.toDocument(rec)
	if err != nil {
		return fmt.Errorf("failed to convert archive record: %w", err)
	}

	filter := bson.M{"user_id": rec.UserID, "doc_id": rec.DocID, "kind": rec.Kind}
	opts := options.Replace().SetUpsert(true)

	if _, err := a.collection.ReplaceOne(ctx, filter, doc, opts); err != nil {
		return fmt.Errorf("failed to store archive record: %w", err)
	}
	return nil
}

// Get returns the archived payload, or nil when none exists.
func (a *MongoArchive) Get(ctx context.Context, userID, docID, kind string) (*out.ArchiveRecord, error) {
	filter := bson.M{"user_id": userID, "doc_id": docID, "kind": kind}

	var doc archiveDocument
	err := a.collection.FindOne(ctx, filter).Decode(&doc)
	if err != nil {
		if err == mongo.ErrNoDocuments {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get archive record: %w", err)
	}

	return a.toRecord(&doc)
}

// DeleteByUser removes every archived payload belonging to the user.
func (a *MongoArchive) DeleteByUser(ctx context.Context, userID string) (int64, error) {
	result, err := a.collection.DeleteMany(ctx, bson.M{"user_id": userID})
	if err != nil {
		return 0, fmt.Errorf("failed to delete archive records: %w", err)
	}
	return result.DeletedCount, nil
}

// DeleteExpired removes records past their TTL. The TTL index handles
// this in the background; the method exists for forced cleanup.
func (a *MongoArchive) DeleteExpired(ctx context.Context) (int64, error) {
	result, err := a.collection.DeleteMany(ctx, bson.M{
		"expires_at": bson.M{"$lt": time.Now().UTC()},
	})
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired archive records: %w", err)
	}
	return result.DeletedCount, nil
}

// =============================================================================
// Conversion Helpers
// =============================================================================

func (a *MongoArchive) toDocument(rec *out.ArchiveRecord) (*archiveDocument, error) {
	data := rec.Data
	originalSize := int64(len(data))
	isCompressed := false

	if originalSize > compressionThreshold {
		compressed, err := compress(data)
		if err != nil {
			return nil, fmt.Errorf("failed to compress payload: %w", err)
		}
		data = compressed
		isCompressed = true
	}

	storedAt := rec.StoredAt
	if storedAt.IsZero() {
		storedAt = time.Now().UTC()
	}

	return &archiveDocument{
		UserID:       rec.UserID,
		DocID:        rec.DocID,
		Provider:     string(rec.Provider),
		Kind:         rec.Kind,
		Filename:     rec.Filename,
		ContentType:  rec.ContentType,
		Data:         data,
		IsCompressed: isCompressed,
		OriginalSize: originalSize,
		StoredSize:   int64(len(data)),
		Metadata:     rec.Metadata,
		StoredAt:     storedAt,
		ExpiresAt:    storedAt.Add(a.ttl),
	}, nil
}

func (a *MongoArchive) toRecord(doc *archiveDocument) (*out.ArchiveRecord, error) {
	data := doc.Data
	if doc.IsCompressed {
		var err error
		data, err = decompress(doc.Data)
		if err != nil {
			return nil, fmt.Errorf("failed to decompress payload: %w", err)
		}
	}

	return &out.ArchiveRecord{
		UserID:      doc.UserID,
		DocID:       doc.DocID,
		Provider:    domain.Provider(doc.Provider),
		Kind:        doc.Kind,
		Filename:    doc.Filename,
		ContentType: doc.ContentType,
		Data:        data,
		Metadata:    doc.Metadata,
		StoredAt:    doc.StoredAt,
	}, nil
}

// =============================================================================
// Compression Helpers
// =============================================================================

func compress(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return data, nil
	}

	var buf bytes.Buffer
	writer := gzip.NewWriter(&buf)

	if _, err := writer.Write(data); err != nil {
		return nil, err
	}
	if err := writer.Close(); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

func decompress(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return data, nil
	}

	reader, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer reader.Close()

	return io.ReadAll(reader)
}

// =============================================================================
// Interface Compliance
// =============================================================================

var _ out.RawArchive = (*MongoArchive)(nil)
