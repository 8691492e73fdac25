package mongodb

import (
	"bytes"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"time"

	"grouper_server/core/domain"
	"grouper_server/core/port/out"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const (
	collectionExtractionLog = "extraction_log"

	// raw responses above this size are gzipped
	compressionThreshold = 1024
	defaultRetention     = 30 * 24 * time.Hour
)

// ExtractionLogAdapter implements out.ExtractionLog using MongoDB.
type ExtractionLogAdapter struct {
	collection *mongo.Collection
	retention  time.Duration
}

// NewExtractionLogAdapter creates a new adapter. Entries expire after
// retention; zero keeps them 30 days.
func NewExtractionLogAdapter(db *mongo.Database, retention time.Duration) *ExtractionLogAdapter {
	if retention <= 0 {
		retention = defaultRetention
	}
	return &ExtractionLogAdapter{
		collection: db.Collection(collectionExtractionLog),
		retention:  retention,
	}
}

var (
	_ out.ExtractionLog       = (*ExtractionLogAdapter)(nil)
	_ out.ExtractionLogReader = (*ExtractionLogAdapter)(nil)
)

// EnsureIndexes creates the lookup index and the TTL index.
func (a *ExtractionLogAdapter) EnsureIndexes(ctx context.Context) error {
	indexes := []mongo.IndexModel{
		{
			Keys: bson.D{{Key: "user_id", Value: 1}, {Key: "email_id", Value: 1}, {Key: "created_at", Value: -1}},
		},
		{
			Keys:    bson.D{{Key: "expires_at", Value: 1}},
			Options: options.Index().SetExpireAfterSeconds(0),
		},
	}
	_, err := a.collection.Indexes().CreateMany(ctx, indexes)
	return err
}

type extractionDocument struct {
	UserID       string    `bson:"user_id"`
	EmailID      string    `bson:"email_id"`
	Model        string    `bson:"model,omitempty"`
	RawResponse  []byte    `bson:"raw_response,omitempty"`
	IsCompressed bool      `bson:"is_compressed"`
	Record       bson.M    `bson:"record,omitempty"`
	Confidence   float64   `bson:"confidence"`
	Error        string    `bson:"error,omitempty"`
	LatencyMS    int64     `bson:"latency_ms"`
	CreatedAt    time.Time `bson:"created_at"`
	ExpiresAt    time.Time `bson:"expires_at"`
}

// Record stores one extraction attempt.
func (a *ExtractionLogAdapter) Record(ctx context.Context, entry *out.ExtractionLogEntry) error {
	doc, err := a.toDocument(entry)
	if err != nil {
		return fmt.Errorf("failed to convert extraction log entry: %w", err)
	}
	if _, err := a.collection.InsertOne(ctx, doc); err != nil {
		return fmt.Errorf("failed to insert extraction log entry: %w", err)
	}
	return nil
}

// List returns the newest entries for an email.
func (a *ExtractionLogAdapter) List(ctx context.Context, userID uuid.UUID, emailID string, limit int) ([]*out.ExtractionLogEntry, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	filter := bson.M{"user_id": userID.String(), "email_id": emailID}
	opts := options.Find().
		SetSort(bson.D{{Key: "created_at", Value: -1}}).
		SetLimit(int64(limit))

	cursor, err := a.collection.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to query extraction log: %w", err)
	}
	defer cursor.Close(ctx)

	var docs []extractionDocument
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("failed to decode extraction log: %w", err)
	}

	entries := make([]*out.ExtractionLogEntry, 0, len(docs))
	for i := range docs {
		entry, err := fromDocument(&docs[i])
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func (a *ExtractionLogAdapter) toDocument(e *out.ExtractionLogEntry) (*extractionDocument, error) {
	created := e.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	doc := &extractionDocument{
		UserID:    e.UserID.String(),
		EmailID:   e.EmailID,
		Model:     e.Model,
		Error:     e.Error,
		LatencyMS: e.Latency.Milliseconds(),
		CreatedAt: created,
		ExpiresAt: created.Add(a.retention),
	}

	raw := []byte(e.RawResponse)
	if len(raw) > compressionThreshold {
		compressed, err := compress(raw)
		if err != nil {
			return nil, err
		}
		raw, doc.IsCompressed = compressed, true
	}
	doc.RawResponse = raw

	if e.Record != nil {
		// round-trip through JSON so stored field names match the API
		data, err := json.Marshal(e.Record)
		if err != nil {
			return nil, err
		}
		var m bson.M
		if err := bson.UnmarshalExtJSON(data, false, &m); err != nil {
			return nil, err
		}
		doc.Record = m
		doc.Confidence = e.Record.Confidence
	}
	return doc, nil
}

func fromDocument(doc *extractionDocument) (*out.ExtractionLogEntry, error) {
	userID, err := uuid.Parse(doc.UserID)
	if err != nil {
		return nil, fmt.Errorf("invalid user id in extraction log: %w", err)
	}
	raw := doc.RawResponse
	if doc.IsCompressed {
		if raw, err = decompress(raw); err != nil {
			return nil, fmt.Errorf("failed to decompress raw response: %w", err)
		}
	}

	entry := &out.ExtractionLogEntry{
		UserID:      userID,
		EmailID:     doc.EmailID,
		Model:       doc.Model,
		RawResponse: string(raw),
		Error:       doc.Error,
		Latency:     time.Duration(doc.LatencyMS) * time.Millisecond,
		CreatedAt:   doc.CreatedAt,
	}
	if doc.Record != nil {
		data, err := bson.MarshalExtJSON(doc.Record, false, false)
		if err != nil {
			return nil, err
		}
		var rec domain.EntityRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			return nil, fmt.Errorf("failed to decode stored record: %w", err)
		}
		entry.Record = &rec
	}
	return entry, nil
}

func compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decompress(data []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}
