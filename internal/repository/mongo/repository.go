package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"animestream/internal/domain"
)

// Repository caches torrent descriptions in a MongoDB collection, one
// document per torrent id.
type Repository struct {
	collection *mongo.Collection
	ttl        time.Duration
}

type fileDoc struct {
	Index  int    `bson:"index"`
	Path   string `bson:"path"`
	Length int64  `bson:"length"`
}

type torrentDoc struct {
	ID         string    `bson:"_id"`
	Name       string    `bson:"name"`
	InfoHash   string    `bson:"infoHash"`
	Magnet     string    `bson:"magnet"`
	Files      []fileDoc `bson:"files"`
	TotalBytes int64     `bson:"totalBytes"`
	Uploaded   bool      `bson:"uploaded"`
	CreatedAt  int64     `bson:"createdAt"`
	UpdatedAt  int64     `bson:"updatedAt"`
	// SeenAt backs the TTL index; Mongo only expires BSON dates.
	SeenAt time.Time `bson:"seenAt"`
}

type RepositoryOption func(*Repository)

// WithTTL expires documents that were not saved again within ttl.
func WithTTL(ttl time.Duration) RepositoryOption {
	return func(r *Repository) {
		if ttl > 0 {
			r.ttl = ttl
		}
	}
}

func NewRepository(client *mongo.Client, dbName, collectionName string, opts ...RepositoryOption) *Repository {
	r := &Repository{collection: client.Database(dbName).Collection(collectionName)}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func Connect(ctx context.Context, uri string, extra ...*options.ClientOptions) (*mongo.Client, error) {
	opts := append([]*options.ClientOptions{options.Client().ApplyURI(uri)}, extra...)
	client, err := mongo.Connect(ctx, opts...)
	if err != nil {
		return nil, err
	}
	return client, nil
}

func (r *Repository) EnsureIndexes(ctx context.Context) error {
	if r == nil || r.collection == nil {
		return nil
	}
	_, err := r.collection.Indexes().CreateMany(ctx, indexModels(r.ttl))
	return err
}

func indexModels(ttl time.Duration) []mongo.IndexModel {
	models := []mongo.IndexModel{
		{Keys: bson.D{{Key: "updatedAt", Value: -1}}},
		{Keys: bson.D{{Key: "infoHash", Value: 1}}},
	}
	if ttl > 0 {
		models = append(models, mongo.IndexModel{
			Keys:    bson.D{{Key: "seenAt", Value: 1}},
			Options: options.Index().SetExpireAfterSeconds(int32(ttl / time.Second)),
		})
	}
	return models
}

// Save upserts the record. CreatedAt is only written on insert so repeat
// lookups keep the first-seen time.
func (r *Repository) Save(ctx context.Context, record domain.TorrentRecord) error {
	if err := record.Validate(); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrInvalidInput, err)
	}
	_, err := r.collection.UpdateOne(ctx,
		bson.M{"_id": string(record.ID)},
		saveUpdate(record),
		options.Update().SetUpsert(true),
	)
	return err
}

func saveUpdate(record domain.TorrentRecord) bson.M {
	doc := toDoc(record)
	return bson.M{
		"$set": bson.M{
			"name":       doc.Name,
			"infoHash":   doc.InfoHash,
			"magnet":     doc.Magnet,
			"files":      doc.Files,
			"totalBytes": doc.TotalBytes,
			"uploaded":   doc.Uploaded,
			"updatedAt":  doc.UpdatedAt,
			"seenAt":     doc.SeenAt,
		},
		"$setOnInsert": bson.M{"createdAt": doc.CreatedAt},
	}
}

func (r *Repository) Get(ctx context.Context, id domain.TorrentID) (domain.TorrentRecord, error) {
	var doc torrentDoc
	if err := r.collection.FindOne(ctx, bson.M{"_id": string(id)}).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return domain.TorrentRecord{}, domain.ErrNotFound
		}
		return domain.TorrentRecord{}, err
	}
	return fromDoc(doc), nil
}

func (r *Repository) Delete(ctx context.Context, id domain.TorrentID) error {
	res, err := r.collection.DeleteOne(ctx, bson.M{"_id": string(id)})
	if err != nil {
		return err
	}
	if res.DeletedCount == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// ListRecent returns up to limit records, most recently saved first.
func (r *Repository) ListRecent(ctx context.Context, limit int) ([]domain.TorrentRecord, error) {
	opts := options.Find().SetSort(bson.D{{Key: "updatedAt", Value: -1}, {Key: "_id", Value: 1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}

	cursor, err := r.collection.Find(ctx, bson.M{}, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var docs []torrentDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, err
	}
	return fromDocs(docs), nil
}

func toDoc(t domain.TorrentRecord) torrentDoc {
	files := make([]fileDoc, 0, len(t.Files))
	for _, f := range t.Files {
		files = append(files, fileDoc{Index: f.Index, Path: f.Path, Length: f.Length})
	}
	seen := t.UpdatedAt
	if seen.IsZero() {
		seen = time.Now()
	}
	return torrentDoc{
		ID:         string(t.ID),
		Name:       t.Name,
		InfoHash:   string(t.InfoHash),
		Magnet:     t.MagnetURI,
		Files:      files,
		TotalBytes: t.TotalBytes,
		Uploaded:   t.Uploaded,
		CreatedAt:  t.CreatedAt.Unix(),
		UpdatedAt:  t.UpdatedAt.Unix(),
		SeenAt:     seen.UTC(),
	}
}

func fromDoc(doc torrentDoc) domain.TorrentRecord {
	files := make([]domain.FileRef, 0, len(doc.Files))
	for _, f := range doc.Files {
		files = append(files, domain.FileRef{Index: f.Index, Path: f.Path, Length: f.Length})
	}
	return domain.TorrentRecord{
		ID:         domain.TorrentID(doc.ID),
		Name:       doc.Name,
		InfoHash:   domain.InfoHash(doc.InfoHash),
		MagnetURI:  doc.Magnet,
		Files:      files,
		TotalBytes: doc.TotalBytes,
		Uploaded:   doc.Uploaded,
		CreatedAt:  timeFromUnix(doc.CreatedAt),
		UpdatedAt:  timeFromUnix(doc.UpdatedAt),
	}
}

func fromDocs(docs []torrentDoc) []domain.TorrentRecord {
	records := make([]domain.TorrentRecord, 0, len(docs))
	for _, doc := range docs {
		records = append(records, fromDoc(doc))
	}
	return records
}

func timeFromUnix(value int64) time.Time {
	return time.Unix(value, 0).UTC()
}
