package mongo

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"go.mongodb.org/mongo-driver/mongo/options"

	"animestream/internal/domain"
)

// testMongoURI returns the MongoDB connection URI for integration tests.
// Defaults to localhost:27017. Set MONGO_TEST_URI to override.
func testMongoURI() string {
	if uri := os.Getenv("MONGO_TEST_URI"); uri != "" {
		return uri
	}
	return "mongodb://localhost:27017"
}

// setupTestRepo connects to MongoDB and returns a Repository on a throwaway
// database. Skips when MongoDB is unreachable.
func setupTestRepo(t *testing.T) *Repository {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	uri := testMongoURI()
	client, err := Connect(ctx, uri,
		options.Client().SetConnectTimeout(2*time.Second).SetServerSelectionTimeout(2*time.Second))
	if err != nil {
		t.Skipf("MongoDB not available at %s: %v", uri, err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		t.Skipf("MongoDB ping failed at %s: %v", uri, err)
	}

	dbName := fmt.Sprintf("animestream_test_%d", time.Now().UnixNano())
	repo := NewRepository(client, dbName, "torrents", WithTTL(time.Hour))
	if err := repo.EnsureIndexes(ctx); err != nil {
		_ = client.Disconnect(ctx)
		t.Fatalf("EnsureIndexes: %v", err)
	}

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = client.Database(dbName).Drop(ctx)
		_ = client.Disconnect(ctx)
	})
	return repo
}

func makeRecord(id string, updated time.Time) domain.TorrentRecord {
	return domain.TorrentRecord{
		ID:         domain.TorrentID(id),
		Name:       "Torrent " + id,
		InfoHash:   domain.InfoHash("hash_" + id),
		MagnetURI:  "magnet:?xt=urn:btih:" + id,
		Files:      []domain.FileRef{{Index: 0, Path: id + ".mkv", Length: 1000}},
		TotalBytes: 1000,
		CreatedAt:  updated,
		UpdatedAt:  updated,
	}
}

func TestIntegrationSaveGet(t *testing.T) {
	repo := setupTestRepo(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	rec := makeRecord("get1", now)
	if err := repo.Save(ctx, rec); err != nil {
		t.Fatalf("Save: %v", err)
	}
	got, err := repo.Get(ctx, "get1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Name != rec.Name || got.TotalBytes != 1000 || len(got.Files) != 1 || !got.CreatedAt.Equal(now) {
		t.Fatalf("Get = %+v", got)
	}
}

func TestIntegrationSaveKeepsCreatedAt(t *testing.T) {
	repo := setupTestRepo(t)
	ctx := context.Background()
	first := time.Now().UTC().Truncate(time.Second)

	if err := repo.Save(ctx, makeRecord("up1", first)); err != nil {
		t.Fatalf("first Save: %v", err)
	}
	later := makeRecord("up1", first.Add(time.Hour))
	later.Name = "renamed"
	if err := repo.Save(ctx, later); err != nil {
		t.Fatalf("second Save: %v", err)
	}

	got, err := repo.Get(ctx, "up1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Name != "renamed" || !got.UpdatedAt.Equal(first.Add(time.Hour)) {
		t.Fatalf("update not applied: %+v", got)
	}
	if !got.CreatedAt.Equal(first) {
		t.Fatalf("CreatedAt = %s, want %s", got.CreatedAt, first)
	}
}

func TestIntegrationSaveRejectsInvalid(t *testing.T) {
	repo := setupTestRepo(t)
	rec := makeRecord("bad", time.Now())
	rec.InfoHash = ""
	if err := repo.Save(context.Background(), rec); !errors.Is(err, domain.ErrInvalidInput) {
		t.Fatalf("Save err = %v, want ErrInvalidInput", err)
	}
}

func TestIntegrationGetMissing(t *testing.T) {
	repo := setupTestRepo(t)
	if _, err := repo.Get(context.Background(), "nope"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("Get err = %v, want ErrNotFound", err)
	}
}

func TestIntegrationDelete(t *testing.T) {
	repo := setupTestRepo(t)
	ctx := context.Background()
	if err := repo.Save(ctx, makeRecord("del1", time.Now().UTC())); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := repo.Delete(ctx, "del1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := repo.Delete(ctx, "del1"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("second Delete err = %v, want ErrNotFound", err)
	}
}

func TestIntegrationListRecent(t *testing.T) {
	repo := setupTestRepo(t)
	ctx := context.Background()
	base := time.Now().UTC().Truncate(time.Second)

	for i, id := range []string{"old", "mid", "new"} {
		if err := repo.Save(ctx, makeRecord(id, base.Add(time.Duration(i)*time.Minute))); err != nil {
			t.Fatalf("Save %s: %v", id, err)
		}
	}

	got, err := repo.ListRecent(ctx, 2)
	if err != nil {
		t.Fatalf("ListRecent: %v", err)
	}
	if len(got) != 2 || got[0].ID != "new" || got[1].ID != "mid" {
		t.Fatalf("ListRecent = %v", ids(got))
	}

	all, err := repo.ListRecent(ctx, 0)
	if err != nil {
		t.Fatalf("ListRecent all: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("ListRecent(0) returned %d", len(all))
	}
}

func ids(records []domain.TorrentRecord) []domain.TorrentID {
	out := make([]domain.TorrentID, 0, len(records))
	for _, r := range records {
		out = append(out, r.ID)
	}
	return out
}
