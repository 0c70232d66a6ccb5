// Package store persists named vector collections in SQLite and serves
// nearest-neighbor similarity queries over them.
//
// A collection is one knowledge base: (vector, segment text, position)
// tuples tagged with the embedding model that produced the vectors. Queries
// embedded with a different model must be rejected, so the tag is checked on
// every read path that depends on it.
package store

import (
	"context"
	"database/sql"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/kotae-ai/kotae/internal/models"
)

var (
	// ErrCollectionNotFound is returned when a query names a collection
	// that was never built (or was deleted).
	ErrCollectionNotFound = errors.New("collection not found")
	// ErrModelMismatch is returned when a collection is tagged with a
	// different embedding model than the caller's.
	ErrModelMismatch = errors.New("collection built with a different embedding model")
)

// CollectionInfo describes one stored collection.
type CollectionInfo struct {
	Name           string    `json:"name"`
	EmbeddingModel string    `json:"embedding_model"`
	Dimensions     int       `json:"dimensions"`
	Segments       int64     `json:"segments"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Store is a SQLite-backed vector collection store. Safe for concurrent use;
// writes are transactional so readers never observe a partially written
// collection.
type Store struct {
	db  *sql.DB
	dir string
}

// Open opens (creating if needed) the vector database under dir.
func Open(dir string) (*Store, error) {
	if dir == "" {
		dir = "./data"
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create store directory: %w", err)
	}
	db, err := sql.Open("sqlite3", filepath.Join(dir, "vectors.db"))
	if err != nil {
		return nil, fmt.Errorf("open vector database: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return &Store{db: db, dir: dir}, nil
}

func initSchema(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS collections (
		name TEXT PRIMARY KEY,
		embedding_model TEXT NOT NULL,
		dimensions INTEGER NOT NULL,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS segments (
		id TEXT PRIMARY KEY,
		collection TEXT NOT NULL,
		content TEXT NOT NULL,
		position INTEGER NOT NULL,
		embedding BLOB NOT NULL,
		FOREIGN KEY (collection) REFERENCES collections(name) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_segments_collection ON segments(collection);
	`
	_, err := db.Exec(schema)
	return err
}

// Dir returns the directory holding the persisted store.
func (s *Store) Dir() string {
	return s.dir
}

// Replace atomically replaces the contents of collection with the given
// segments and vectors, tagging it with embeddingModel. Rebuilding under the
// same name overwrites prior contents; the collection row is created when
// missing.
func (s *Store) Replace(ctx context.Context, collection, embeddingModel string, segments []models.Segment, vectors [][]float32) error {
	if len(segments) != len(vectors) {
		return fmt.Errorf("segments and vectors length mismatch: %d vs %d", len(segments), len(vectors))
	}
	dims := 0
	if len(vectors) > 0 {
		dims = len(vectors[0])
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin replace: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO collections (name, embedding_model, dimensions)
		 VALUES (?, ?, ?)
		 ON CONFLICT(name) DO UPDATE SET
		 embedding_model = excluded.embedding_model,
		 dimensions = excluded.dimensions,
		 updated_at = CURRENT_TIMESTAMP`,
		collection, embeddingModel, dims,
	); err != nil {
		return fmt.Errorf("upsert collection: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM segments WHERE collection = ?`, collection); err != nil {
		return fmt.Errorf("clear collection: %w", err)
	}
	if err := insertSegments(ctx, tx, collection, dims, segments, vectors); err != nil {
		return err
	}
	return tx.Commit()
}

// Append adds segments to an existing collection. The collection must exist
// and be tagged with embeddingModel.
func (s *Store) Append(ctx context.Context, collection, embeddingModel string, segments []models.Segment, vectors [][]float32) error {
	if len(segments) != len(vectors) {
		return fmt.Errorf("segments and vectors length mismatch: %d vs %d", len(segments), len(vectors))
	}
	tagged, dims, err := s.collectionTag(ctx, collection)
	if err != nil {
		return err
	}
	if tagged != embeddingModel {
		return fmt.Errorf("%w: collection %q tagged %q, caller uses %q",
			ErrModelMismatch, collection, tagged, embeddingModel)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin append: %w", err)
	}
	defer tx.Rollback()

	// A collection built from an empty source has no dimensions yet; the
	// first appended vector fixes them so the guards stay effective.
	if dims == 0 && len(vectors) > 0 {
		dims = len(vectors[0])
		if _, err := tx.ExecContext(ctx,
			`UPDATE collections SET dimensions = ? WHERE name = ?`, dims, collection,
		); err != nil {
			return fmt.Errorf("set collection dimensions: %w", err)
		}
	}
	if err := insertSegments(ctx, tx, collection, dims, segments, vectors); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE collections SET updated_at = CURRENT_TIMESTAMP WHERE name = ?`, collection,
	); err != nil {
		return fmt.Errorf("touch collection: %w", err)
	}
	return tx.Commit()
}

func insertSegments(ctx context.Context, tx *sql.Tx, collection string, dims int, segments []models.Segment, vectors [][]float32) error {
	stmt, err := tx.PrepareContext(ctx,
		`INSERT OR REPLACE INTO segments (id, collection, content, position, embedding)
		 VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()
	for i, seg := range segments {
		if dims > 0 && len(vectors[i]) != dims {
			return fmt.Errorf("vector %d dimension mismatch: got %d, expected %d", i, len(vectors[i]), dims)
		}
		if _, err := stmt.ExecContext(ctx, seg.ID, collection, seg.Content, seg.Position, float32sToBytes(vectors[i])); err != nil {
			return fmt.Errorf("insert segment %s: %w", seg.ID, err)
		}
	}
	return nil
}

// Search returns up to k segments of collection ordered by descending inner
// product with query. Vectors are stored unit-normalized, so this is cosine
// similarity. An empty collection yields an empty context, not an error.
func (s *Store) Search(ctx context.Context, collection string, query []float32, k int) (models.RetrievedContext, error) {
	_, dims, err := s.collectionTag(ctx, collection)
	if err != nil {
		return nil, err
	}
	if dims > 0 && len(query) != dims {
		return nil, fmt.Errorf("query dimension mismatch: got %d, collection has %d", len(query), dims)
	}
	if k <= 0 {
		return models.RetrievedContext{}, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, content, position, embedding FROM segments WHERE collection = ?`, collection)
	if err != nil {
		return nil, fmt.Errorf("load segments: %w", err)
	}
	defer rows.Close()

	scored := make([]models.ScoredSegment, 0)
	for rows.Next() {
		var seg models.Segment
		var blob []byte
		if err := rows.Scan(&seg.ID, &seg.Content, &seg.Position, &blob); err != nil {
			return nil, fmt.Errorf("scan segment: %w", err)
		}
		seg.Collection = collection
		vec := bytesToFloat32s(blob)
		var dot float64
		for i := range query {
			dot += float64(query[i] * vec[i])
		}
		scored = append(scored, models.ScoredSegment{Segment: seg, Score: dot})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate segments: %w", err)
	}
	sort.Slice(scored, func(i, j int) bool { return scored[i].Score > scored[j].Score })
	if k > len(scored) {
		k = len(scored)
	}
	return models.RetrievedContext(scored[:k]), nil
}

// EmbeddingModel returns the embedding-model tag of collection.
func (s *Store) EmbeddingModel(ctx context.Context, collection string) (string, error) {
	model, _, err := s.collectionTag(ctx, collection)
	return model, err
}

func (s *Store) collectionTag(ctx context.Context, collection string) (string, int, error) {
	var model string
	var dims int
	err := s.db.QueryRowContext(ctx,
		`SELECT embedding_model, dimensions FROM collections WHERE name = ?`, collection,
	).Scan(&model, &dims)
	if errors.Is(err, sql.ErrNoRows) {
		return "", 0, fmt.Errorf("%w: %s", ErrCollectionNotFound, collection)
	}
	if err != nil {
		return "", 0, fmt.Errorf("read collection %s: %w", collection, err)
	}
	return model, dims, nil
}

// List returns all collections with their segment counts.
func (s *Store) List(ctx context.Context) ([]CollectionInfo, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT c.name, c.embedding_model, c.dimensions, c.updated_at,
		        (SELECT COUNT(*) FROM segments WHERE collection = c.name)
		 FROM collections c ORDER BY c.name`)
	if err != nil {
		return nil, fmt.Errorf("list collections: %w", err)
	}
	defer rows.Close()
	infos := make([]CollectionInfo, 0)
	for rows.Next() {
		var info CollectionInfo
		if err := rows.Scan(&info.Name, &info.EmbeddingModel, &info.Dimensions, &info.UpdatedAt, &info.Segments); err != nil {
			return nil, fmt.Errorf("scan collection: %w", err)
		}
		infos = append(infos, info)
	}
	return infos, rows.Err()
}

// Count returns the number of segments in collection.
func (s *Store) Count(ctx context.Context, collection string) (int64, error) {
	if _, _, err := s.collectionTag(ctx, collection); err != nil {
		return 0, err
	}
	var n int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM segments WHERE collection = ?`, collection).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count segments: %w", err)
	}
	return n, nil
}

// Delete removes collection and its segments. Deleting a missing collection
// fails with ErrCollectionNotFound.
func (s *Store) Delete(ctx context.Context, collection string) error {
	if _, _, err := s.collectionTag(ctx, collection); err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete: %w", err)
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `DELETE FROM segments WHERE collection = ?`, collection); err != nil {
		return fmt.Errorf("delete segments: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM collections WHERE name = ?`, collection); err != nil {
		return fmt.Errorf("delete collection: %w", err)
	}
	return tx.Commit()
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func float32sToBytes(v []float32) []byte {
	out := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(out[i*4:(i+1)*4], math.Float32bits(f))
	}
	return out
}

func bytesToFloat32s(b []byte) []float32 {
	out := make([]float32, len(b)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4 : (i+1)*4]))
	}
	return out
}
