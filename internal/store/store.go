package store

import (
	"context"

	"github.com/osgrep/osgrep/internal/models"
)

// Store is one named fragment index. InsertBatch, DeleteByPath and
// ReplaceFile are the writers; ReplaceFile performs a file's update as
// delete-then-insert inside one transaction so readers never observe a
// partial row set.
type Store interface {
	InsertBatch(ctx context.Context, rows []models.Fragment) error
	DeleteByPath(ctx context.Context, path string) error
	// ReplaceFile atomically deletes path's rows and inserts the new set.
	ReplaceFile(ctx context.Context, path string, rows []models.Fragment) error
	// ListPaths yields one (path, hash) per distinct indexed path.
	ListPaths(ctx context.Context) ([]models.PathHash, error)
	// CountByPath reports fragment rows per path.
	CountByPath(ctx context.Context) (map[string]int, error)
	// SearchVector is approximate nearest neighbor over the dense vectors,
	// cosine over L2-normalized input.
	SearchVector(ctx context.Context, query []float32, k int, pathPrefix string) ([]models.SearchHit, error)
	// SearchFTS is BM25-style keyword match over fragment text.
	SearchFTS(ctx context.Context, query string, k int, pathPrefix string) ([]models.SearchHit, error)
	// CreateVectorIndex and CreateFTSIndex are called after bulk load and
	// are idempotent.
	CreateVectorIndex(ctx context.Context) error
	CreateFTSIndex(ctx context.Context) error
	Close() error
}

// Provider manages named store lifecycles under the data directory.
type Provider interface {
	// OpenOrCreate opens the named index, rebuilding it when the recorded
	// vector dimension differs from dim (dim 0 defers to first insert).
	OpenOrCreate(name string, dim int) (Store, error)
	Drop(name string) error
}
