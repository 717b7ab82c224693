// Package vectorstore implements C4: the vector store client used by
// retrieval to find candidate notes by embedding similarity. The
// production driver talks to Qdrant over HTTP; an in-memory driver backs
// tests the way the teacher's EmbeddedStore backs its own.
package vectorstore

import "context"

// Point is one embedded note, ready to upsert into the collection.
type Point struct {
	ID             string
	Vector         []float64
	FilePath       string
	FileName       string
	SizeBytes      int64
	ModifiedAtUnix int64
}

// Match is one search hit: a point plus its similarity score.
type Match struct {
	Point Point
	Score float64
}

// Store is the interface C4 exposes to the retrieval stage (§4.3, §4.7).
// Implementations never retry internally — retry, if any, belongs to the
// caller, matching the "no retries at this layer" convention spec §4.2
// applies to C3 and extends here.
type Store interface {
	// Kind identifies the backing implementation ("qdrant", "memory").
	Kind() string

	// EnsureCollection bootstraps the named collection if it does not
	// already exist. Called once at Dependencies construction time.
	EnsureCollection(ctx context.Context, collection string, dim int) error

	// Search returns up to topN matches ordered by descending score.
	Search(ctx context.Context, collection string, vector []float64, topN int) ([]Match, error)

	// Upsert inserts or replaces points in the collection.
	Upsert(ctx context.Context, collection string, points []Point) error

	// HealthCheck reports whether the store is reachable.
	HealthCheck(ctx context.Context) error
}
