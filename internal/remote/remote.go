// Package remote defines the contracts of the networked document and blob
// stores the sync engine runs on top of, plus an in-memory implementation
// used by tests and the local simulator. Real deployments supply their own
// implementations; the engine only ever talks to these interfaces.
package remote

import "context"

// Doc is the schemaless body of a stored document.
type Doc map[string]any

// Snapshot is a document together with its identity. Data is nil when the
// document does not exist (watching a missing doc is allowed).
type Snapshot struct {
	ID   string
	Path string
	Data Doc
}

// Exists reports whether the snapshot refers to a stored document.
func (s Snapshot) Exists() bool { return s.Data != nil }

// Op is a query filter operator.
type Op string

const (
	OpEq       Op = "=="
	OpNotEq    Op = "!="
	OpIn       Op = "in"
	OpContains Op = "array-contains"
)

// Filter restricts a query to documents whose field matches Value under Op.
// Field may be a dotted path into nested maps.
type Filter struct {
	Field string
	Op    Op
	Value any
}

// Where builds a Filter.
func Where(field string, op Op, value any) Filter {
	return Filter{Field: field, Op: op, Value: value}
}

// Query describes an indexed collection read or a live query watch.
// A zero Limit means unbounded.
type Query struct {
	Collection string
	Filters    []Filter
	OrderBy    string
	Descending bool
	Limit      int
}

// Write is one entry of an atomic multi-document batch. With Merge set,
// Fields are merged into the existing document, honoring dotted field paths
// and the ServerTime/Union sentinels; otherwise the document is replaced.
type Write struct {
	Path   string
	Fields Doc
	Merge  bool
}

// Tx is the handle passed to a transaction function. Reads observe committed
// state; staged writes become visible atomically when the function returns
// without error.
type Tx interface {
	Get(path string) (Doc, error)
	Set(path string, fields Doc, merge bool)
}

// Store is the remote document store collaborator: merge-semantics CRUD,
// indexed queries, atomic batches and transactions, and real-time watches.
// Document lookups that find nothing return (nil, nil); absence is a normal
// result, not an error.
type Store interface {
	Get(ctx context.Context, path string) (Doc, error)
	Set(ctx context.Context, path string, fields Doc, merge bool) error
	// Create stores a new document in the collection under a store-assigned
	// id and returns that id.
	Create(ctx context.Context, collection string, fields Doc) (string, error)
	Query(ctx context.Context, q Query) ([]Snapshot, error)
	// Apply commits all writes atomically.
	Apply(ctx context.Context, writes []Write) error
	RunTransaction(ctx context.Context, fn func(tx Tx) error) error
	// WatchDoc invokes fn with the current snapshot immediately and again on
	// every change. The returned cancel is idempotent.
	WatchDoc(path string, fn func(Snapshot)) (cancel func(), err error)
	// WatchQuery invokes fn with the full ordered result set immediately and
	// again on every change touching the collection.
	WatchQuery(q Query, fn func([]Snapshot)) (cancel func(), err error)
}

// BlobInfo describes a stored blob. The store sniffs the real content type,
// size and pixel dimensions on upload, so these values override whatever the
// client guessed.
type BlobInfo struct {
	URL    string
	Mime   string
	Size   int64
	Width  int
	Height int
}

// Blobs is the content-addressable blob store collaborator.
type Blobs interface {
	Upload(ctx context.Context, localURI string) (BlobInfo, error)
	Download(ctx context.Context, url, destPath string) error
}

// ServerTime returns the sentinel that a write resolves to the store's
// monotonic timestamp (UnixMilli) at commit time.
func ServerTime() any { return serverTime{} }

// Union returns the sentinel for an additive set-union on a string-array
// field. Concurrent unions from multiple writers never lose elements.
func Union(elems ...string) any { return union{elems: elems} }

type serverTime struct{}

type union struct{ elems []string }
