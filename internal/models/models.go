package models

// FragmentKind classifies how a fragment was carved out of its file.
type FragmentKind string

const (
	KindFunction FragmentKind = "function"
	KindClass    FragmentKind = "class"
	KindMethod   FragmentKind = "method"
	KindBlock    FragmentKind = "block"
	KindAnchor   FragmentKind = "anchor"
	KindFallback FragmentKind = "fallback"
)

// StringToFragmentKind maps a stored kind column back to a FragmentKind.
// Unknown values degrade to KindFallback rather than failing the row.
func StringToFragmentKind(s string) FragmentKind {
	switch FragmentKind(s) {
	case KindFunction, KindClass, KindMethod, KindBlock, KindAnchor, KindFallback:
		return FragmentKind(s)
	}
	return KindFallback
}

// Fragment is the stored unit of the index: one semantically coherent slice
// of a source file together with its dense embedding and optional
// late-interaction payload.
type Fragment struct {
	ID        string
	Path      string // absolute path of the owning file
	Hash      string // owning file's content hash when the row was written
	StartLine int    // inclusive
	EndLine   int    // exclusive
	Kind      FragmentKind
	Text      string
	Dense     []float32
	// LateInteraction is a quantized T×d_t token matrix; empty when the
	// encoder does not produce one.
	LateInteraction []byte
	Scale           float32 // dequantization scale for LateInteraction
	IsAnchor        bool
}

// SearchHit is a scored fragment returned from retrieval.
type SearchHit struct {
	Fragment Fragment
	Score    float64
}

// PathHash pairs an indexed path with the content hash its rows reflect.
type PathHash struct {
	Path string
	Hash string
}

// SyncProgress is reported after every processed file.
type SyncProgress struct {
	Processed int
	Indexed   int
	Total     int
	Path      string
}

// SyncStats summarizes a completed (or cancelled) sync.
type SyncStats struct {
	Processed int
	Indexed   int
	Deleted   int
	Skipped   int
	Cancelled bool
}
