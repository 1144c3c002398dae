// Package destinations defines the adapter contract between the pipeline and
// concrete upload targets, plus a registry of configured adapters.
package destinations

import "context"

// IdentityHints describe a prepared artifact well enough for a destination to
// search for existing copies. Adapters cascade through the hints: a canonical
// ExternalID (when a prior pass or enrichment supplied one) is checked first,
// then the free-text fields.
type IdentityHints struct {
	// ExternalID is the destination's own identifier for a copy already
	// known to exist there. Empty when no prior identity is recorded.
	ExternalID  string
	ReleaseName string
	Title       string
	Year        int
	SizeBytes   int64
}

// DuplicateCandidate is one remote entry a destination reported as a possible
// match.
type DuplicateCandidate struct {
	Name      string
	SizeBytes int64
}

// DuplicateReport is the outcome of a duplicate check.
type DuplicateReport struct {
	// Exact means a remote copy matched both name and size within the
	// destination's tolerance. Uploading would be rejected or wasteful.
	Exact bool
	// Near means a remote copy matched the name but not the size, or vice
	// versa. Policy decides whether to proceed.
	Near       bool
	Candidates []DuplicateCandidate
}

// UploadRequest carries everything an adapter needs to publish one artifact.
type UploadRequest struct {
	FilePath     string
	MetadataPath string
	ReleaseName  string
	Category     string
}

// UploadResult is a successful upload's remote identity.
type UploadResult struct {
	RemoteID  string
	RemoteURL string
}

// Category is one entry of a destination's taxonomy.
type Category struct {
	ID   string
	Name string
}

// Adapter is the per-destination contract. Implementations must be safe for
// sequential reuse across jobs; the orchestrator never calls one adapter
// concurrently with itself.
type Adapter interface {
	// Name returns the stable destination key used in status rows, bucket
	// keys, and breaker names.
	Name() string
	// Authenticate establishes or refreshes a session. It is cheap when a
	// session is still live.
	Authenticate(ctx context.Context) error
	// CheckDuplicate searches the destination for existing copies.
	CheckDuplicate(ctx context.Context, hints IdentityHints) (DuplicateReport, error)
	// Upload publishes the artifact and returns its remote identity.
	Upload(ctx context.Context, req UploadRequest) (UploadResult, error)
	// FetchTaxonomy lists the destination's category taxonomy.
	FetchTaxonomy(ctx context.Context) ([]Category, error)
}
