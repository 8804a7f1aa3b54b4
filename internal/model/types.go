package model

type FileCandidate struct {
	Path      string
	SizeBytes int64
	Content   []byte
	Ext       string
}

type InlineEntry struct {
	Path        string `json:"path"`
	Fingerprint string `json:"fingerprint"`
	Tombstone   bool   `json:"tombstone,omitempty"`
}

// StableInlineList is the per-session record of which files live directly
// in the model prompt. Entries are ordered by admission; a path leaves the
// list only through a tombstone (file gone from the candidate set), never
// because a later turn ran out of budget. The version increments on every
// mutation so cached copies can be compared cheaply.
type StableInlineList struct {
	Version int64         `json:"version"`
	Entries []InlineEntry `json:"entries"`
}

// Lookup returns the live (non-tombstoned) entry for path, if any.
func (l *StableInlineList) Lookup(path string) (InlineEntry, bool) {
	for _, e := range l.Entries {
		if e.Path == path && !e.Tombstone {
			return e, true
		}
	}
	return InlineEntry{}, false
}

// Contains reports whether path has ever been a member, tombstoned or not.
// Tombstoned paths stay excluded from re-admission until the session is
// reset, even if the file reappears with identical content.
func (l *StableInlineList) Contains(path string) bool {
	for _, e := range l.Entries {
		if e.Path == path {
			return true
		}
	}
	return false
}

type DedupEntry struct {
	Fingerprint string
	RemoteRef   string
	StoreID     string
	SizeBytes   int64
	Checksum    string
	UploadedAt  int64
	RefCount    int64
}

type ClaimMarker struct {
	Fingerprint string
	Claimant    string
	CreatedAt   int64
}

// VectorStoreRecord mirrors one row of the vector_stores table. Exactly one
// of Name and SessionID is set; the store layer rejects writes violating
// that. ExpiresAt is zero for records that never expire (protected stores).
// ProviderMetadata holds the provider-side index id.
type VectorStoreRecord struct {
	ID               string
	Name             string
	SessionID        string
	Provider         string
	ProviderMetadata string
	IsProtected      bool
	IsActive         bool
	CreatedAt        int64
	ExpiresAt        int64
	UpdatedAt        int64
	DocumentCount    int64
	RolloverFrom     string
}

type SessionRecord struct {
	SessionID    string
	Provider     string
	Continuation []byte
	InlineList   StableInlineList
	CreatedAt    int64
	UpdatedAt    int64
	ExpiresAt    int64
}

type InlineFile struct {
	Path     string
	Content  []byte
	Tokens   int
	Priority bool
}

type DelegatedFile struct {
	Path        string
	Fingerprint string
	RemoteRef   string
	StoreID     string
	SizeBytes   int64
}

type FileWarning struct {
	Path   string
	Reason string
}

// Allocation is the outcome of one Allocate call. Inlined carries only the
// files whose content must go out this turn (changed fingerprint, or first
// admission); Unchanged lists paths that stay in the prompt without being
// resent. Delegated files were pushed to the session's vector store chain.
type Allocation struct {
	StoreID     string
	ListVersion int64
	Inlined     []InlineFile
	Unchanged   []string
	Delegated   []DelegatedFile
	Warnings    []FileWarning
}

type IndexDocument struct {
	Name    string
	Content []byte
}

type IndexMatch struct {
	StoreID   string
	RemoteRef string
	Score     float64
	Snippet   string
}
