// Package types holds the core data model of the organizer engine:
// source items, fingerprints, artifacts, operations, batches and index
// records. Everything here is a plain value; ownership rules live with
// the journal, executor and index store.
package types

import (
	"encoding/hex"
	"fmt"
	"time"
)

// Fingerprint is a SHA-256 content hash. Two items with equal
// Fingerprint and equal size are treated as byte-identical; the size
// pairing is what rules out silently merging a hash collision.
type Fingerprint [32]byte

func (f Fingerprint) String() string {
	return hex.EncodeToString(f[:])
}

func (f Fingerprint) Bytes() []byte {
	return f[:]
}

func (f Fingerprint) IsZero() bool {
	return f == Fingerprint{}
}

// Short returns the first 8 hex characters, used for collision
// suffixes in file names.
func (f Fingerprint) Short() string {
	return hex.EncodeToString(f[:4])
}

func FingerprintFromBytes(b []byte) (Fingerprint, error) {
	var f Fingerprint
	if len(b) != len(f) {
		return f, fmt.Errorf("invalid byte length for Fingerprint: %d", len(b))
	}
	copy(f[:], b)
	return f, nil
}

func FingerprintFromHex(s string) (Fingerprint, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return Fingerprint{}, fmt.Errorf("decode fingerprint: %w", err)
	}
	return FingerprintFromBytes(b)
}

// SourceItem is one input file of a batch. It is captured once at
// submission time and not re-stated afterwards; the fingerprint is
// filled in lazily by the content store.
type SourceItem struct {
	Path        string // absolute
	Size        int64
	ModTime     time.Time
	MimeType    string // sniffed, may stay empty until classified
	Fingerprint Fingerprint
}

// Category is a closed set of logical buckets. No hierarchy: a photo
// is CategoryPictures, full stop.
type Category string

const (
	CategoryPictures      Category = "Pictures"
	CategoryVideos        Category = "Videos"
	CategoryMusic         Category = "Music"
	CategoryDocuments     Category = "Documents"
	CategoryArchives      Category = "Archives"
	CategoryUncategorized Category = "Uncategorized"
)

// ClassificationResult is a pure function of a SourceItem's metadata
// and content. It is recomputable and never authoritative on its own.
type ClassificationResult struct {
	Category   Category
	DateBucket string // "2006-01" from the item's modification time
	MimeType   string
}

// TransformKind records which transforms an artifact carries.
type TransformKind uint8

const (
	TransformNone TransformKind = iota
	TransformCompress
	TransformEncrypt
	TransformCompressEncrypt
)

func (t TransformKind) String() string {
	switch t {
	case TransformNone:
		return "none"
	case TransformCompress:
		return "compress"
	case TransformEncrypt:
		return "encrypt"
	case TransformCompressEncrypt:
		return "compress+encrypt"
	}
	return "unknown"
}

func (t TransformKind) Compressed() bool {
	return t == TransformCompress || t == TransformCompressEncrypt
}

func (t TransformKind) Encrypted() bool {
	return t == TransformEncrypt || t == TransformCompressEncrypt
}

// Artifact is the output of the transform pipeline for one source
// content (shared by all duplicates of that content). Checksum is
// computed over the artifact bytes, independent of the source
// fingerprint, so corruption introduced during transform is
// detectable.
type Artifact struct {
	ID                string
	Kind              TransformKind
	Size              int64
	Checksum          Fingerprint
	SourceFingerprint Fingerprint
	SourceSize        int64
	KeyRef            string // opaque key handle reference, never key material
}

// OpKind is the closed set of atomic filesystem actions the executor
// knows how to perform and verify.
type OpKind uint8

const (
	OpMkdir OpKind = iota
	OpMove
	OpCopy
	OpLink
	OpDeleteSource
)

func (k OpKind) String() string {
	switch k {
	case OpMkdir:
		return "mkdir"
	case OpMove:
		return "move"
	case OpCopy:
		return "copy"
	case OpLink:
		return "link"
	case OpDeleteSource:
		return "delete-source"
	}
	return "unknown"
}

// OpStatus transitions are owned exclusively by the journal:
// Planned -> InFlight -> Committed | Failed.
type OpStatus uint8

const (
	StatusPlanned OpStatus = iota
	StatusInFlight
	StatusCommitted
	StatusFailed
)

func (s OpStatus) String() string {
	switch s {
	case StatusPlanned:
		return "Planned"
	case StatusInFlight:
		return "InFlight"
	case StatusCommitted:
		return "Committed"
	case StatusFailed:
		return "Failed"
	}
	return "unknown"
}

// Operation is one atomic filesystem action. Source/Target semantics
// per kind: mkdir uses Target only; move and copy place Source at
// Target; link creates Target as a hard link of Source; delete-source
// removes Source. ExpectSize/ExpectChecksum are what verification
// checks after the action (a zero checksum means size-only, used for
// directories and deletes).
type Operation struct {
	ID        string
	BatchID   string
	Seq       int
	Kind      OpKind
	Source    string
	Target    string
	Overwrite bool
	DependsOn []string // operation IDs that must be Committed first

	ExpectSize     int64
	ExpectChecksum Fingerprint

	// Record, when set on a placement operation, is the index record
	// to apply once the operation commits. Embedding it makes crash
	// recovery self-contained.
	Record *IndexRecord

	Status      OpStatus
	Reason      string // failure reason, set only with StatusFailed
	CommittedAt time.Time
}

// BatchState is the lifecycle of one organize request.
type BatchState uint8

const (
	BatchPlanning BatchState = iota
	BatchExecuting
	BatchCompleted
	BatchPartiallyFailed
)

func (s BatchState) String() string {
	switch s {
	case BatchPlanning:
		return "Planning"
	case BatchExecuting:
		return "Executing"
	case BatchCompleted:
		return "Completed"
	case BatchPartiallyFailed:
		return "PartiallyFailed"
	}
	return "unknown"
}

// Batch is one user-initiated organize request. It is retained in the
// journal for audit until explicitly pruned. PreFailures holds items
// that failed before any operation was planned for them (unreadable
// files, transform failures), so the final report never drops them.
type Batch struct {
	ID          string
	CreatedAt   time.Time
	State       BatchState
	OutputRoot  string
	OpCount     int
	PreFailures []ItemResult
}

// IndexRecord maps a logical file identity (original path +
// fingerprint) to its current organized location. It references key
// material only through KeyRef and is written exclusively after the
// corresponding operation committed.
type IndexRecord struct {
	OriginalPath string
	Fingerprint  Fingerprint
	Location     string
	Category     Category
	DateBucket   string
	MimeType     string
	Transform    TransformKind
	ArtifactID   string
	// ArtifactSize and ArtifactChecksum describe the placed bytes, so
	// later batches can verify dedup links against this artifact.
	ArtifactSize     int64
	ArtifactChecksum Fingerprint
	KeyRef           string
	BatchID          string
	CommittedAt      time.Time
}

// ItemStatus is the per-file outcome surfaced in a batch report.
type ItemStatus uint8

const (
	ItemCommitted ItemStatus = iota
	ItemFailed
	ItemSkipped
)

func (s ItemStatus) String() string {
	switch s {
	case ItemCommitted:
		return "committed"
	case ItemFailed:
		return "failed"
	case ItemSkipped:
		return "skipped"
	}
	return "unknown"
}

type ItemResult struct {
	Source string
	Target string
	Status ItemStatus
	Reason string
}

// BatchReport is the explicit end-of-batch accounting: every input
// item appears exactly once as committed, failed or skipped.
type BatchReport struct {
	BatchID string
	State   BatchState
	Items   []ItemResult
}

func (r BatchReport) Counts() (committed, failed, skipped int) {
	for _, it := range r.Items {
		switch it.Status {
		case ItemCommitted:
			committed++
		case ItemFailed:
			failed++
		case ItemSkipped:
			skipped++
		}
	}
	return
}
