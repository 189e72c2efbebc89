// Package indexstore persists IndexRecords in badger and mirrors them
// into an in-memory bleve index for querying. The badger records are
// the durable truth; bleve is rebuilt from them on every start, so
// search can never run ahead of committed filesystem state.
package indexstore

import (
	"bytes"
	"encoding/gob"
	"errors"
	"fmt"
	"log/slog"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/keyword"
	"github.com/blevesearch/bleve/v2/mapping"
	"github.com/blevesearch/bleve/v2/search/query"
	"github.com/cespare/xxhash/v2"

	"github.com/filehive/filehive/pkg/keyvalstore"
	"github.com/filehive/filehive/pkg/types"
)

const (
	prefixRecord   = "idx:rec:"
	prefixArtifact = "idx:art:"

	schemaVersion = 1
)

var ErrUnknownSchema = errors.New("indexstore: unknown schema version")

type Store struct {
	kv  *keyvalstore.Store
	bi  bleve.Index
	log *slog.Logger
}

// artifactLoc records where a committed artifact lives and what it
// looks like, for dedup links from later batches.
type artifactLoc struct {
	Location string
	Checksum types.Fingerprint
	Size     int64
	Kind     types.TransformKind
	KeyRef   string
}

func buildIndexMapping() (mapping.IndexMapping, error) {
	docMapping := bleve.NewDocumentMapping()

	kwField := bleve.NewTextFieldMapping()
	kwField.Analyzer = keyword.Name
	for _, f := range []string{"category", "dateBucket", "location", "originalPath", "mimeType"} {
		docMapping.AddFieldMappingsAt(f, kwField)
	}
	docMapping.AddFieldMappingsAt("committedAt", bleve.NewNumericFieldMapping())

	idxMapping := bleve.NewIndexMapping()
	idxMapping.DefaultMapping = docMapping
	idxMapping.DefaultAnalyzer = keyword.Name
	return idxMapping, nil
}

// Open builds the bleve index and populates it from the durable
// records.
func Open(kv *keyvalstore.Store, logger *slog.Logger) (*Store, error) {
	m, err := buildIndexMapping()
	if err != nil {
		return nil, fmt.Errorf("index mapping: %w", err)
	}
	bi, err := bleve.NewMemOnly(m)
	if err != nil {
		return nil, fmt.Errorf("open bleve: %w", err)
	}

	s := &Store{kv: kv, bi: bi, log: logger}
	if err := s.ReindexAll(); err != nil {
		bi.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.bi.Close()
}

// Record upserts the index record and the artifact location. It is
// keyed by (fingerprint, original path), so replaying the same
// committed operation during recovery cannot create duplicates.
func (s *Store) Record(rec types.IndexRecord) error {
	key := recordKey(rec.Fingerprint, rec.OriginalPath)

	data, err := encode(rec)
	if err != nil {
		return fmt.Errorf("encode index record: %w", err)
	}

	pairs := [][2][]byte{{key, data}}
	if rec.ArtifactID != "" {
		locData, err := encode(artifactLoc{
			Location: rec.Location,
			Checksum: rec.ArtifactChecksum,
			Size:     rec.ArtifactSize,
			Kind:     rec.Transform,
			KeyRef:   rec.KeyRef,
		})
		if err != nil {
			return fmt.Errorf("encode artifact location: %w", err)
		}
		pairs = append(pairs, [2][]byte{artifactKey(rec.ArtifactID), locData})
	}

	if err := s.kv.WriteBatch(pairs); err != nil {
		return fmt.Errorf("persist index record for %s: %w", rec.OriginalPath, err)
	}

	if err := s.bi.Index(string(key), recordDoc(rec)); err != nil {
		return fmt.Errorf("index record for %s: %w", rec.OriginalPath, err)
	}
	return nil
}

// ArtifactLocation resolves the committed location of an artifact.
func (s *Store) ArtifactLocation(artifactID string) (string, bool) {
	_, loc, ok := s.ArtifactInfo(artifactID)
	return loc, ok
}

// ArtifactInfo returns the full description of a committed artifact:
// its identity, bytes on disk and current location.
func (s *Store) ArtifactInfo(artifactID string) (types.Artifact, string, bool) {
	data, err := s.kv.Read(artifactKey(artifactID))
	if err != nil {
		return types.Artifact{}, "", false
	}
	var loc artifactLoc
	if err := decode(data, &loc); err != nil {
		s.log.Warn("corrupt artifact location record", "artifact", artifactID, "error", err)
		return types.Artifact{}, "", false
	}
	art := types.Artifact{
		ID:       artifactID,
		Kind:     loc.Kind,
		Size:     loc.Size,
		Checksum: loc.Checksum,
		KeyRef:   loc.KeyRef,
	}
	return art, loc.Location, true
}

// Query filters committed records. Zero-valued fields are not applied;
// date buckets compare lexicographically, which works for the
// "2006-01" layout.
type Query struct {
	Category   types.Category
	BucketFrom string
	BucketTo   string
	PathPrefix string
	Limit      int
}

func (s *Store) Query(q Query) ([]types.IndexRecord, error) {
	var conjuncts []query.Query

	if q.Category != "" {
		tq := bleve.NewTermQuery(string(q.Category))
		tq.SetField("category")
		conjuncts = append(conjuncts, tq)
	}
	if q.BucketFrom != "" || q.BucketTo != "" {
		inclusive := true
		min, max := q.BucketFrom, q.BucketTo
		if min == "" {
			min = "0000-00"
		}
		if max == "" {
			max = "9999-99"
		}
		rq := bleve.NewTermRangeInclusiveQuery(min, max, &inclusive, &inclusive)
		rq.SetField("dateBucket")
		conjuncts = append(conjuncts, rq)
	}
	if q.PathPrefix != "" {
		pq := bleve.NewPrefixQuery(q.PathPrefix)
		pq.SetField("location")
		conjuncts = append(conjuncts, pq)
	}

	var bq query.Query
	if len(conjuncts) == 0 {
		bq = bleve.NewMatchAllQuery()
	} else {
		bq = bleve.NewConjunctionQuery(conjuncts...)
	}

	limit := q.Limit
	if limit <= 0 {
		limit = 100
	}
	req := bleve.NewSearchRequestOptions(bq, limit, 0, false)

	res, err := s.bi.Search(req)
	if err != nil {
		return nil, fmt.Errorf("search index: %w", err)
	}

	out := make([]types.IndexRecord, 0, len(res.Hits))
	for _, hit := range res.Hits {
		data, err := s.kv.Read([]byte(hit.ID))
		if err != nil {
			s.log.Warn("index hit without durable record", "key", hit.ID, "error", err)
			continue
		}
		var rec types.IndexRecord
		if err := decode(data, &rec); err != nil {
			s.log.Warn("corrupt index record", "key", hit.ID, "error", err)
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

// ReindexAll rebuilds the bleve index from the durable records.
// Individual record failures are logged and skipped; they must not
// take the whole index down.
func (s *Store) ReindexAll() error {
	items, err := s.kv.GetItemsWithPrefix([]byte(prefixRecord))
	if err != nil {
		return fmt.Errorf("scan index records: %w", err)
	}

	indexed := 0
	for _, kv := range items {
		var rec types.IndexRecord
		if err := decode(kv[1], &rec); err != nil {
			s.log.Error("reindex: corrupt record", "key", string(kv[0]), "error", err)
			continue
		}
		if err := s.bi.Index(string(kv[0]), recordDoc(rec)); err != nil {
			s.log.Error("reindex: index failed", "key", string(kv[0]), "error", err)
			continue
		}
		indexed++
	}

	s.log.Info("reindex completed", "records", indexed)
	return nil
}

func recordDoc(rec types.IndexRecord) map[string]any {
	return map[string]any{
		"category":     string(rec.Category),
		"dateBucket":   rec.DateBucket,
		"location":     rec.Location,
		"originalPath": rec.OriginalPath,
		"mimeType":     rec.MimeType,
		"committedAt":  rec.CommittedAt.UnixNano(),
	}
}

func recordKey(fp types.Fingerprint, originalPath string) []byte {
	return []byte(fmt.Sprintf("%s%s:%016x", prefixRecord, fp.String(), xxhash.Sum64String(originalPath)))
}

func artifactKey(artifactID string) []byte {
	return []byte(prefixArtifact + artifactID)
}

func encode(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte(schemaVersion)
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decode(data []byte, v interface{}) error {
	if len(data) < 1 {
		return fmt.Errorf("empty record")
	}
	if data[0] != schemaVersion {
		return fmt.Errorf("%w: %d", ErrUnknownSchema, data[0])
	}
	return gob.NewDecoder(bytes.NewReader(data[1:])).Decode(v)
}
