// Package contentstore computes content fingerprints and tracks
// deduplicated artifacts by reference count. Equality is always the
// pair (fingerprint, size); a hash collision with differing sizes is
// therefore never merged.
package contentstore

import (
	"bytes"
	"crypto/sha256"
	"encoding/gob"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/dgraph-io/badger/v4"

	"github.com/filehive/filehive/pkg/keyvalstore"
	"github.com/filehive/filehive/pkg/types"
)

const (
	prefixRef = "cs:ref:"

	// fingerprintBufSize bounds memory during hashing regardless of
	// file size.
	fingerprintBufSize = 1 << 20
)

type Store struct {
	kv  *keyvalstore.Store
	log *slog.Logger
}

// refRecord is the durable per-content state. Serialized with gob, the
// same codec the journal uses.
type refRecord struct {
	ArtifactID string
	RefCount   int
}

func New(kv *keyvalstore.Store, logger *slog.Logger) *Store {
	return &Store{kv: kv, log: logger}
}

// Fingerprint streams the file through SHA-256 and returns the hash
// together with the byte count actually hashed.
func Fingerprint(path string) (types.Fingerprint, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return types.Fingerprint{}, 0, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	h := sha256.New()
	buf := make([]byte, fingerprintBufSize)
	n, err := io.CopyBuffer(h, f, buf)
	if err != nil {
		return types.Fingerprint{}, 0, fmt.Errorf("hash %s: %w", path, err)
	}

	var fp types.Fingerprint
	copy(fp[:], h.Sum(nil))
	return fp, n, nil
}

// RegisterResult reports whether content was new or a duplicate of an
// already registered artifact.
type RegisterResult struct {
	ArtifactID string
	Duplicate  bool
	RefCount   int
}

// Register records a reference to the given content. If (fingerprint,
// size) is already known the existing artifact's refcount is
// incremented and its id returned; otherwise candidateArtifactID is
// stored with a refcount of one. The read-modify-write runs in a
// single badger transaction.
func (s *Store) Register(fp types.Fingerprint, size int64, candidateArtifactID string) (RegisterResult, error) {
	if fp.IsZero() {
		return RegisterResult{}, fmt.Errorf("contentstore: zero fingerprint")
	}
	key := refKey(fp, size)

	var result RegisterResult
	err := s.kv.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err == nil {
			var rec refRecord
			if err := item.Value(func(v []byte) error {
				return decodeRef(v, &rec)
			}); err != nil {
				return err
			}
			rec.RefCount++
			result = RegisterResult{ArtifactID: rec.ArtifactID, Duplicate: true, RefCount: rec.RefCount}
			data, err := encodeRef(rec)
			if err != nil {
				return err
			}
			return txn.Set(key, data)
		}
		if err != badger.ErrKeyNotFound {
			return err
		}

		rec := refRecord{ArtifactID: candidateArtifactID, RefCount: 1}
		result = RegisterResult{ArtifactID: candidateArtifactID, Duplicate: false, RefCount: 1}
		data, err := encodeRef(rec)
		if err != nil {
			return err
		}
		return txn.Set(key, data)
	})
	if err != nil {
		return RegisterResult{}, fmt.Errorf("register %s/%d: %w", fp.Short(), size, err)
	}

	return result, nil
}

// Release drops one reference. The record is removed when the count
// reaches zero and the now-orphaned artifact id is returned so the
// caller can reclaim storage.
func (s *Store) Release(fp types.Fingerprint, size int64) (orphanedArtifactID string, err error) {
	key := refKey(fp, size)
	err = s.kv.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		var rec refRecord
		if err := item.Value(func(v []byte) error {
			return decodeRef(v, &rec)
		}); err != nil {
			return err
		}
		rec.RefCount--
		if rec.RefCount <= 0 {
			orphanedArtifactID = rec.ArtifactID
			return txn.Delete(key)
		}
		data, err := encodeRef(rec)
		if err != nil {
			return err
		}
		return txn.Set(key, data)
	})
	if err != nil {
		return "", fmt.Errorf("release %s/%d: %w", fp.Short(), size, err)
	}
	return orphanedArtifactID, nil
}

// Lookup returns the artifact id and refcount for known content.
func (s *Store) Lookup(fp types.Fingerprint, size int64) (artifactID string, refCount int, ok bool, err error) {
	data, err := s.kv.Read(refKey(fp, size))
	if err == keyvalstore.ErrNotFound {
		return "", 0, false, nil
	}
	if err != nil {
		return "", 0, false, err
	}
	var rec refRecord
	if err := decodeRef(data, &rec); err != nil {
		return "", 0, false, fmt.Errorf("decode ref record: %w", err)
	}
	return rec.ArtifactID, rec.RefCount, true, nil
}

// SameContent reports whether the file at path is byte-identical to
// content with the given fingerprint and size. A size mismatch is an
// early negative; otherwise the full hash decides.
func SameContent(path string, fp types.Fingerprint, size int64) (bool, error) {
	info, err := os.Stat(path)
	if err != nil {
		return false, fmt.Errorf("stat %s: %w", path, err)
	}
	if info.Size() != size {
		return false, nil
	}
	existing, _, err := Fingerprint(path)
	if err != nil {
		return false, err
	}
	return existing == fp, nil
}

func refKey(fp types.Fingerprint, size int64) []byte {
	return []byte(fmt.Sprintf("%s%s:%d", prefixRef, fp.String(), size))
}

func encodeRef(rec refRecord) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(rec); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeRef(data []byte, rec *refRecord) error {
	return gob.NewDecoder(bytes.NewReader(data)).Decode(rec)
}
