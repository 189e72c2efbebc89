// Package journal durably records planned operations before any of
// them execute ("plan-then-journal-then-execute") and owns every
// operation status transition. Records survive process restart; an
// unreadable record is surfaced as corruption, never auto-deleted.
package journal

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/cespare/xxhash/v2"

	"github.com/filehive/filehive/pkg/keyvalstore"
	"github.com/filehive/filehive/pkg/types"
)

const (
	prefixBatch = "journal:batch:"
	prefixOp    = "journal:op:"

	// schemaVersion is bumped whenever the record layout changes, so a
	// future engine can detect and migrate older journals instead of
	// misreading them.
	schemaVersion = 1

	frameHeaderSize = 1 + 8 // version byte + xxhash64 of payload
)

var (
	// ErrCorrupt means a journal record failed its integrity check or
	// could not be decoded. Resuming the affected batch is refused;
	// the record is left in place for inspection.
	ErrCorrupt = errors.New("journal: record corrupt")
	// ErrUnknownSchema means the record was written by a newer engine.
	ErrUnknownSchema = errors.New("journal: unknown schema version")
	// ErrNotFound means no batch with the given id is journaled.
	ErrNotFound = errors.New("journal: batch not found")
	// ErrBadTransition means a caller attempted a status change the
	// state machine does not allow.
	ErrBadTransition = errors.New("journal: invalid status transition")
)

type Journal struct {
	kv  *keyvalstore.Store
	log *slog.Logger
}

func Open(kv *keyvalstore.Store, logger *slog.Logger) *Journal {
	return &Journal{kv: kv, log: logger}
}

// PlanBatch persists the batch and its full operation list, all in
// Planned state. The batch record is written last, so a plan is either
// completely visible to recovery or not at all. Nothing may execute
// before this returns.
func (j *Journal) PlanBatch(batch types.Batch, ops []types.Operation) error {
	batch.OpCount = len(ops)

	pairs := make([][2][]byte, 0, len(ops))
	for _, op := range ops {
		if op.Status != types.StatusPlanned {
			return fmt.Errorf("journal: operation %s submitted with status %s", op.ID, op.Status)
		}
		od, err := encodeRecord(op)
		if err != nil {
			return fmt.Errorf("encode operation %s: %w", op.ID, err)
		}
		pairs = append(pairs, [2][]byte{opKey(batch.ID, op.Seq), od})
	}

	// Operation records land first, split across as many transactions
	// as badger needs; the batch record lands last and marks the plan
	// complete. A crash in between leaves operation records that no
	// recovery scan will ever see, under a batch id never reused.
	if err := j.kv.WriteStream(pairs); err != nil {
		return fmt.Errorf("persist plan for batch %s: %w", batch.ID, err)
	}
	bd, err := encodeRecord(batch)
	if err != nil {
		return fmt.Errorf("encode batch: %w", err)
	}
	if err := j.kv.Write(batchKey(batch.ID), bd); err != nil {
		return fmt.Errorf("persist batch %s: %w", batch.ID, err)
	}
	j.log.Debug("batch journaled", "batch", batch.ID, "operations", len(ops))
	return nil
}

// UpdateOperation persists a status transition. Allowed transitions:
// Planned -> InFlight, InFlight -> Committed | Failed, Planned ->
// Failed (dependency failures), plus idempotent re-writes of the same
// status during recovery.
func (j *Journal) UpdateOperation(op types.Operation) error {
	current, err := j.loadOperation(op.BatchID, op.Seq)
	if err != nil {
		return err
	}
	if !transitionAllowed(current.Status, op.Status) {
		return fmt.Errorf("%w: %s -> %s for operation %s",
			ErrBadTransition, current.Status, op.Status, op.ID)
	}

	data, err := encodeRecord(op)
	if err != nil {
		return fmt.Errorf("encode operation %s: %w", op.ID, err)
	}
	return j.kv.Write(opKey(op.BatchID, op.Seq), data)
}

func transitionAllowed(from, to types.OpStatus) bool {
	if from == to {
		// Idempotent re-writes happen during recovery replay.
		return true
	}
	switch from {
	case types.StatusPlanned:
		return to == types.StatusInFlight || to == types.StatusFailed
	case types.StatusInFlight:
		return to == types.StatusCommitted || to == types.StatusFailed
	}
	return false
}

func (j *Journal) UpdateBatch(batch types.Batch) error {
	data, err := encodeRecord(batch)
	if err != nil {
		return fmt.Errorf("encode batch: %w", err)
	}
	return j.kv.Write(batchKey(batch.ID), data)
}

// LoadBatch returns the batch and its operations in sequence order.
func (j *Journal) LoadBatch(batchID string) (types.Batch, []types.Operation, error) {
	raw, err := j.kv.Read(batchKey(batchID))
	if err == keyvalstore.ErrNotFound {
		return types.Batch{}, nil, fmt.Errorf("%w: %s", ErrNotFound, batchID)
	}
	if err != nil {
		return types.Batch{}, nil, err
	}

	var batch types.Batch
	if err := decodeRecord(raw, &batch); err != nil {
		return types.Batch{}, nil, fmt.Errorf("batch %s: %w", batchID, err)
	}

	items, err := j.kv.GetItemsWithPrefix([]byte(prefixOp + batchID + ":"))
	if err != nil {
		return types.Batch{}, nil, err
	}

	ops := make([]types.Operation, 0, len(items))
	for _, kv := range items {
		var op types.Operation
		if err := decodeRecord(kv[1], &op); err != nil {
			return types.Batch{}, nil, fmt.Errorf("operation %q: %w", kv[0], err)
		}
		ops = append(ops, op)
	}
	sort.Slice(ops, func(i, k int) bool { return ops[i].Seq < ops[k].Seq })

	return batch, ops, nil
}

func (j *Journal) loadOperation(batchID string, seq int) (types.Operation, error) {
	raw, err := j.kv.Read(opKey(batchID, seq))
	if err == keyvalstore.ErrNotFound {
		return types.Operation{}, fmt.Errorf("%w: operation %s/%d", ErrNotFound, batchID, seq)
	}
	if err != nil {
		return types.Operation{}, err
	}
	var op types.Operation
	if err := decodeRecord(raw, &op); err != nil {
		return types.Operation{}, fmt.Errorf("operation %s/%d: %w", batchID, seq, err)
	}
	return op, nil
}

// ListBatches returns all journaled batches, oldest first.
func (j *Journal) ListBatches() ([]types.Batch, error) {
	items, err := j.kv.GetItemsWithPrefix([]byte(prefixBatch))
	if err != nil {
		return nil, err
	}
	batches := make([]types.Batch, 0, len(items))
	for _, kv := range items {
		var b types.Batch
		if err := decodeRecord(kv[1], &b); err != nil {
			// A single corrupt batch record must not hide the others;
			// report it as a placeholder the caller can surface.
			j.log.Error("corrupt batch record", "key", string(kv[0]), "error", err)
			id := strings.TrimPrefix(string(kv[0]), prefixBatch)
			batches = append(batches, types.Batch{ID: id, State: types.BatchPartiallyFailed,
				PreFailures: []types.ItemResult{{Status: types.ItemFailed, Reason: err.Error()}}})
			continue
		}
		batches = append(batches, b)
	}
	sort.Slice(batches, func(i, k int) bool { return batches[i].CreatedAt.Before(batches[k].CreatedAt) })
	return batches, nil
}

// PruneBatch removes a finished batch and its operations from the
// journal. Audit records are kept until this is called explicitly.
func (j *Journal) PruneBatch(batchID string) error {
	if err := j.kv.DeleteWithPrefix([]byte(prefixOp + batchID + ":")); err != nil {
		return fmt.Errorf("prune operations of %s: %w", batchID, err)
	}
	if err := j.kv.Delete(batchKey(batchID)); err != nil {
		return fmt.Errorf("prune batch %s: %w", batchID, err)
	}
	return nil
}

func batchKey(batchID string) []byte {
	return []byte(prefixBatch + batchID)
}

func opKey(batchID string, seq int) []byte {
	return []byte(fmt.Sprintf("%s%s:%06d", prefixOp, batchID, seq))
}

// Records are framed as: schema version byte, xxhash64 of the payload,
// gob payload. The hash catches torn or bit-rotted records at read
// time so corruption is reported instead of acted on.
func encodeRecord(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	payload := buf.Bytes()

	out := make([]byte, frameHeaderSize+len(payload))
	out[0] = schemaVersion
	binary.BigEndian.PutUint64(out[1:9], xxhash.Sum64(payload))
	copy(out[frameHeaderSize:], payload)
	return out, nil
}

func decodeRecord(data []byte, v interface{}) error {
	if len(data) < frameHeaderSize {
		return fmt.Errorf("%w: truncated frame", ErrCorrupt)
	}
	if data[0] != schemaVersion {
		return fmt.Errorf("%w: %d", ErrUnknownSchema, data[0])
	}
	payload := data[frameHeaderSize:]
	if binary.BigEndian.Uint64(data[1:9]) != xxhash.Sum64(payload) {
		return fmt.Errorf("%w: checksum mismatch", ErrCorrupt)
	}
	if err := gob.NewDecoder(bytes.NewReader(payload)).Decode(v); err != nil {
		return fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	return nil
}
