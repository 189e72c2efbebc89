package executor_test

import (
	"context"
	"crypto/sha256"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/filehive/filehive/pkg/executor"
	"github.com/filehive/filehive/pkg/indexstore"
	"github.com/filehive/filehive/pkg/journal"
	"github.com/filehive/filehive/pkg/keyvalstore"
	"github.com/filehive/filehive/pkg/notes"
	"github.com/filehive/filehive/pkg/types"
)

type env struct {
	journal *journal.Journal
	index   *indexstore.Store
	exec    *executor.Executor
	srcDir  string
	outDir  string
}

func newEnv(t *testing.T) *env {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	jkv, err := keyvalstore.Open(keyvalstore.StoreConfig{
		Path:       filepath.Join(t.TempDir(), "journal"),
		SyncWrites: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { jkv.Close() })

	ikv, err := keyvalstore.Open(keyvalstore.StoreConfig{
		Path: filepath.Join(t.TempDir(), "index"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { ikv.Close() })

	idx, err := indexstore.Open(ikv, logger)
	require.NoError(t, err)
	t.Cleanup(func() { idx.Close() })

	j := journal.Open(jkv, logger)
	return &env{
		journal: j,
		index:   idx,
		exec:    executor.New(j, idx, notes.NewWriter(), logger, 2),
		srcDir:  t.TempDir(),
		outDir:  t.TempDir(),
	}
}

func (e *env) source(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(e.srcDir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func checksum(content string) types.Fingerprint {
	return types.Fingerprint(sha256.Sum256([]byte(content)))
}

// copyChain builds mkdir + copy (+ optional delete) ops for one file.
func copyChain(batchID string, seq *int, src, target, content string, deleteSource bool) []types.Operation {
	mkdir := types.Operation{
		ID: batchID + "-mkdir-" + filepath.Base(target), BatchID: batchID, Seq: *seq,
		Kind: types.OpMkdir, Target: filepath.Dir(target), Status: types.StatusPlanned,
	}
	*seq++
	cp := types.Operation{
		ID: batchID + "-copy-" + filepath.Base(target), BatchID: batchID, Seq: *seq,
		Kind: types.OpCopy, Source: src, Target: target,
		DependsOn:      []string{mkdir.ID},
		ExpectSize:     int64(len(content)),
		ExpectChecksum: checksum(content),
		Record: &types.IndexRecord{
			OriginalPath: src,
			Fingerprint:  checksum(content),
			Location:     target,
			Category:     types.CategoryDocuments,
			DateBucket:   "2024-01",
			MimeType:     "text/plain",
			ArtifactID:   "art-" + filepath.Base(target),
			ArtifactSize: int64(len(content)),
		},
		Status: types.StatusPlanned,
	}
	*seq++
	ops := []types.Operation{mkdir, cp}

	if deleteSource {
		del := types.Operation{
			ID: batchID + "-del-" + filepath.Base(target), BatchID: batchID, Seq: *seq,
			Kind: types.OpDeleteSource, Source: src,
			DependsOn: []string{cp.ID}, Status: types.StatusPlanned,
		}
		*seq++
		ops = append(ops, del)
	}
	return ops
}

func (e *env) plan(t *testing.T, batchID string, ops []types.Operation) types.Batch {
	t.Helper()
	batch := types.Batch{
		ID: batchID, CreatedAt: time.Now().UTC(),
		State: types.BatchPlanning, OutputRoot: e.outDir,
	}
	require.NoError(t, e.journal.PlanBatch(batch, ops))
	return batch
}

func TestExecute_ThreeFileBatch(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	srcA := e.source(t, "a.txt", "content a")
	srcB := e.source(t, "b.txt", "content b")
	srcC := e.source(t, "c.txt", "content c")
	dir := filepath.Join(e.outDir, "Documents", "2024-01")

	seq := 0
	var ops []types.Operation
	ops = append(ops, copyChain("b1", &seq, srcA, filepath.Join(dir, "a.txt"), "content a", false)...)
	ops = append(ops, copyChain("b1", &seq, srcB, filepath.Join(dir, "b.txt"), "content b", false)...)
	ops = append(ops, copyChain("b1", &seq, srcC, filepath.Join(dir, "c.txt"), "content c", true)...)

	batch := e.plan(t, "b1", ops)
	report, err := e.exec.Execute(ctx, batch, ops)
	require.NoError(t, err)

	assert.Equal(t, types.BatchCompleted, report.State)
	committed, failed, skipped := report.Counts()
	assert.Equal(t, 3, committed)
	assert.Equal(t, 0, failed)
	assert.Equal(t, 0, skipped)

	for _, name := range []string{"a.txt", "b.txt", "c.txt"} {
		_, err := os.Stat(filepath.Join(dir, name))
		assert.NoError(t, err, "placed file %s", name)
	}
	_, err = os.Stat(srcC)
	assert.True(t, os.IsNotExist(err), "deleted source must be gone")

	// Every operation must be Committed in the journal.
	_, gotOps, err := e.journal.LoadBatch("b1")
	require.NoError(t, err)
	for _, op := range gotOps {
		assert.Equal(t, types.StatusCommitted, op.Status, "op %s", op.ID)
	}

	// Index records exist only for the placed files.
	recs, err := e.index.Query(indexstore.Query{Category: types.CategoryDocuments})
	require.NoError(t, err)
	assert.Len(t, recs, 3)

	// Organization note lists all three placements.
	note, err := os.ReadFile(filepath.Join(dir, notes.FileName))
	require.NoError(t, err)
	assert.Contains(t, string(note), "a.txt")
	assert.Contains(t, string(note), "c.txt")
}

func TestExecute_IsIdempotent(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	src := e.source(t, "a.txt", "content a")
	target := filepath.Join(e.outDir, "Documents", "2024-01", "a.txt")

	seq := 0
	ops := copyChain("b1", &seq, src, target, "content a", false)
	batch := e.plan(t, "b1", ops)

	first, err := e.exec.Execute(ctx, batch, ops)
	require.NoError(t, err)
	require.Equal(t, types.BatchCompleted, first.State)

	// Replaying the whole batch from the journal must change nothing.
	second, err := e.exec.Recover(ctx, "b1")
	require.NoError(t, err)
	assert.Equal(t, types.BatchCompleted, second.State)

	c1, f1, s1 := first.Counts()
	c2, f2, s2 := second.Counts()
	assert.Equal(t, [3]int{c1, f1, s1}, [3]int{c2, f2, s2})

	got, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, "content a", string(got))
}

func TestRecover_InFlightEffectPresent(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	src := e.source(t, "a.txt", "content a")
	target := filepath.Join(e.outDir, "a.txt")

	op := types.Operation{
		ID: "op1", BatchID: "b1", Seq: 0, Kind: types.OpCopy,
		Source: src, Target: target,
		ExpectSize:     int64(len("content a")),
		ExpectChecksum: checksum("content a"),
		Record:         &types.IndexRecord{OriginalPath: src, Fingerprint: checksum("content a"), Location: target, Category: types.CategoryDocuments},
		Status:         types.StatusPlanned,
	}
	e.plan(t, "b1", []types.Operation{op})

	// Simulate a crash after the action ran but before the commit mark:
	// the effect is on disk, the journal still says InFlight.
	require.NoError(t, os.WriteFile(target, []byte("content a"), 0o644))
	op.Status = types.StatusInFlight
	require.NoError(t, e.journal.UpdateOperation(op))

	report, err := e.exec.Recover(ctx, "b1")
	require.NoError(t, err)
	assert.Equal(t, types.BatchCompleted, report.State)

	_, gotOps, err := e.journal.LoadBatch("b1")
	require.NoError(t, err)
	assert.Equal(t, types.StatusCommitted, gotOps[0].Status)
}

func TestRecover_InFlightEffectAbsent(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	src := e.source(t, "a.txt", "content a")
	target := filepath.Join(e.outDir, "a.txt")

	op := types.Operation{
		ID: "op1", BatchID: "b1", Seq: 0, Kind: types.OpCopy,
		Source: src, Target: target,
		ExpectSize:     int64(len("content a")),
		ExpectChecksum: checksum("content a"),
		Status:         types.StatusPlanned,
	}
	e.plan(t, "b1", []types.Operation{op})

	// Crash before the action ran: journal says InFlight, disk is
	// empty. Recovery must perform the copy.
	op.Status = types.StatusInFlight
	require.NoError(t, e.journal.UpdateOperation(op))

	report, err := e.exec.Recover(ctx, "b1")
	require.NoError(t, err)
	assert.Equal(t, types.BatchCompleted, report.State)

	got, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, "content a", string(got))
}

func TestExecute_MissingSourceFails(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	op := types.Operation{
		ID: "op1", BatchID: "b1", Seq: 0, Kind: types.OpCopy,
		Source: filepath.Join(e.srcDir, "vanished.txt"),
		Target: filepath.Join(e.outDir, "vanished.txt"),
		Record: &types.IndexRecord{OriginalPath: "vanished.txt"},
		Status: types.StatusPlanned,
	}
	batch := e.plan(t, "b1", []types.Operation{op})

	report, err := e.exec.Execute(ctx, batch, []types.Operation{op})
	require.NoError(t, err)

	assert.Equal(t, types.BatchPartiallyFailed, report.State)
	_, failed, _ := report.Counts()
	assert.Equal(t, 1, failed)
	require.Len(t, report.Items, 1)
	assert.NotEmpty(t, report.Items[0].Reason)

	// No index record for a failed placement.
	recs, err := e.index.Query(indexstore.Query{})
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestExecute_DependencyFailurePropagates(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	cp := types.Operation{
		ID: "cp", BatchID: "b1", Seq: 0, Kind: types.OpCopy,
		Source: filepath.Join(e.srcDir, "missing.txt"),
		Target: filepath.Join(e.outDir, "missing.txt"),
		Record: &types.IndexRecord{OriginalPath: "missing.txt"},
		Status: types.StatusPlanned,
	}
	del := types.Operation{
		ID: "del", BatchID: "b1", Seq: 1, Kind: types.OpDeleteSource,
		Source:    cp.Source,
		DependsOn: []string{"cp"},
		Status:    types.StatusPlanned,
	}
	batch := e.plan(t, "b1", []types.Operation{cp, del})

	report, err := e.exec.Execute(ctx, batch, []types.Operation{cp, del})
	require.NoError(t, err)
	assert.Equal(t, types.BatchPartiallyFailed, report.State)

	_, gotOps, err := e.journal.LoadBatch("b1")
	require.NoError(t, err)
	assert.Equal(t, types.StatusFailed, gotOps[0].Status)
	assert.Equal(t, types.StatusFailed, gotOps[1].Status)
	assert.Contains(t, gotOps[1].Reason, "dependency")
}

func TestExecute_ChecksumMismatchFailsVerification(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	src := e.source(t, "a.txt", "actual content")
	op := types.Operation{
		ID: "op1", BatchID: "b1", Seq: 0, Kind: types.OpCopy,
		Source: src, Target: filepath.Join(e.outDir, "a.txt"),
		ExpectSize:     int64(len("actual content")),
		ExpectChecksum: checksum("expected something else"),
		Record:         &types.IndexRecord{OriginalPath: src},
		Status:         types.StatusPlanned,
	}
	batch := e.plan(t, "b1", []types.Operation{op})

	report, err := e.exec.Execute(ctx, batch, []types.Operation{op})
	require.NoError(t, err)
	assert.Equal(t, types.BatchPartiallyFailed, report.State)

	_, gotOps, err := e.journal.LoadBatch("b1")
	require.NoError(t, err)
	assert.Equal(t, types.StatusFailed, gotOps[0].Status)
	assert.Contains(t, gotOps[0].Reason, "checksum")

	// The unverified bytes must not stay in the output tree; a later
	// batch would collision-rename around them forever.
	_, err = os.Stat(op.Target)
	assert.True(t, os.IsNotExist(err), "failed placement must not leave its target")
}

func TestExecute_FailedPlacementLeavesNoTarget(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	src := e.source(t, "a.txt", "short")
	op := types.Operation{
		ID: "op1", BatchID: "b1", Seq: 0, Kind: types.OpCopy,
		Source: src, Target: filepath.Join(e.outDir, "a.txt"),
		// Size verification fails after a complete copy, standing in
		// for a copy truncated by a crash or a full disk.
		ExpectSize:     int64(len("short")) + 100,
		ExpectChecksum: checksum("short"),
		Record:         &types.IndexRecord{OriginalPath: src},
		Status:         types.StatusPlanned,
	}
	batch := e.plan(t, "b1", []types.Operation{op})

	report, err := e.exec.Execute(ctx, batch, []types.Operation{op})
	require.NoError(t, err)
	assert.Equal(t, types.BatchPartiallyFailed, report.State)

	_, err = os.Stat(op.Target)
	assert.True(t, os.IsNotExist(err))
}

func TestExecute_LinkSharesContent(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	src := e.source(t, "a.txt", "shared content")
	primary := filepath.Join(e.outDir, "a.txt")
	linked := filepath.Join(e.outDir, "b.txt")

	cp := types.Operation{
		ID: "cp", BatchID: "b1", Seq: 0, Kind: types.OpCopy,
		Source: src, Target: primary,
		ExpectSize:     int64(len("shared content")),
		ExpectChecksum: checksum("shared content"),
		Record:         &types.IndexRecord{OriginalPath: src, Location: primary, Category: types.CategoryDocuments, ArtifactID: "art-1"},
		Status:         types.StatusPlanned,
	}
	ln := types.Operation{
		ID: "ln", BatchID: "b1", Seq: 1, Kind: types.OpLink,
		Source: primary, Target: linked,
		DependsOn:      []string{"cp"},
		ExpectSize:     int64(len("shared content")),
		ExpectChecksum: checksum("shared content"),
		Record:         &types.IndexRecord{OriginalPath: src + ".dup", Location: linked, Category: types.CategoryDocuments, ArtifactID: "art-1"},
		Status:         types.StatusPlanned,
	}
	batch := e.plan(t, "b1", []types.Operation{cp, ln})

	report, err := e.exec.Execute(ctx, batch, []types.Operation{cp, ln})
	require.NoError(t, err)
	assert.Equal(t, types.BatchCompleted, report.State)

	got, err := os.ReadFile(linked)
	require.NoError(t, err)
	assert.Equal(t, "shared content", string(got))

	// One artifact, two index records.
	recs, err := e.index.Query(indexstore.Query{Category: types.CategoryDocuments})
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, recs[0].ArtifactID, recs[1].ArtifactID)
}

func TestExecute_CancelledLeavesPlannedSkipped(t *testing.T) {
	e := newEnv(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	src := e.source(t, "a.txt", "content a")
	op := types.Operation{
		ID: "op1", BatchID: "b1", Seq: 0, Kind: types.OpCopy,
		Source: src, Target: filepath.Join(e.outDir, "a.txt"),
		ExpectSize:     int64(len("content a")),
		ExpectChecksum: checksum("content a"),
		Record:         &types.IndexRecord{OriginalPath: src},
		Status:         types.StatusPlanned,
	}
	batch := e.plan(t, "b1", []types.Operation{op})

	report, err := e.exec.Execute(ctx, batch, []types.Operation{op})
	require.NoError(t, err)
	assert.Equal(t, types.BatchPartiallyFailed, report.State)

	_, _, skipped := report.Counts()
	assert.Equal(t, 1, skipped)

	// The op stays Planned; a later Recover finishes it.
	_, gotOps, err := e.journal.LoadBatch("b1")
	require.NoError(t, err)
	assert.Equal(t, types.StatusPlanned, gotOps[0].Status)

	recovered, err := e.exec.Recover(context.Background(), "b1")
	require.NoError(t, err)
	assert.Equal(t, types.BatchCompleted, recovered.State)
}

func TestExecute_CancelledFinishesInFlight(t *testing.T) {
	e := newEnv(t)

	srcA := e.source(t, "a.txt", "content a")
	srcB := e.source(t, "b.txt", "content b")
	inFlight := types.Operation{
		ID: "op1", BatchID: "b1", Seq: 0, Kind: types.OpCopy,
		Source: srcA, Target: filepath.Join(e.outDir, "a.txt"),
		ExpectSize:     int64(len("content a")),
		ExpectChecksum: checksum("content a"),
		Record:         &types.IndexRecord{OriginalPath: srcA},
		Status:         types.StatusPlanned,
	}
	planned := types.Operation{
		ID: "op2", BatchID: "b1", Seq: 1, Kind: types.OpCopy,
		Source: srcB, Target: filepath.Join(e.outDir, "b.txt"),
		ExpectSize:     int64(len("content b")),
		ExpectChecksum: checksum("content b"),
		Record:         &types.IndexRecord{OriginalPath: srcB},
		Status:         types.StatusPlanned,
	}
	e.plan(t, "b1", []types.Operation{inFlight, planned})

	// Crash left op1 InFlight with nothing on disk yet.
	inFlight.Status = types.StatusInFlight
	require.NoError(t, e.journal.UpdateOperation(inFlight))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// Cancellation halts only operations that never started; the
	// in-flight one is carried through to commit.
	report, err := e.exec.Recover(ctx, "b1")
	require.NoError(t, err)
	assert.Equal(t, types.BatchPartiallyFailed, report.State)

	_, gotOps, err := e.journal.LoadBatch("b1")
	require.NoError(t, err)
	assert.Equal(t, types.StatusCommitted, gotOps[0].Status)
	assert.Equal(t, types.StatusPlanned, gotOps[1].Status)

	got, err := os.ReadFile(inFlight.Target)
	require.NoError(t, err)
	assert.Equal(t, "content a", string(got))
}
