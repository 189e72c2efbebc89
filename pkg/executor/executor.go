// Package executor performs journaled operations against the
// filesystem. Every action is bracketed by journal status updates
// (InFlight before, Committed/Failed after verification), and every
// step is written so that replaying it after a crash converges to the
// same state instead of repeating side effects.
package executor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/filehive/filehive/pkg/contentstore"
	"github.com/filehive/filehive/pkg/indexstore"
	"github.com/filehive/filehive/pkg/journal"
	"github.com/filehive/filehive/pkg/notes"
	"github.com/filehive/filehive/pkg/types"
)

// ErrVerification means a filesystem action reported success but its
// effect could not be confirmed.
var ErrVerification = errors.New("executor: verification failed")

type Executor struct {
	journal *journal.Journal
	index   *indexstore.Store
	notes   *notes.Writer
	log     *slog.Logger

	// ioLimit bounds concurrently running operations so slow removable
	// media is not saturated.
	ioLimit int
}

func New(j *journal.Journal, idx *indexstore.Store, n *notes.Writer, logger *slog.Logger, ioLimit int) *Executor {
	if ioLimit < 1 {
		ioLimit = 4
	}
	return &Executor{journal: j, index: idx, notes: n, log: logger, ioLimit: ioLimit}
}

// Execute runs a journaled batch to completion. It is equally the
// recovery path: operations already Committed are only re-applied to
// the index (an upsert), operations left InFlight are re-verified
// before anything is re-attempted, so calling Execute twice on the
// same batch performs no duplicate filesystem work.
func (e *Executor) Execute(ctx context.Context, batch types.Batch, ops []types.Operation) (types.BatchReport, error) {
	batch.State = types.BatchExecuting
	if err := e.journal.UpdateBatch(batch); err != nil {
		return types.BatchReport{}, err
	}

	state := newOpState(ops)

	// Stages encode the coarse dependency order: directories, then
	// placements, then dedup links (which may target placements), then
	// source deletions. DependsOn is still checked per operation.
	stages := [][]types.OpKind{
		{types.OpMkdir},
		{types.OpMove, types.OpCopy},
		{types.OpLink},
		{types.OpDeleteSource},
	}

	for _, kinds := range stages {
		var g errgroup.Group
		g.SetLimit(e.ioLimit)

		for _, op := range state.byKinds(kinds) {
			op := op
			g.Go(func() error {
				e.runOp(ctx, op, state)
				return nil
			})
		}
		// Operation failures are recorded per item, not propagated;
		// only the journal itself can abort the batch.
		_ = g.Wait()
	}

	return e.finalize(ctx, batch, state)
}

// Recover resumes a batch found in the journal after a restart.
func (e *Executor) Recover(ctx context.Context, batchID string) (types.BatchReport, error) {
	batch, ops, err := e.journal.LoadBatch(batchID)
	if err != nil {
		// Corruption is fatal for this batch's resumption only, and
		// the journal entry stays for manual inspection.
		return types.BatchReport{}, fmt.Errorf("resume batch %s: %w", batchID, err)
	}
	return e.Execute(ctx, batch, ops)
}

// runOp drives one operation through the state machine. All journal
// writes happen here; nothing else may touch operation status.
func (e *Executor) runOp(ctx context.Context, op *types.Operation, state *opState) {
	switch op.Status {
	case types.StatusCommitted:
		// Already done in a previous run; re-apply the index record so
		// a crash between commit and index write cannot lose it.
		state.markCommitted(op.ID)
		e.applyRecord(op)
		return
	case types.StatusFailed:
		return
	}

	// Cancellation halts operations that have not started; anything
	// already InFlight is driven to completion below.
	if op.Status != types.StatusInFlight {
		if err := ctx.Err(); err != nil {
			// Stays Planned, reported as skipped.
			return
		}
	}

	if unmet := state.unmetDependency(op); unmet != "" {
		if ctx.Err() != nil {
			// The dependency was halted by cancellation, not broken;
			// leave this operation for the next resume.
			return
		}
		e.fail(op, state, fmt.Sprintf("dependency %s not committed", unmet))
		return
	}

	if op.Status == types.StatusInFlight {
		// A previous run died mid-action. If the effect is already on
		// disk, commit without repeating it.
		if err := e.verify(op); err == nil {
			e.commit(op, state)
			return
		}
	} else {
		op.Status = types.StatusInFlight
		if err := e.journal.UpdateOperation(*op); err != nil {
			e.fail(op, state, fmt.Sprintf("journal in-flight mark: %v", err))
			return
		}
	}

	if err := e.perform(op); err != nil {
		e.discardTarget(op)
		e.fail(op, state, err.Error())
		return
	}
	if err := e.verify(op); err != nil {
		e.discardTarget(op)
		e.fail(op, state, err.Error())
		return
	}
	e.commit(op, state)
}

// discardTarget removes whatever a failed placement left behind, so
// partial or unverified files never accumulate in the output tree.
func (e *Executor) discardTarget(op *types.Operation) {
	switch op.Kind {
	case types.OpMove, types.OpCopy, types.OpLink:
	default:
		return
	}
	if err := os.Remove(op.Target); err != nil && !os.IsNotExist(err) {
		e.log.Warn("failed placement left its target behind", "target", op.Target, "error", err)
	}
}

func (e *Executor) commit(op *types.Operation, state *opState) {
	op.Status = types.StatusCommitted
	op.CommittedAt = time.Now().UTC()
	if op.Record != nil {
		op.Record.CommittedAt = op.CommittedAt
	}
	if err := e.journal.UpdateOperation(*op); err != nil {
		// The action happened but the commit mark did not land. Treat
		// as failed; recovery will re-verify and commit cleanly.
		e.fail(op, state, fmt.Sprintf("journal commit mark: %v", err))
		return
	}
	state.markCommitted(op.ID)
	e.applyRecord(op)
}

func (e *Executor) applyRecord(op *types.Operation) {
	if op.Record == nil {
		return
	}
	if err := e.index.Record(*op.Record); err != nil {
		e.log.Error("index record failed", "operation", op.ID, "target", op.Target, "error", err)
	}
}

func (e *Executor) fail(op *types.Operation, state *opState, reason string) {
	op.Status = types.StatusFailed
	op.Reason = reason
	if err := e.journal.UpdateOperation(*op); err != nil {
		e.log.Error("journal failure mark failed", "operation", op.ID, "error", err)
	}
	e.log.Warn("operation failed", "operation", op.ID, "kind", op.Kind.String(), "target", op.Target, "reason", reason)
}

// perform runs the underlying filesystem action. Each action must be
// safe to repeat after a crash, and once started it runs to completion
// regardless of cancellation.
func (e *Executor) perform(op *types.Operation) error {
	switch op.Kind {
	case types.OpMkdir:
		return os.MkdirAll(op.Target, 0o755)

	case types.OpMove:
		if err := os.Rename(op.Source, op.Target); err != nil {
			if !isCrossDevice(err) {
				return fmt.Errorf("move %s: %w", op.Source, err)
			}
			if err := copyFile(op.Source, op.Target); err != nil {
				return err
			}
			return os.Remove(op.Source)
		}
		return nil

	case types.OpCopy:
		return copyFile(op.Source, op.Target)

	case types.OpLink:
		// A stale or partial target from a previous run is replaced;
		// plan-time collision checks already cleared this path.
		if _, err := os.Lstat(op.Target); err == nil {
			if err := os.Remove(op.Target); err != nil {
				return fmt.Errorf("replace %s: %w", op.Target, err)
			}
		}
		if err := os.Link(op.Source, op.Target); err != nil {
			// Filesystems without hard links still get a physical
			// copy; the index keeps the shared artifact id either way.
			return copyFile(op.Source, op.Target)
		}
		return nil

	case types.OpDeleteSource:
		err := os.Remove(op.Source)
		if err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("delete %s: %w", op.Source, err)
		}
		return nil
	}
	return fmt.Errorf("unknown operation kind %d", op.Kind)
}

// verify confirms the operation's effect on disk: existence plus
// size/checksum for placements, a successful unlink for deletes.
func (e *Executor) verify(op *types.Operation) error {
	switch op.Kind {
	case types.OpMkdir:
		info, err := os.Stat(op.Target)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrVerification, err)
		}
		if !info.IsDir() {
			return fmt.Errorf("%w: %s is not a directory", ErrVerification, op.Target)
		}
		return nil

	case types.OpMove, types.OpCopy, types.OpLink:
		info, err := os.Stat(op.Target)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrVerification, err)
		}
		if info.Size() != op.ExpectSize {
			return fmt.Errorf("%w: %s has size %d, expected %d",
				ErrVerification, op.Target, info.Size(), op.ExpectSize)
		}
		if !op.ExpectChecksum.IsZero() {
			fp, _, err := contentstore.Fingerprint(op.Target)
			if err != nil {
				return fmt.Errorf("%w: %v", ErrVerification, err)
			}
			if fp != op.ExpectChecksum {
				return fmt.Errorf("%w: %s checksum mismatch", ErrVerification, op.Target)
			}
		}
		return nil

	case types.OpDeleteSource:
		if _, err := os.Lstat(op.Source); err == nil {
			return fmt.Errorf("%w: %s still exists", ErrVerification, op.Source)
		} else if !os.IsNotExist(err) {
			return fmt.Errorf("%w: %v", ErrVerification, err)
		}
		return nil
	}
	return fmt.Errorf("unknown operation kind %d", op.Kind)
}

// finalize settles the batch state and builds the report. Operations
// still Planned at this point were skipped by cancellation.
func (e *Executor) finalize(ctx context.Context, batch types.Batch, state *opState) (types.BatchReport, error) {
	anyFailed := false
	for _, it := range batch.PreFailures {
		if it.Status == types.ItemFailed {
			anyFailed = true
		}
	}
	anySkipped := false
	for _, op := range state.ops {
		switch op.Status {
		case types.StatusFailed:
			anyFailed = true
		case types.StatusPlanned, types.StatusInFlight:
			anySkipped = true
		}
	}

	if anyFailed || anySkipped {
		batch.State = types.BatchPartiallyFailed
	} else {
		batch.State = types.BatchCompleted
	}
	if err := e.journal.UpdateBatch(batch); err != nil {
		return types.BatchReport{}, err
	}

	e.writeNotes(state)

	report := BuildReport(batch, state.opsSlice())
	c, f, s := report.Counts()
	e.log.Info("batch finished",
		"batch", batch.ID, "state", batch.State.String(),
		"committed", c, "failed", f, "skipped", s)
	return report, nil
}

func (e *Executor) writeNotes(state *opState) {
	if e.notes == nil {
		return
	}
	for _, op := range state.ops {
		if op.Status != types.StatusCommitted || op.Record == nil {
			continue
		}
		err := e.notes.Append(
			dirOf(op.Target),
			baseOf(op.Record.OriginalPath),
			baseOf(op.Target),
			op.Record.MimeType,
		)
		if err != nil {
			e.log.Warn("organization note failed", "target", op.Target, "error", err)
		}
	}
}

// BuildReport derives the user-visible accounting from a batch and its
// operations: one entry per placement (committed, failed or skipped),
// one entry per failed or skipped deletion, plus the batch's
// pre-planning failures. Nothing is silently dropped.
func BuildReport(batch types.Batch, ops []types.Operation) types.BatchReport {
	report := types.BatchReport{BatchID: batch.ID, State: batch.State}
	report.Items = append(report.Items, batch.PreFailures...)

	for _, op := range ops {
		if op.Record == nil && op.Kind != types.OpDeleteSource {
			continue
		}

		switch op.Kind {
		case types.OpMove, types.OpCopy, types.OpLink:
			item := types.ItemResult{Source: op.Record.OriginalPath, Target: op.Target}
			switch op.Status {
			case types.StatusCommitted:
				item.Status = types.ItemCommitted
			case types.StatusFailed:
				item.Status = types.ItemFailed
				item.Reason = op.Reason
			default:
				item.Status = types.ItemSkipped
				item.Reason = "cancelled before execution"
			}
			report.Items = append(report.Items, item)

		case types.OpDeleteSource:
			// A failed deletion leaves the file organized but the
			// source behind; that is worth reporting on its own line.
			if op.Status == types.StatusFailed {
				report.Items = append(report.Items, types.ItemResult{
					Source: op.Source,
					Status: types.ItemFailed,
					Reason: "source not removed: " + op.Reason,
				})
			}
		}
	}
	return report
}

// opState tracks live operation copies and dependency completion
// across the executing goroutines. Stages are separated by a Wait, so
// only the committed set needs cross-goroutine synchronization.
type opState struct {
	mu        sync.Mutex
	ops       []*types.Operation
	committed map[string]struct{}
}

func newOpState(ops []types.Operation) *opState {
	s := &opState{committed: make(map[string]struct{}, len(ops))}
	for i := range ops {
		op := ops[i]
		s.ops = append(s.ops, &op)
	}
	return s
}

func (s *opState) byKinds(kinds []types.OpKind) []*types.Operation {
	var out []*types.Operation
	for _, op := range s.ops {
		for _, k := range kinds {
			if op.Kind == k {
				out = append(out, op)
				break
			}
		}
	}
	return out
}

// unmetDependency returns the id of the first dependency that is not
// Committed, or "" when the operation may run.
func (s *opState) unmetDependency(op *types.Operation) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, dep := range op.DependsOn {
		if _, ok := s.committed[dep]; !ok {
			return dep
		}
	}
	return ""
}

func (s *opState) markCommitted(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.committed[id] = struct{}{}
}

func (s *opState) opsSlice() []types.Operation {
	out := make([]types.Operation, 0, len(s.ops))
	for _, op := range s.ops {
		out = append(out, *op)
	}
	return out
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open %s: %w", src, err)
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("create %s: %w", dst, err)
	}
	defer out.Close()

	buf := make([]byte, 1<<20)
	for {
		n, rerr := in.Read(buf)
		if n > 0 {
			if _, werr := out.Write(buf[:n]); werr != nil {
				return fmt.Errorf("write %s: %w", dst, werr)
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return fmt.Errorf("read %s: %w", src, rerr)
		}
	}
	if err := out.Sync(); err != nil {
		return fmt.Errorf("sync %s: %w", dst, err)
	}
	return nil
}

func isCrossDevice(err error) bool {
	return errors.Is(err, syscall.EXDEV)
}

func dirOf(path string) string  { return filepath.Dir(path) }
func baseOf(path string) string { return filepath.Base(path) }
