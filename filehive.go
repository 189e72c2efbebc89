// Package filehive organizes batches of files into a categorized
// output tree, optionally compressing and encrypting them on the way.
// Every batch is planned, journaled and then executed, so a crash at
// any point leaves a journal from which Resume converges to the same
// final state.
package filehive

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/filehive/filehive/pkg/classifier"
	"github.com/filehive/filehive/pkg/contentstore"
	"github.com/filehive/filehive/pkg/executor"
	"github.com/filehive/filehive/pkg/indexstore"
	"github.com/filehive/filehive/pkg/journal"
	"github.com/filehive/filehive/pkg/keyvalstore"
	"github.com/filehive/filehive/pkg/notes"
	"github.com/filehive/filehive/pkg/planner"
	"github.com/filehive/filehive/pkg/scanner"
	"github.com/filehive/filehive/pkg/transform"
	"github.com/filehive/filehive/pkg/types"
	"github.com/filehive/filehive/pkg/workerpool"
)

var (
	ErrNotStarted = errors.New("filehive: engine not started")
	ErrClosed     = errors.New("filehive: engine closed")
	// ErrInsufficientSpace is returned by the per-batch preflight when
	// the output volume cannot hold the batch plus the configured
	// reserve.
	ErrInsufficientSpace = errors.New("filehive: insufficient free space on output volume")
)

// Engine is the main handle. It owns the stores, the worker pool and
// the lifecycle of every component.
type Engine struct {
	log    *slog.Logger
	config Config

	journalKV *keyvalstore.Store
	indexKV   *keyvalstore.Store
	journal   *journal.Journal
	index     *indexstore.Store
	content   *contentstore.Store
	pipeline  *transform.Pipeline
	pool      *workerpool.Pool
	exec      *executor.Executor
	locks     *executor.PrefixLocks
	scan      *scanner.Scanner
	classify  *classifier.Classifier

	stagingDir string

	started   atomic.Bool
	startOnce sync.Once
	closeOnce sync.Once
}

// New constructs an engine handle. New does not perform heavy I/O or
// start background goroutines; call Start to initialize subsystems.
func New(conf Config) (*Engine, error) {
	if len(conf.Paths) == 0 {
		return nil, fmt.Errorf("filehive: at least one data path must be provided")
	}
	if conf.OutputRoot == "" {
		return nil, fmt.Errorf("filehive: output root must be provided")
	}
	if conf.Encrypt && conf.Keys == nil {
		return nil, transform.ErrNoKeyProvider
	}
	if conf.Logger == nil {
		conf.Logger = defaultLogger()
	}
	return &Engine{
		log:    conf.Logger,
		config: conf,
	}, nil
}

// Start opens the stores and rebuilds the search index. It is safe to
// call multiple times; only the first call has effect.
func (e *Engine) Start(ctx context.Context) error {
	var startErr error
	e.startOnce.Do(func() {
		dataRoot := e.config.Paths[0]
		if err := os.MkdirAll(dataRoot, 0o700); err != nil {
			startErr = fmt.Errorf("mkdir %s: %w", dataRoot, err)
			return
		}
		e.stagingDir = filepath.Join(dataRoot, "staging")
		if err := os.MkdirAll(e.stagingDir, 0o700); err != nil {
			startErr = fmt.Errorf("mkdir %s: %w", e.stagingDir, err)
			return
		}

		// The journal store syncs every write; losing a journal record
		// after an operation ran would break recovery. The index store
		// may lag, it is rebuilt from committed records anyway.
		jkv, err := keyvalstore.Open(keyvalstore.StoreConfig{
			Path:          filepath.Join(dataRoot, "journal"),
			SyncWrites:    true,
			MinimumFreeGB: e.config.MinimumFreeGB,
		})
		if err != nil {
			startErr = fmt.Errorf("open journal store: %w", err)
			return
		}
		ikv, err := keyvalstore.Open(keyvalstore.StoreConfig{
			Path:       filepath.Join(dataRoot, "index"),
			SyncWrites: false,
		})
		if err != nil {
			jkv.Close()
			startErr = fmt.Errorf("open index store: %w", err)
			return
		}

		idx, err := indexstore.Open(ikv, e.log)
		if err != nil {
			ikv.Close()
			jkv.Close()
			startErr = fmt.Errorf("open index: %w", err)
			return
		}

		e.journalKV = jkv
		e.indexKV = ikv
		e.index = idx
		e.journal = journal.Open(jkv, e.log)
		e.content = contentstore.New(jkv, e.log)
		e.pipeline = transform.NewPipeline(e.config.Keys, e.log)
		e.pool = workerpool.New(workerpool.Config{WorkerCount: e.config.Workers})
		e.exec = executor.New(e.journal, e.index, notes.NewWriter(), e.log, e.config.IOConcurrency)
		e.locks = executor.NewPrefixLocks()
		e.scan = scanner.New(e.config.OutputRoot)
		e.classify = classifier.New()

		e.started.Store(true)
		e.log.Info("engine started", "dataRoot", dataRoot, "outputRoot", e.config.OutputRoot)
	})
	return startErr
}

// Run starts the engine, blocks until ctx is canceled and then shuts
// down. It is a convenience for services.
func (e *Engine) Run(ctx context.Context) error {
	if err := e.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	return e.Close()
}

// Close releases all stores. Close is idempotent.
func (e *Engine) Close() error {
	var closeErr error
	e.closeOnce.Do(func() {
		e.started.Store(false)
		if e.pool != nil {
			e.pool.Stop()
		}
		if e.index != nil {
			if err := e.index.Close(); err != nil {
				closeErr = errors.Join(closeErr, fmt.Errorf("close index: %w", err))
			}
		}
		if e.indexKV != nil {
			if err := e.indexKV.Close(); err != nil {
				closeErr = errors.Join(closeErr, fmt.Errorf("close index store: %w", err))
			}
		}
		if e.journalKV != nil {
			if err := e.journalKV.Close(); err != nil {
				closeErr = errors.Join(closeErr, fmt.Errorf("close journal store: %w", err))
			}
		}
		e.log.Info("engine closed")
	})
	return closeErr
}

func (e *Engine) handle() error {
	if !e.started.Load() {
		return ErrNotStarted
	}
	return nil
}

// Organize runs one batch: expand the submitted paths, classify and
// fingerprint every file, transform new content, plan, journal and
// execute. The returned report accounts for every input item.
func (e *Engine) Organize(ctx context.Context, inputs []string) (types.BatchReport, error) {
	if err := e.handle(); err != nil {
		return types.BatchReport{}, err
	}

	sources, unreachable, err := e.scan.Expand(inputs)
	if err != nil {
		return types.BatchReport{}, err
	}
	if len(sources) == 0 {
		e.log.Info("nothing to organize", "inputs", len(inputs))
		if len(unreachable) == 0 {
			return types.BatchReport{State: types.BatchCompleted}, nil
		}
		return types.BatchReport{State: types.BatchPartiallyFailed, Items: unreachable}, nil
	}
	if err := e.preflight(sources); err != nil {
		return types.BatchReport{}, err
	}

	batchID := uuid.NewString()
	e.log.Info("batch started", "batch", batchID, "items", len(sources))

	preps, preFailures := e.prepare(ctx, sources)
	preFailures = append(unreachable, preFailures...)
	groups, order := e.registerContent(preps, &preFailures)
	e.stageTransforms(ctx, groups)

	items, failed := buildPlanItems(preps, groups, order)
	preFailures = append(preFailures, failed...)

	// The lock covers planning too: the planner inspects destination
	// paths, and a concurrent batch writing the same subtree would
	// invalidate what it saw.
	e.locks.Acquire(e.config.OutputRoot)
	defer e.locks.Release(e.config.OutputRoot)

	pl := &planner.Planner{
		OutputRoot:       e.config.OutputRoot,
		Policy:           e.config.collisionPolicy(),
		DeleteSources:    e.config.DeleteSources,
		ArtifactLocation: e.index.ArtifactLocation,
	}
	plan, err := pl.Plan(batchID, items)
	if err != nil {
		return types.BatchReport{}, fmt.Errorf("plan batch %s: %w", batchID, err)
	}

	// Content references follow placements. Items decided at plan time
	// never place anything, so their registration is dropped here;
	// placements that fail during execution drop theirs below.
	keysByPath := make(map[string]contentKey, len(preps))
	for _, p := range preps {
		keysByPath[p.source.Path] = contentKey{fp: p.source.Fingerprint, size: p.source.Size}
	}
	for _, it := range plan.Skipped {
		e.releaseRef(keysByPath, it.Source)
	}

	batch := types.Batch{
		ID:          batchID,
		CreatedAt:   time.Now().UTC(),
		State:       types.BatchPlanning,
		OutputRoot:  e.config.OutputRoot,
		PreFailures: append(preFailures, plan.Skipped...),
	}
	if err := e.journal.PlanBatch(batch, plan.Ops); err != nil {
		return types.BatchReport{}, err
	}

	report, err := e.exec.Execute(ctx, batch, plan.Ops)
	if err != nil {
		return report, err
	}
	for _, it := range report.Items[len(batch.PreFailures):] {
		if it.Status == types.ItemFailed && it.Target != "" {
			e.releaseRef(keysByPath, it.Source)
		}
	}
	return report, nil
}

func (e *Engine) releaseRef(keys map[string]contentKey, sourcePath string) {
	key, ok := keys[sourcePath]
	if !ok {
		return
	}
	if _, err := e.content.Release(key.fp, key.size); err != nil {
		e.log.Warn("release content reference", "source", sourcePath, "error", err)
	}
}

// Resume finishes every batch the journal still holds in a non-final
// state. It is called once on startup, before new batches are
// accepted.
func (e *Engine) Resume(ctx context.Context) ([]types.BatchReport, error) {
	if err := e.handle(); err != nil {
		return nil, err
	}

	batches, err := e.journal.ListBatches()
	if err != nil {
		return nil, err
	}

	var reports []types.BatchReport
	var resumeErr error
	for _, b := range batches {
		if b.State != types.BatchPlanning && b.State != types.BatchExecuting {
			continue
		}
		e.log.Info("resuming batch", "batch", b.ID, "state", b.State.String())

		e.locks.Acquire(b.OutputRoot)
		report, err := e.exec.Recover(ctx, b.ID)
		e.locks.Release(b.OutputRoot)
		if err != nil {
			resumeErr = errors.Join(resumeErr, err)
			continue
		}
		reports = append(reports, report)
	}
	return reports, resumeErr
}

// Query searches the committed index.
func (e *Engine) Query(q indexstore.Query) ([]types.IndexRecord, error) {
	if err := e.handle(); err != nil {
		return nil, err
	}
	return e.index.Query(q)
}

// Report rebuilds the report of a journaled batch, finished or not.
func (e *Engine) Report(batchID string) (types.BatchReport, error) {
	if err := e.handle(); err != nil {
		return types.BatchReport{}, err
	}
	batch, ops, err := e.journal.LoadBatch(batchID)
	if err != nil {
		return types.BatchReport{}, err
	}
	return executor.BuildReport(batch, ops), nil
}

// ListBatches returns all journaled batches, oldest first.
func (e *Engine) ListBatches() ([]types.Batch, error) {
	if err := e.handle(); err != nil {
		return nil, err
	}
	return e.journal.ListBatches()
}

// PruneBatch drops a finished batch from the journal. Audit records
// are kept until this is called explicitly.
func (e *Engine) PruneBatch(batchID string) error {
	if err := e.handle(); err != nil {
		return err
	}
	return e.journal.PruneBatch(batchID)
}

// Restore reverses the transforms of an organized file, writing the
// original bytes to dstPath.
func (e *Engine) Restore(ctx context.Context, rec types.IndexRecord, dstPath string) error {
	if err := e.handle(); err != nil {
		return err
	}
	return e.pipeline.Restore(ctx, rec.Location, dstPath, rec.Transform, rec.KeyRef)
}

const bytesPerGB = 1024 * 1024 * 1024

// preflight refuses a batch the output volume cannot hold. Running out
// of disk mid-batch is recoverable but pointlessly messy.
func (e *Engine) preflight(sources []types.SourceItem) error {
	if err := os.MkdirAll(e.config.OutputRoot, 0o755); err != nil {
		return fmt.Errorf("mkdir %s: %w", e.config.OutputRoot, err)
	}

	var need uint64
	for _, s := range sources {
		need += uint64(s.Size)
	}
	free, err := keyvalstore.FreeBytes(e.config.OutputRoot)
	if err != nil {
		return err
	}
	reserve := uint64(e.config.MinimumFreeGB) * bytesPerGB
	if free < need+reserve {
		return fmt.Errorf("%w: %d bytes free, batch needs %d plus %d reserve",
			ErrInsufficientSpace, free, need, reserve)
	}
	return nil
}

// prepared is one source item after fingerprinting and classification.
type prepared struct {
	idx    int
	source types.SourceItem
	class  types.ClassificationResult
	err    error
}

// prepare fingerprints and classifies all items on the worker pool.
// Failed items are moved into preFailures; the returned slice holds
// only usable items, in submission order.
func (e *Engine) prepare(ctx context.Context, sources []types.SourceItem) ([]prepared, []types.ItemResult) {
	room := e.pool.CreateRoom(len(sources))
	for i := range sources {
		i := i
		src := sources[i]
		room.Submit(func() interface{} {
			if err := ctx.Err(); err != nil {
				return prepared{idx: i, source: src, err: err}
			}
			fp, n, err := contentstore.Fingerprint(src.Path)
			if err != nil {
				return prepared{idx: i, source: src, err: err}
			}
			src.Fingerprint = fp
			src.Size = n

			class := e.classify.Classify(src)
			src.MimeType = class.MimeType
			return prepared{idx: i, source: src, class: class}
		})
	}

	results := room.Collect()

	byIdx := make([]prepared, len(sources))
	for _, r := range results {
		p := r.(prepared)
		byIdx[p.idx] = p
	}

	var preps []prepared
	var preFailures []types.ItemResult
	for _, p := range byIdx {
		if p.err != nil {
			preFailures = append(preFailures, types.ItemResult{
				Source: p.source.Path,
				Status: types.ItemFailed,
				Reason: p.err.Error(),
			})
			continue
		}
		preps = append(preps, p)
	}
	return preps, preFailures
}

type contentKey struct {
	fp   types.Fingerprint
	size int64
}

// contentGroup ties all items sharing one content to a single
// artifact. Exactly one member places the bytes; the others link.
type contentGroup struct {
	artifact   types.Artifact
	staging    string
	crossBatch bool
	placerIdx  int
	primary    types.SourceItem
	members    []int

	failed bool
	reason string
}

// registerContent registers every prepared item in the dedup registry
// and groups items by content. Returned order preserves first-seen
// group order for deterministic planning.
func (e *Engine) registerContent(preps []prepared, preFailures *[]types.ItemResult) (map[contentKey]*contentGroup, []contentKey) {
	groups := make(map[contentKey]*contentGroup)
	var order []contentKey

	for _, p := range preps {
		key := contentKey{fp: p.source.Fingerprint, size: p.source.Size}

		reg, err := e.content.Register(p.source.Fingerprint, p.source.Size, uuid.NewString())
		if err != nil {
			*preFailures = append(*preFailures, types.ItemResult{
				Source: p.source.Path,
				Status: types.ItemFailed,
				Reason: err.Error(),
			})
			continue
		}

		if g, ok := groups[key]; ok {
			g.members = append(g.members, p.idx)
			continue
		}

		g := &contentGroup{placerIdx: p.idx, primary: p.source, members: []int{p.idx}}
		if reg.Duplicate {
			if art, _, ok := e.index.ArtifactInfo(reg.ArtifactID); ok {
				g.artifact = art
				g.artifact.SourceFingerprint = p.source.Fingerprint
				g.artifact.SourceSize = p.source.Size
				g.crossBatch = true
			} else {
				// Registered in an earlier batch but never committed
				// (the batch failed before placement). Produce the
				// artifact again under the registered id.
				g.artifact = types.Artifact{ID: reg.ArtifactID}
			}
		} else {
			g.artifact = types.Artifact{ID: reg.ArtifactID}
		}
		groups[key] = g
		order = append(order, key)
	}
	return groups, order
}

// stageTransforms produces the artifact for every group that needs new
// bytes, in parallel on the worker pool. Pass-through groups get an
// artifact describing the source itself. A failed transform fails the
// whole group and releases its registry references.
func (e *Engine) stageTransforms(ctx context.Context, groups map[contentKey]*contentGroup) {
	spec := e.config.transformSpec()

	type stageResult struct {
		key contentKey
		art types.Artifact
		err error
	}

	room := e.pool.CreateRoom(len(groups))
	for key, g := range groups {
		if g.crossBatch {
			continue
		}
		key, g := key, g

		if spec.Kind() == types.TransformNone {
			g.artifact = types.Artifact{
				ID:                g.artifact.ID,
				Kind:              types.TransformNone,
				Size:              g.primary.Size,
				Checksum:          g.primary.Fingerprint,
				SourceFingerprint: g.primary.Fingerprint,
				SourceSize:        g.primary.Size,
			}
			continue
		}

		g.staging = filepath.Join(e.stagingDir, g.artifact.ID)
		room.Submit(func() interface{} {
			art, err := e.pipeline.Transform(ctx, g.primary, g.staging, g.artifact.ID, spec)
			return stageResult{key: key, art: art, err: err}
		})
	}

	for _, r := range room.Collect() {
		res := r.(stageResult)
		g := groups[res.key]
		if res.err != nil {
			g.failed = true
			g.reason = res.err.Error()
			for range g.members {
				if _, err := e.content.Release(res.key.fp, res.key.size); err != nil {
					e.log.Warn("release after failed transform", "error", err)
				}
			}
			continue
		}
		g.artifact = res.art
	}
}

// buildPlanItems flattens groups back into the planner's item list, in
// submission order. Members of a failed group come back as failed
// item results, carrying the group's reason.
func buildPlanItems(preps []prepared, groups map[contentKey]*contentGroup, order []contentKey) ([]planner.Item, []types.ItemResult) {
	byKey := make(map[contentKey]*contentGroup, len(order))
	for _, key := range order {
		byKey[key] = groups[key]
	}

	var items []planner.Item
	var failed []types.ItemResult
	for _, p := range preps {
		key := contentKey{fp: p.source.Fingerprint, size: p.source.Size}
		g, ok := byKey[key]
		if !ok {
			continue
		}
		if g.failed {
			failed = append(failed, types.ItemResult{
				Source: p.source.Path,
				Status: types.ItemFailed,
				Reason: g.reason,
			})
			continue
		}

		it := planner.Item{
			Source:   p.source,
			Class:    p.class,
			Artifact: g.artifact,
		}
		switch {
		case g.crossBatch:
			it.Duplicate = true
		case p.idx == g.placerIdx:
			it.StagingPath = g.staging
		default:
			it.Duplicate = true
		}
		items = append(items, it)
	}
	return items, failed
}
