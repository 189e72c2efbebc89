// Package planner turns classified, transformed items into a
// dependency-safe, ordered operation list: directories are created
// before anything is placed under them, duplicate content is linked
// instead of copied twice, and source deletion is always the last
// step for a file. The planner inspects destination paths to resolve
// name collisions but performs no filesystem mutation itself.
package planner

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/filehive/filehive/pkg/contentstore"
	"github.com/filehive/filehive/pkg/transform"
	"github.com/filehive/filehive/pkg/types"
)

// CollisionPolicy decides what happens when a target path exists with
// different content. Byte-identical existing targets are always
// treated as already organized, regardless of policy.
type CollisionPolicy string

const (
	CollisionRename    CollisionPolicy = "rename"
	CollisionSkip      CollisionPolicy = "skip"
	CollisionOverwrite CollisionPolicy = "overwrite"
)

// ErrPlanningConflict is returned when a collision cannot be resolved
// by the disambiguation policy.
var ErrPlanningConflict = errors.New("planner: unresolvable naming conflict")

// Item is one classified and (if requested) transformed input file.
type Item struct {
	Source   types.SourceItem
	Class    types.ClassificationResult
	Artifact types.Artifact
	// StagingPath is where the transform pipeline left the artifact.
	// Empty for pass-through items and duplicates.
	StagingPath string
	// Duplicate marks content already registered under
	// Artifact.ID; a link is planned instead of a second copy.
	Duplicate bool
}

// Plan is the ordered operation list plus the items that were decided
// at planning time (skips and failures) and never reach the executor.
type Plan struct {
	Ops     []types.Operation
	Skipped []types.ItemResult
}

type Planner struct {
	OutputRoot    string
	Policy        CollisionPolicy
	DeleteSources bool
	// ArtifactLocation resolves the committed location of an artifact
	// from an earlier batch, for cross-batch dedup links. May be nil.
	ArtifactLocation func(artifactID string) (string, bool)
}

// Plan sequences one batch. Operation order within the returned slice
// already respects every dependency, so an executor processing it
// front to back never violates ordering; DependsOn carries the exact
// edges for concurrent execution and recovery.
func (p *Planner) Plan(batchID string, items []Item) (Plan, error) {
	if p.Policy == "" {
		p.Policy = CollisionRename
	}

	var (
		mkdirs     []types.Operation
		placements []types.Operation
		links      []types.Operation
		deletes    []types.Operation
		skipped    []types.ItemResult
	)

	mkdirIDs := make(map[string]string)
	claimed := make(map[string]struct{})
	// primaries maps artifact id to the placement op id (may be empty
	// when the content already sits at target) and target path.
	type primary struct {
		opID   string
		target string
	}
	primaries := make(map[string]primary)

	newOp := func(kind types.OpKind) types.Operation {
		return types.Operation{
			ID:      uuid.NewString(),
			BatchID: batchID,
			Kind:    kind,
			Status:  types.StatusPlanned,
		}
	}

	// linkSource finds the path a dedup link should point at: a
	// placement from this plan (adding a dependency on it) or a
	// committed location from an earlier batch.
	linkSource := func(artifactID string) (string, []string, bool) {
		if pr, ok := primaries[artifactID]; ok {
			if pr.opID != "" {
				return pr.target, []string{pr.opID}, true
			}
			return pr.target, nil, true
		}
		if p.ArtifactLocation != nil {
			if loc, ok := p.ArtifactLocation(artifactID); ok {
				return loc, nil, true
			}
		}
		return "", nil, false
	}

	ensureDir := func(dir string) string {
		if id, ok := mkdirIDs[dir]; ok {
			return id
		}
		op := newOp(types.OpMkdir)
		op.Target = dir
		mkdirIDs[dir] = op.ID
		mkdirs = append(mkdirs, op)
		return op.ID
	}

	for _, it := range items {
		targetDir := filepath.Join(p.OutputRoot, string(it.Class.Category), it.Class.DateBucket)
		name := filepath.Base(it.Source.Path) + transform.ArtifactExtension(it.Artifact.Kind)
		target := filepath.Join(targetDir, name)

		target, outcome, err := p.resolveTarget(it, target, claimed)
		if err != nil {
			return Plan{}, err
		}
		switch outcome {
		case targetSkipIdentical:
			skipped = append(skipped, types.ItemResult{
				Source: it.Source.Path,
				Target: target,
				Status: types.ItemSkipped,
				Reason: "destination already contains identical content",
			})
			if !it.Duplicate {
				primaries[it.Artifact.ID] = primary{target: target}
			}
			continue
		case targetSkipPolicy:
			skipped = append(skipped, types.ItemResult{
				Source: it.Source.Path,
				Target: target,
				Status: types.ItemSkipped,
				Reason: "destination exists and collision policy is skip",
			})
			continue
		}

		// Resolve the link source for duplicates before anything is
		// claimed. A transformed artifact whose placer was skipped has
		// no copy to link and cannot be rebuilt here; placing the raw
		// source instead would contradict its index record.
		var linkSrc string
		var linkDeps []string
		linkOK := false
		if it.Duplicate {
			linkSrc, linkDeps, linkOK = linkSource(it.Artifact.ID)
			if !linkOK && it.Artifact.Kind != types.TransformNone {
				skipped = append(skipped, types.ItemResult{
					Source: it.Source.Path,
					Target: target,
					Status: types.ItemFailed,
					Reason: fmt.Sprintf("artifact %s has no placed copy to link", it.Artifact.ID),
				})
				continue
			}
		}

		mkdirID := ensureDir(targetDir)
		claimed[target] = struct{}{}

		record := &types.IndexRecord{
			OriginalPath:     it.Source.Path,
			Fingerprint:      it.Source.Fingerprint,
			Location:         target,
			Category:         it.Class.Category,
			DateBucket:       it.Class.DateBucket,
			MimeType:         it.Class.MimeType,
			Transform:        it.Artifact.Kind,
			ArtifactID:       it.Artifact.ID,
			ArtifactSize:     it.Artifact.Size,
			ArtifactChecksum: it.Artifact.Checksum,
			KeyRef:           it.Artifact.KeyRef,
			BatchID:          batchID,
		}

		var placeOp types.Operation
		switch {
		case it.Duplicate && linkOK:
			placeOp = newOp(types.OpLink)
			placeOp.Source = linkSrc
			placeOp.DependsOn = linkDeps
			placeOp.ExpectSize = it.Artifact.Size
			placeOp.ExpectChecksum = it.Artifact.Checksum
		case it.Duplicate:
			// Pass-through content with no copy in reach; a fresh copy
			// of the source is byte-identical to the artifact.
			placeOp = newOp(types.OpCopy)
			placeOp.Source = it.Source.Path
			placeOp.ExpectSize = it.Source.Size
			placeOp.ExpectChecksum = it.Source.Fingerprint
		case it.StagingPath != "":
			placeOp = newOp(types.OpMove)
			placeOp.Source = it.StagingPath
			placeOp.ExpectSize = it.Artifact.Size
			placeOp.ExpectChecksum = it.Artifact.Checksum
		default:
			placeOp = newOp(types.OpCopy)
			placeOp.Source = it.Source.Path
			placeOp.ExpectSize = it.Source.Size
			placeOp.ExpectChecksum = it.Source.Fingerprint
		}

		placeOp.Target = target
		placeOp.Overwrite = p.Policy == CollisionOverwrite
		placeOp.DependsOn = append(placeOp.DependsOn, mkdirID)
		placeOp.Record = record

		if placeOp.Kind == types.OpLink {
			links = append(links, placeOp)
		} else {
			placements = append(placements, placeOp)
			if !it.Duplicate {
				primaries[it.Artifact.ID] = primary{opID: placeOp.ID, target: target}
			}
		}

		if p.DeleteSources {
			delOp := newOp(types.OpDeleteSource)
			delOp.Source = it.Source.Path
			delOp.DependsOn = []string{placeOp.ID}
			deletes = append(deletes, delOp)
		}
	}

	// Parent directories first, so mkdir for /a precedes /a/b even
	// though MkdirAll would cope either way.
	sort.SliceStable(mkdirs, func(i, j int) bool {
		return len(mkdirs[i].Target) < len(mkdirs[j].Target)
	})

	ops := make([]types.Operation, 0, len(mkdirs)+len(placements)+len(links)+len(deletes))
	ops = append(ops, mkdirs...)
	ops = append(ops, placements...)
	ops = append(ops, links...)
	ops = append(ops, deletes...)
	for i := range ops {
		ops[i].Seq = i
	}

	return Plan{Ops: ops, Skipped: skipped}, nil
}

type targetOutcome int

const (
	targetUse targetOutcome = iota
	targetSkipIdentical
	targetSkipPolicy
)

// resolveTarget applies the collision policy to the desired target
// path. It returns the final path to use, possibly disambiguated with
// a fingerprint suffix.
func (p *Planner) resolveTarget(it Item, target string, claimed map[string]struct{}) (string, targetOutcome, error) {
	_, inPlan := claimed[target]
	onDisk := false
	if !inPlan {
		if _, err := os.Stat(target); err == nil {
			onDisk = true
		}
	}
	if !inPlan && !onDisk {
		return target, targetUse, nil
	}

	if onDisk {
		identical, err := p.sameAsExisting(it, target)
		if err == nil && identical {
			return target, targetSkipIdentical, nil
		}
	}

	switch p.Policy {
	case CollisionSkip:
		return target, targetSkipPolicy, nil
	case CollisionOverwrite:
		if inPlan {
			// Two items in one plan aimed at the same path must still
			// be disambiguated; overwrite only applies to pre-existing
			// files.
			break
		}
		return target, targetUse, nil
	}

	suffix := it.Source.Fingerprint.Short()
	if it.Source.Fingerprint.IsZero() {
		suffix = it.Class.DateBucket
	}

	candidate := disambiguate(target, suffix)
	for i := 0; ; i++ {
		if i >= 100 {
			return "", 0, fmt.Errorf("%w: %s", ErrPlanningConflict, target)
		}
		_, taken := claimed[candidate]
		if !taken {
			if _, err := os.Stat(candidate); os.IsNotExist(err) {
				return candidate, targetUse, nil
			}
		}
		candidate = disambiguate(target, fmt.Sprintf("%s_%d", suffix, i+1))
	}
}

// sameAsExisting reports whether the existing file at target is
// byte-identical to what this item would place there.
func (p *Planner) sameAsExisting(it Item, target string) (bool, error) {
	if it.Artifact.Kind == types.TransformNone {
		return contentstore.SameContent(target, it.Source.Fingerprint, it.Source.Size)
	}
	return contentstore.SameContent(target, it.Artifact.Checksum, it.Artifact.Size)
}

// disambiguate inserts a suffix before the file extension chain:
// a.jpg -> a_1b2c3d4e.jpg, a.jpg.lzma -> a_1b2c3d4e.jpg.lzma.
func disambiguate(path, suffix string) string {
	dir := filepath.Dir(path)
	base := filepath.Base(path)

	ext := ""
	for {
		e := filepath.Ext(base)
		if e == "" {
			break
		}
		ext = e + ext
		base = strings.TrimSuffix(base, e)
	}
	return filepath.Join(dir, fmt.Sprintf("%s_%s%s", base, suffix, ext))
}
