// Package scanner expands a submitted set of paths (files or
// directories) into the flat list of SourceItems that makes up one
// batch.
package scanner

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/filehive/filehive/pkg/types"
)

type Scanner struct {
	// outputRoot is excluded from scans so the engine never re-organizes
	// its own output.
	outputRoot string
}

func New(outputRoot string) *Scanner {
	abs, err := filepath.Abs(outputRoot)
	if err != nil {
		abs = outputRoot
	}
	return &Scanner{outputRoot: filepath.Clean(abs)}
}

// Expand resolves every submitted path into SourceItems. Directories
// are walked recursively. Symlinks and other irregular files are
// skipped. A missing submitted path is an error; the caller should
// know what it dropped. An unreadable corner inside a walked directory
// is not: it comes back as a failed result and the walk continues.
func (s *Scanner) Expand(paths []string) ([]types.SourceItem, []types.ItemResult, error) {
	var items []types.SourceItem
	var unreachable []types.ItemResult
	seen := make(map[string]struct{})

	for _, p := range paths {
		abs, err := filepath.Abs(p)
		if err != nil {
			return nil, nil, fmt.Errorf("resolve %s: %w", p, err)
		}

		info, err := os.Lstat(abs)
		if err != nil {
			return nil, nil, fmt.Errorf("stat %s: %w", p, err)
		}

		if info.Mode().IsRegular() {
			if s.underOutputRoot(abs) {
				continue
			}
			items = s.appendItem(items, seen, abs, info)
			continue
		}

		if !info.IsDir() {
			continue
		}

		err = filepath.WalkDir(abs, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				unreachable = append(unreachable, types.ItemResult{
					Source: path,
					Status: types.ItemFailed,
					Reason: err.Error(),
				})
				return nil
			}
			if d.IsDir() {
				if s.underOutputRoot(path) {
					return filepath.SkipDir
				}
				return nil
			}
			if !d.Type().IsRegular() {
				return nil
			}
			if s.underOutputRoot(path) {
				return nil
			}
			fi, err := d.Info()
			if err != nil {
				unreachable = append(unreachable, types.ItemResult{
					Source: path,
					Status: types.ItemFailed,
					Reason: err.Error(),
				})
				return nil
			}
			items = s.appendItem(items, seen, path, fi)
			return nil
		})
		if err != nil {
			return nil, nil, fmt.Errorf("walk %s: %w", p, err)
		}
	}

	return items, unreachable, nil
}

func (s *Scanner) appendItem(items []types.SourceItem, seen map[string]struct{}, path string, info fs.FileInfo) []types.SourceItem {
	if _, dup := seen[path]; dup {
		return items
	}
	seen[path] = struct{}{}
	return append(items, types.SourceItem{
		Path:    path,
		Size:    info.Size(),
		ModTime: info.ModTime(),
	})
}

func (s *Scanner) underOutputRoot(path string) bool {
	if s.outputRoot == "" {
		return false
	}
	clean := filepath.Clean(path)
	if clean == s.outputRoot {
		return true
	}
	return strings.HasPrefix(clean, s.outputRoot+string(filepath.Separator))
}
