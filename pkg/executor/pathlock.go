package executor

import (
	"path/filepath"
	"strings"
	"sync"
)

// PrefixLocks serializes batches whose destination subtrees overlap.
// Two prefixes conflict when one is an ancestor of the other (or they
// are equal); disjoint subtrees proceed concurrently.
type PrefixLocks struct {
	mu   sync.Mutex
	cond *sync.Cond
	held map[string]struct{}
}

func NewPrefixLocks() *PrefixLocks {
	l := &PrefixLocks{held: make(map[string]struct{})}
	l.cond = sync.NewCond(&l.mu)
	return l
}

func (l *PrefixLocks) Acquire(prefix string) {
	p := filepath.Clean(prefix)
	l.mu.Lock()
	defer l.mu.Unlock()
	for l.conflicts(p) {
		l.cond.Wait()
	}
	l.held[p] = struct{}{}
}

func (l *PrefixLocks) Release(prefix string) {
	p := filepath.Clean(prefix)
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.held, p)
	l.cond.Broadcast()
}

func (l *PrefixLocks) conflicts(p string) bool {
	for h := range l.held {
		if h == p || isAncestor(h, p) || isAncestor(p, h) {
			return true
		}
	}
	return false
}

func isAncestor(ancestor, path string) bool {
	return strings.HasPrefix(path, ancestor+string(filepath.Separator))
}
