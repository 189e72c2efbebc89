package executor_test

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/filehive/filehive/pkg/executor"
)

func TestPrefixLocks_DisjointSubtreesProceed(t *testing.T) {
	l := executor.NewPrefixLocks()

	l.Acquire("/out/a")
	done := make(chan struct{})
	go func() {
		l.Acquire("/out/b")
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("disjoint prefix must not block")
	}
	l.Release("/out/a")
	l.Release("/out/b")
}

func TestPrefixLocks_AncestorBlocks(t *testing.T) {
	l := executor.NewPrefixLocks()

	l.Acquire("/out")
	acquired := make(chan struct{})
	go func() {
		l.Acquire("/out/sub")
		close(acquired)
	}()

	select {
	case <-acquired:
		t.Fatal("overlapping prefix must wait for release")
	case <-time.After(100 * time.Millisecond):
	}

	l.Release("/out")
	select {
	case <-acquired:
	case <-time.After(2 * time.Second):
		t.Fatal("release must wake the waiter")
	}
	l.Release("/out/sub")
}

func TestPrefixLocks_DescendantBlocksAncestor(t *testing.T) {
	l := executor.NewPrefixLocks()

	l.Acquire("/out/sub/deep")
	acquired := make(chan struct{})
	go func() {
		l.Acquire("/out/sub")
		close(acquired)
	}()

	select {
	case <-acquired:
		t.Fatal("ancestor of a held prefix must wait")
	case <-time.After(100 * time.Millisecond):
	}

	l.Release("/out/sub/deep")
	<-acquired
	l.Release("/out/sub")
}

func TestPrefixLocks_SerializesSamePrefix(t *testing.T) {
	l := executor.NewPrefixLocks()

	var mu sync.Mutex
	var active, maxActive int

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l.Acquire("/out")
			mu.Lock()
			active++
			if active > maxActive {
				maxActive = active
			}
			mu.Unlock()

			time.Sleep(5 * time.Millisecond)

			mu.Lock()
			active--
			mu.Unlock()
			l.Release("/out")
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, maxActive, "equal prefixes must serialize")
}
