package workerpool_test

import (
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/filehive/filehive/pkg/workerpool"
)

func TestSubmitAndCollect(t *testing.T) {
	pool := workerpool.New(workerpool.Config{WorkerCount: 4})
	defer pool.Stop()

	room := pool.CreateRoom(10)
	for i := 0; i < 10; i++ {
		i := i
		room.Submit(func() interface{} { return i * 2 })
	}

	results := room.Collect()
	require.Len(t, results, 10)

	sum := 0
	for _, r := range results {
		sum += r.(int)
	}
	assert.Equal(t, 90, sum)
}

func TestRoomsAreIsolated(t *testing.T) {
	pool := workerpool.New(workerpool.Config{WorkerCount: 2})
	defer pool.Stop()

	roomA := pool.CreateRoom(5)
	roomB := pool.CreateRoom(5)

	for i := 0; i < 5; i++ {
		roomA.Submit(func() interface{} { return "a" })
		roomB.Submit(func() interface{} { return "b" })
	}

	for _, r := range roomA.Collect() {
		assert.Equal(t, "a", r)
	}
	for _, r := range roomB.Collect() {
		assert.Equal(t, "b", r)
	}
}

func TestAllTasksRun(t *testing.T) {
	pool := workerpool.New(workerpool.Config{WorkerCount: 8})
	defer pool.Stop()

	var ran atomic.Int64
	room := pool.CreateRoom(100)
	for i := 0; i < 100; i++ {
		room.Submit(func() interface{} {
			ran.Add(1)
			return nil
		})
	}
	room.Collect()

	assert.Equal(t, int64(100), ran.Load())
}

func TestCollectEmptyRoom(t *testing.T) {
	pool := workerpool.New(workerpool.Config{WorkerCount: 1})
	defer pool.Stop()

	room := pool.CreateRoom(1)
	assert.Empty(t, room.Collect())
}

func TestDefaultConfig(t *testing.T) {
	pool := workerpool.New(workerpool.Config{})
	defer pool.Stop()

	room := pool.CreateRoom(1)
	room.Submit(func() interface{} { return 42 })
	results := room.Collect()
	require.Len(t, results, 1)
	assert.Equal(t, 42, results[0])
}

func TestStopIsIdempotent(t *testing.T) {
	pool := workerpool.New(workerpool.Config{WorkerCount: 1})
	pool.Stop()
	pool.Stop()
}
