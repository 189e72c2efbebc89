// Package workerpool provides the bounded pool used for per-item work
// (classification, fingerprinting, transforms). Items are independent
// until the planner sequences them, so fan-out here is safe.
package workerpool

import (
	"fmt"
	"runtime"
	"sync"
)

type Config struct {
	// WorkerCount defaults to 3x the CPU count; the work is I/O heavy.
	WorkerCount int
	// GlobalBuffer bounds queued tasks across all rooms.
	GlobalBuffer int
}

type Pool struct {
	config    Config
	taskQueue chan task
	stopOnce  sync.Once
}

type task struct {
	run  func() interface{}
	room *Room
}

// Room collects the results of one logical group of tasks, typically
// one batch. Tasks from different rooms share the pool's workers.
type Room struct {
	resultChan chan interface{}
	wg         sync.WaitGroup
	pool       *Pool
}

func New(config Config) *Pool {
	if config.WorkerCount < 1 {
		config.WorkerCount = runtime.NumCPU() * 3
	}
	if config.GlobalBuffer < 1 {
		config.GlobalBuffer = 10000
	}

	p := &Pool{
		config:    config,
		taskQueue: make(chan task, config.GlobalBuffer),
	}

	for i := 0; i < config.WorkerCount; i++ {
		go p.worker()
	}

	return p
}

func (p *Pool) worker() {
	for t := range p.taskQueue {
		t.room.resultChan <- t.run()
		t.room.wg.Done()
	}
}

// Stop ends the workers once queued tasks drain. Submitting after Stop
// panics, as sends on closed channels do.
func (p *Pool) Stop() {
	p.stopOnce.Do(func() {
		close(p.taskQueue)
	})
}

func (p *Pool) CreateRoom(size int) *Room {
	if size < 1 {
		size = 1
	}
	return &Room{
		resultChan: make(chan interface{}, size),
		pool:       p,
	}
}

// Submit enqueues a task, blocking while the global queue is full.
func (ro *Room) Submit(job func() interface{}) {
	ro.wg.Add(1)
	ro.pool.taskQueue <- task{run: job, room: ro}
}

// TrySubmit enqueues without blocking and reports queue exhaustion
// instead.
func (ro *Room) TrySubmit(job func() interface{}) error {
	if len(ro.pool.taskQueue) == cap(ro.pool.taskQueue) {
		return fmt.Errorf("workerpool: global buffer is full")
	}
	if len(ro.resultChan) == cap(ro.resultChan) {
		return fmt.Errorf("workerpool: room buffer is full")
	}
	ro.Submit(job)
	return nil
}

// Collect waits for all submitted tasks and returns their results in
// completion order.
func (ro *Room) Collect() []interface{} {
	go ro.waitAndClose()

	results := make([]interface{}, 0)
	for result := range ro.resultChan {
		results = append(results, result)
	}
	return results
}

func (ro *Room) waitAndClose() {
	ro.wg.Wait()
	close(ro.resultChan)
}
