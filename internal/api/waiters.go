package api

import (
	"sync"

	"github.com/docrag/intake/internal/intake"
)

// waiterSet maps job ids to channels of terminal job snapshots. Each sync
// submission registers one waiter; the worker pool's completion callback
// fulfills it.
type waiterSet struct {
	mu      sync.Mutex
	waiting map[string]chan intake.Job
}

func newWaiterSet() *waiterSet {
	return &waiterSet{waiting: make(map[string]chan intake.Job)}
}

// register returns a buffered channel that receives the terminal snapshot
// for the job. The buffer means notify never blocks on an abandoned waiter.
func (ws *waiterSet) register(jobID string) chan intake.Job {
	ch := make(chan intake.Job, 1)
	ws.mu.Lock()
	ws.waiting[jobID] = ch
	ws.mu.Unlock()
	return ch
}

// drop removes a waiter that timed out.
func (ws *waiterSet) drop(jobID string) {
	ws.mu.Lock()
	delete(ws.waiting, jobID)
	ws.mu.Unlock()
}

// notify fulfills the waiter for the job, if any.
func (ws *waiterSet) notify(job intake.Job) {
	ws.mu.Lock()
	ch, ok := ws.waiting[job.ID]
	if ok {
		delete(ws.waiting, job.ID)
	}
	ws.mu.Unlock()
	if ok {
		ch <- job
	}
}
