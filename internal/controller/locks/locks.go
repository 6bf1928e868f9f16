// Package locks provides the controller's typed reader/writer locks over partitions, nodes and jobs.
// Locks are always acquired in the order partitions, nodes, jobs and released in reverse, so any two
// holders requesting overlapping sets cannot deadlock.
package locks

import (
	"fmt"
	"sync"
)

type Level int

const (
	None Level = iota
	Read
	Write
)

func (l Level) String() string {
	switch l {
	case None:
		return "none"
	case Read:
		return "read"
	case Write:
		return "write"
	}
	return fmt.Sprintf("Level(%d)", int(l))
}

// Request names the level wanted on each lock.
type Request struct {
	Partitions Level
	Nodes      Level
	Jobs       Level
}

func (r Request) String() string {
	return fmt.Sprintf("partitions=%s nodes=%s jobs=%s", r.Partitions, r.Nodes, r.Jobs)
}

var (
	// ReadAll is taken by query handlers.
	ReadAll = Request{Partitions: Read, Nodes: Read, Jobs: Read}
	// WriteAll is taken by the event loop for mutations.
	WriteAll = Request{Partitions: Write, Nodes: Write, Jobs: Write}
	// ReadJobs is taken by job queries that do not need node state.
	ReadJobs = Request{Jobs: Read}
	// ReadNodes is taken by node and partition queries.
	ReadNodes = Request{Partitions: Read, Nodes: Read}
)

type Manager struct {
	partitions sync.RWMutex
	nodes      sync.RWMutex
	jobs       sync.RWMutex
}

func NewManager() *Manager {
	return &Manager{}
}

// Lock acquires the requested locks and returns a function releasing them. The function must be called
// exactly once.
func (m *Manager) Lock(req Request) (unlock func()) {
	acquire(&m.partitions, req.Partitions)
	acquire(&m.nodes, req.Nodes)
	acquire(&m.jobs, req.Jobs)
	var once sync.Once
	return func() {
		once.Do(func() {
			release(&m.jobs, req.Jobs)
			release(&m.nodes, req.Nodes)
			release(&m.partitions, req.Partitions)
		})
	}
}

// With runs fn while holding the requested locks.
func (m *Manager) With(req Request, fn func()) {
	unlock := m.Lock(req)
	defer unlock()
	fn()
}

func acquire(mu *sync.RWMutex, level Level) {
	switch level {
	case Read:
		mu.RLock()
	case Write:
		mu.Lock()
	}
}

func release(mu *sync.RWMutex, level Level) {
	switch level {
	case Read:
		mu.RUnlock()
	case Write:
		mu.Unlock()
	}
}
