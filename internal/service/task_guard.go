package service

import (
	"sync"
)

// TaskGuard serializes payment jobs per task inside one process. The store
// claim covers other processes; the guard keeps two local workers from
// racing to the store with the same task.
type TaskGuard struct {
	mu      sync.Mutex
	running map[string]string // task id -> job id
}

// NewTaskGuard creates a new task guard
func NewTaskGuard() *TaskGuard {
	return &TaskGuard{
		running: make(map[string]string),
	}
}

// TryAcquire marks taskID as being paid by jobID. When the task is already
// held it returns the holding job id and false.
func (g *TaskGuard) TryAcquire(taskID, jobID string) (release func(), holder string, ok bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if current, exists := g.running[taskID]; exists {
		return nil, current, false
	}
	g.running[taskID] = jobID

	return func() {
		g.mu.Lock()
		defer g.mu.Unlock()
		if g.running[taskID] == jobID {
			delete(g.running, taskID)
		}
	}, jobID, true
}

// Running returns the number of tasks currently held
func (g *TaskGuard) Running() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.running)
}
