package engine

import (
	"sync"

	"github.com/google/uuid"
)

// jobLocks hands out one mutex per job id. Holding it across a store update
// and the event it produces keeps events in commit order: once a terminal
// event is out, no later write for that job can succeed and publish.
type jobLocks struct {
	mu    sync.Mutex
	locks map[uuid.UUID]*jobLock
}

type jobLock struct {
	mu   sync.Mutex
	refs int
}

// lock blocks until the job's mutex is held and returns an idempotent unlock.
func (l *jobLocks) lock(id uuid.UUID) func() {
	l.mu.Lock()
	if l.locks == nil {
		l.locks = make(map[uuid.UUID]*jobLock)
	}
	jl, ok := l.locks[id]
	if !ok {
		jl = &jobLock{}
		l.locks[id] = jl
	}
	jl.refs++
	l.mu.Unlock()

	jl.mu.Lock()
	var once sync.Once
	return func() {
		once.Do(func() {
			jl.mu.Unlock()
			l.mu.Lock()
			jl.refs--
			if jl.refs == 0 {
				delete(l.locks, id)
			}
			l.mu.Unlock()
		})
	}
}

// size reports how many jobs currently hold or wait on a lock.
func (l *jobLocks) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
