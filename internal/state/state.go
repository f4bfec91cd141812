// Package state tracks the lifecycle of every review thread the engine has
// touched. All reads and writes go through a single mutex; listener
// callbacks are invoked after the lock is released so a slow or reentrant
// listener can never stall unrelated updates.
package state

import (
	"fmt"
	"sync"
)

// Status is a thread's position in the resolution lifecycle.
type Status string

const (
	StatusPending     Status = "pending"
	StatusProcessing  Status = "processing"
	StatusPushed      Status = "pushed"
	StatusResolved    Status = "resolved"
	StatusRejected    Status = "rejected"
	StatusNeedsReview Status = "needs_review"
	StatusCIFailed    Status = "ci_failed"
)

// legalTransitions encodes the thread state machine. A thread re-enters
// pending from any terminal state when the remote side reopens it.
var legalTransitions = map[Status][]Status{
	StatusPending:     {StatusProcessing},
	StatusProcessing:  {StatusPushed, StatusResolved, StatusRejected, StatusNeedsReview},
	StatusPushed:      {StatusResolved, StatusCIFailed},
	StatusResolved:    {StatusPending},
	StatusRejected:    {StatusPending},
	StatusNeedsReview: {StatusPending},
	StatusCIFailed:    {StatusPending},
}

// ThreadState is the tracked state for one review thread.
type ThreadState struct {
	ThreadID  string `json:"thread_id"`
	Status    Status `json:"status"`
	Attempts  int    `json:"attempts"`
	CommitSHA string `json:"commit_sha,omitempty"`
	LastError string `json:"last_error,omitempty"`
	CIRunURL  string `json:"ci_run_url,omitempty"`
}

// Listener is notified after a thread's state changes. It runs outside the
// manager's lock and may itself call back into the manager.
type Listener func(st ThreadState)

// Manager is a mutex-protected map from thread ID to ThreadState.
type Manager struct {
	mu        sync.Mutex
	threads   map[string]*ThreadState
	listeners []Listener
}

// NewManager creates an empty manager.
func NewManager() *Manager {
	return &Manager{threads: make(map[string]*ThreadState)}
}

// AddListener registers a listener for all subsequent state changes.
func (m *Manager) AddListener(l Listener) {
	m.mu.Lock()
	m.listeners = append(m.listeners, l)
	m.mu.Unlock()
}

// Get returns a copy of the thread's state and whether it exists.
func (m *Manager) Get(threadID string) (ThreadState, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.threads[threadID]
	if !ok {
		return ThreadState{}, false
	}
	return *st, true
}

// All returns a copy of every tracked thread state.
func (m *Manager) All() []ThreadState {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]ThreadState, 0, len(m.threads))
	for _, st := range m.threads {
		out = append(out, *st)
	}
	return out
}

// SetStatus transitions one thread, creating it in pending first if it has
// never been seen. Illegal transitions are rejected.
func (m *Manager) SetStatus(threadID string, status Status) error {
	return m.update(threadID, status, func(*ThreadState) {})
}

// MarkProcessing transitions the given threads pending → processing as one
// unit, incrementing each thread's attempt counter. Threads not yet tracked
// are created first. One notification fires per affected thread.
func (m *Manager) MarkProcessing(threadIDs []string) error {
	return m.batch(threadIDs, StatusProcessing, func(st *ThreadState) {
		st.Attempts++
	})
}

// MarkPushed transitions the given threads processing → pushed and records
// the commit each one rode in on.
func (m *Manager) MarkPushed(threadIDs []string, commitSHA string) error {
	return m.batch(threadIDs, StatusPushed, func(st *ThreadState) {
		st.CommitSHA = commitSHA
	})
}

// MarkFailed transitions the given threads pushed → ci_failed, attaching
// the failing CI run URL and an error description.
func (m *Manager) MarkFailed(threadIDs []string, ciRunURL, reason string) error {
	return m.batch(threadIDs, StatusCIFailed, func(st *ThreadState) {
		st.CIRunURL = ciRunURL
		st.LastError = reason
	})
}

// SetError records an error string on a thread without changing its status.
func (m *Manager) SetError(threadID, msg string) {
	m.mu.Lock()
	st := m.getOrCreateLocked(threadID)
	st.LastError = msg
	snapshot := *st
	listeners := append([]Listener(nil), m.listeners...)
	m.mu.Unlock()

	for _, l := range listeners {
		l(snapshot)
	}
}

// Statistics summarizes all tracked threads.
type Statistics struct {
	Total        int            `json:"total"`
	ByStatus     map[Status]int `json:"by_status"`
	MeanAttempts float64        `json:"mean_attempts"`
}

// GetStatistics derives aggregate counts. No side effects.
func (m *Manager) GetStatistics() Statistics {
	m.mu.Lock()
	defer m.mu.Unlock()

	stats := Statistics{ByStatus: make(map[Status]int)}
	totalAttempts := 0
	for _, st := range m.threads {
		stats.Total++
		stats.ByStatus[st.Status]++
		totalAttempts += st.Attempts
	}
	if stats.Total > 0 {
		stats.MeanAttempts = float64(totalAttempts) / float64(stats.Total)
	}
	return stats
}

// update runs a single-thread transition under the lock, then notifies.
func (m *Manager) update(threadID string, status Status, mutate func(*ThreadState)) error {
	m.mu.Lock()
	st := m.getOrCreateLocked(threadID)
	if err := checkTransition(st.Status, status); err != nil {
		m.mu.Unlock()
		return fmt.Errorf("thread %s: %w", threadID, err)
	}
	st.Status = status
	mutate(st)
	snapshot := *st
	listeners := append([]Listener(nil), m.listeners...)
	m.mu.Unlock()

	for _, l := range listeners {
		l(snapshot)
	}
	return nil
}

// batch mutates several threads as one logical unit. The whole batch is
// validated before any entry changes, so a single bad thread cannot leave
// the batch half-applied.
func (m *Manager) batch(threadIDs []string, status Status, mutate func(*ThreadState)) error {
	m.mu.Lock()
	for _, id := range threadIDs {
		st := m.getOrCreateLocked(id)
		if err := checkTransition(st.Status, status); err != nil {
			m.mu.Unlock()
			return fmt.Errorf("thread %s: %w", id, err)
		}
	}

	snapshots := make([]ThreadState, 0, len(threadIDs))
	for _, id := range threadIDs {
		st := m.threads[id]
		st.Status = status
		mutate(st)
		snapshots = append(snapshots, *st)
	}
	listeners := append([]Listener(nil), m.listeners...)
	m.mu.Unlock()

	for _, snapshot := range snapshots {
		for _, l := range listeners {
			l(snapshot)
		}
	}
	return nil
}

// getOrCreateLocked returns the tracked state for threadID, creating it in
// pending with zero attempts on first reference. Caller must hold m.mu.
func (m *Manager) getOrCreateLocked(threadID string) *ThreadState {
	if st, ok := m.threads[threadID]; ok {
		return st
	}
	st := &ThreadState{ThreadID: threadID, Status: StatusPending}
	m.threads[threadID] = st
	return st
}

func checkTransition(from, to Status) error {
	if from == to {
		return nil
	}
	for _, allowed := range legalTransitions[from] {
		if allowed == to {
			return nil
		}
	}
	return fmt.Errorf("illegal transition %s -> %s", from, to)
}
