// Package conversation keeps the bounded per-account turn history used as
// completion context.
package conversation

import (
	"sync"

	"companion/internal/domain"
)

// DefaultCapacity is five user/assistant exchanges.
const DefaultCapacity = 10

// Windows holds one FIFO window per account. Windows live in process memory
// and do not survive a restart.
type Windows struct {
	mu       sync.RWMutex
	capacity int
	byID     map[int64][]domain.Turn
}

// NewWindows returns a store whose windows hold at most capacity turns.
func NewWindows(capacity int) *Windows {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Windows{capacity: capacity, byID: make(map[int64][]domain.Turn)}
}

// Append adds turns to the end of the account's window, evicting the oldest
// entries beyond the cap.
func (w *Windows) Append(accountID int64, turns ...domain.Turn) {
	if len(turns) == 0 {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	window := append(w.byID[accountID], turns...)
	if over := len(window) - w.capacity; over > 0 {
		// copy into a fresh slice so the evicted prefix can be collected
		trimmed := make([]domain.Turn, w.capacity)
		copy(trimmed, window[over:])
		window = trimmed
	}
	w.byID[accountID] = window
}

// Snapshot returns a copy of the window, oldest first.
func (w *Windows) Snapshot(accountID int64) []domain.Turn {
	w.mu.RLock()
	defer w.mu.RUnlock()
	window := w.byID[accountID]
	out := make([]domain.Turn, len(window))
	copy(out, window)
	return out
}

// Len returns the number of turns held for the account.
func (w *Windows) Len(accountID int64) int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return len(w.byID[accountID])
}

// Clear drops the account's window.
func (w *Windows) Clear(accountID int64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.byID, accountID)
}
