package agent

import (
	"sync"
	"time"
)

const historyCap = 50

// HistoryEntry is one finished job as the agent remembers it.
type HistoryEntry struct {
	JobID          string        `json:"job_id"`
	JobType        string        `json:"job_type"`
	Result         string        `json:"result"`
	ExitCode       int           `json:"exit_code"`
	Duration       time.Duration `json:"duration"`
	RewardLamports int64         `json:"reward_lamports"`
	FinishedAt     time.Time     `json:"finished_at"`
	Error          string        `json:"error,omitempty"`
}

// History is a fixed-size ring of finished jobs, newest first.
type History struct {
	mu      sync.Mutex
	entries []HistoryEntry
}

func (h *History) Add(e HistoryEntry) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.entries = append([]HistoryEntry{e}, h.entries...)
	if len(h.entries) > historyCap {
		h.entries = h.entries[:historyCap]
	}
}

// List returns a copy of the ring, newest first.
func (h *History) List() []HistoryEntry {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]HistoryEntry, len(h.entries))
	copy(out, h.entries)
	return out
}

func (h *History) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.entries)
}
