// Package status tracks the agent's pending offline and restart requests.
// Requests accumulate from several sources (exit-code sentinels, operator
// signals, server-side state) while a job is running; the engine acts on them
// only at phase boundaries, with offline taking precedence over restart.
package status

import "sync"

// Handler is the in-process accumulator for offline/restart requests.
// Safe for concurrent use — signal handlers update it while the engine reads.
type Handler struct {
	mu           sync.Mutex
	needsRestart bool
	needsOffline bool
	comment      string
}

// New returns an empty Handler.
func New() *Handler {
	return &Handler{}
}

// Update records a state request. Offline requests adopt the comment and win
// over restart requests. Passing offline=false while the offline flag is set
// lifts it and clears the comment. The restart flag is sticky: once set it
// survives every update and is only cleared by ClearRestart after the agent
// actually restarts.
func (h *Handler) Update(comment string, restart, offline bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if offline {
		h.needsOffline = true
		h.comment = comment
	} else if h.needsOffline {
		h.needsOffline = false
		h.comment = ""
	}

	if restart {
		h.needsRestart = true
		if !h.needsOffline {
			h.comment = comment
		}
	}
}

// RequestRestart flags a restart without touching the offline state. The
// SIGUSR1 handler uses this so an operator signal cannot lift a pending
// offline request. The comment is adopted unless offline already claimed it.
func (h *Handler) RequestRestart(comment string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.needsRestart = true
	if !h.needsOffline {
		h.comment = comment
	}
}

// NeedsOffline reports whether an offline request is pending.
func (h *Handler) NeedsOffline() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.needsOffline
}

// NeedsRestart reports whether a restart request is pending.
func (h *Handler) NeedsRestart() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.needsRestart
}

// Comment returns the comment attached to the pending request.
func (h *Handler) Comment() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.comment
}

// ClearRestart drops the restart flag after the agent has restarted.
func (h *Handler) ClearRestart() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.needsRestart = false
	if !h.needsOffline {
		h.comment = ""
	}
}
