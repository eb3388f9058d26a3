package settings

import "sync/atomic"

// Holder publishes the current Settings snapshot to concurrent readers.
type Holder struct {
	current atomic.Pointer[Settings]
}

// NewHolder returns a holder seeded with initial.
func NewHolder(initial Settings) *Holder {
	h := &Holder{}
	h.Store(initial)
	return h
}

// Load returns the latest snapshot, or the defaults when none was stored.
func (h *Holder) Load() Settings {
	if h == nil {
		return Defaults()
	}
	if s := h.current.Load(); s != nil {
		return *s
	}
	return Defaults()
}

// Store replaces the snapshot.
func (h *Holder) Store(s Settings) {
	if h == nil {
		return
	}
	h.current.Store(&s)
}
