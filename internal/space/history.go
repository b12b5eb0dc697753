package space

import "github.com/mew-protocol/mew-gateway/internal/envelope"

// history is the bounded FIFO of recently accepted envelopes. It also backs
// the id-uniqueness check over the retained window.
type history struct {
	cap int
	buf []*envelope.Envelope
	ids map[string]struct{}
}

func newHistory(cap int) *history {
	return &history{cap: cap, ids: make(map[string]struct{}, cap)}
}

func (h *history) seen(id string) bool {
	_, ok := h.ids[id]
	return ok
}

func (h *history) append(env *envelope.Envelope) {
	if len(h.buf) >= h.cap {
		evicted := h.buf[0]
		h.buf = h.buf[1:]
		delete(h.ids, evicted.ID)
	}
	h.buf = append(h.buf, env)
	h.ids[env.ID] = struct{}{}
}

func (h *history) len() int { return len(h.buf) }

// get returns the retained envelope with the given id, or nil once evicted.
func (h *history) get(id string) *envelope.Envelope {
	if _, ok := h.ids[id]; !ok {
		return nil
	}
	for i := len(h.buf) - 1; i >= 0; i-- {
		if h.buf[i].ID == id {
			return h.buf[i]
		}
	}
	return nil
}
