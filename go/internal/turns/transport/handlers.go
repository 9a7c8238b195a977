package transport

// handlerSet keeps handlers in registration order and hands out removal funcs.
type handlerSet[T any] struct {
	next    uint64
	entries []handlerEntry[T]
}

type handlerEntry[T any] struct {
	id uint64
	fn T
}

func (h *handlerSet[T]) add(fn T) func() {
	h.next++
	id := h.next
	h.entries = append(h.entries, handlerEntry[T]{id: id, fn: fn})
	return func() {
		for i, e := range h.entries {
			if e.id == id {
				h.entries = append(h.entries[:i:i], h.entries[i+1:]...)
				return
			}
		}
	}
}

// snapshot lets handlers unsubscribe while being iterated.
func (h *handlerSet[T]) snapshot() []T {
	out := make([]T, len(h.entries))
	for i, e := range h.entries {
		out[i] = e.fn
	}
	return out
}

func (h *handlerSet[T]) len() int { return len(h.entries) }
