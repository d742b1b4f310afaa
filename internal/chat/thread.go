package chat

import (
	"sync"

	"github.com/campusbazaar/chat-app/internal/model"
)

// Thread is the ordered, de-duplicated view of one conversation's messages.
// It is written only by the owning session goroutine and may be read from
// any goroutine.
type Thread struct {
	mu    sync.RWMutex
	items []model.Message
	index map[string]int // message ID -> position in items
}

// NewThread creates an empty Thread.
func NewThread() *Thread {
	return &Thread{
		index: make(map[string]int),
	}
}

// Load replaces the sequence with backlog. Messages already in the thread
// that the backlog does not contain (live arrivals that beat the backlog)
// are kept after it in their arrival order.
func (t *Thread) Load(backlog []model.Message) {
	t.mu.Lock()
	defer t.mu.Unlock()

	items := make([]model.Message, 0, len(backlog)+len(t.items))
	index := make(map[string]int, cap(items))
	for _, msg := range backlog {
		if _, dup := index[msg.ID]; dup {
			continue
		}
		index[msg.ID] = len(items)
		items = append(items, msg)
	}
	for _, msg := range t.items {
		if _, dup := index[msg.ID]; dup {
			continue
		}
		index[msg.ID] = len(items)
		items = append(items, msg)
	}

	t.items = items
	t.index = index
}

// Append adds msg to the tail. It returns false, leaving the thread
// untouched, if a message with the same ID is already present.
func (t *Thread) Append(msg model.Message) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, dup := t.index[msg.ID]; dup {
		return false
	}
	t.index[msg.ID] = len(t.items)
	t.items = append(t.items, msg)
	return true
}

// MarkRead flips the read flag of the given messages and returns the IDs
// that actually changed. Unknown IDs are ignored.
func (t *Thread) MarkRead(ids []string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	var changed []string
	for _, id := range ids {
		pos, ok := t.index[id]
		if !ok || t.items[pos].Read {
			continue
		}
		t.items[pos].Read = true
		changed = append(changed, id)
	}
	return changed
}

// Messages returns a copy of the sequence, oldest first. It never returns nil.
func (t *Thread) Messages() []model.Message {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]model.Message, len(t.items))
	copy(out, t.items)
	return out
}

// Len returns the number of messages in the thread.
func (t *Thread) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.items)
}
