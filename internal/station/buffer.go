package station

import "sync"

const defaultBufferCapacity = 256

type bufferedMessage struct {
	id   string
	data []byte
}

// messageBuffer holds frames built while the socket was not open, flushed in
// insertion order on reconnect. The set is bounded; overflow drops the oldest
// entry. A message id is buffered at most once.
type messageBuffer struct {
	mu       sync.Mutex
	capacity int
	entries  []bufferedMessage
}

func newMessageBuffer() *messageBuffer {
	return &messageBuffer{capacity: defaultBufferCapacity}
}

func (b *messageBuffer) add(id string, data []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, e := range b.entries {
		if e.id == id {
			return
		}
	}
	if len(b.entries) >= b.capacity {
		b.entries = b.entries[1:]
	}
	b.entries = append(b.entries, bufferedMessage{id: id, data: data})
}

// drain returns and clears every buffered frame in insertion order.
func (b *messageBuffer) drain() []bufferedMessage {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := b.entries
	b.entries = nil
	return out
}

func (b *messageBuffer) len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries)
}
