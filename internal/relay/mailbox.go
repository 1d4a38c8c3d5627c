package relay

import "github.com/Tyrowin/pester-relay/internal/protocol"

// DefaultMailboxCapacity bounds each user's offline queue.
const DefaultMailboxCapacity = 100

// Mailbox holds messages for users without a live session, oldest first.
// Each queue is bounded; when full, the oldest entry is evicted to make room.
// It is not safe for concurrent use; the Router serializes access.
type Mailbox struct {
	capacity int
	queues   map[string][]protocol.Message
	total    int
}

// NewMailbox creates a mailbox holding at most capacity messages per user.
// A non-positive capacity selects DefaultMailboxCapacity.
func NewMailbox(capacity int) *Mailbox {
	if capacity <= 0 {
		capacity = DefaultMailboxCapacity
	}
	return &Mailbox{
		capacity: capacity,
		queues:   make(map[string][]protocol.Message),
	}
}

// Buffer appends msg to userID's queue and returns how many older entries
// were evicted to respect the bound.
func (m *Mailbox) Buffer(userID string, msg protocol.Message) (evicted int) {
	queue := append(m.queues[userID], msg)
	if over := len(queue) - m.capacity; over > 0 {
		queue = append([]protocol.Message(nil), queue[over:]...)
		evicted = over
	}
	m.total += 1 - evicted
	m.queues[userID] = queue
	return evicted
}

// Flush removes and returns userID's queue in insertion order.
func (m *Mailbox) Flush(userID string) []protocol.Message {
	queue, ok := m.queues[userID]
	if !ok {
		return nil
	}
	delete(m.queues, userID)
	m.total -= len(queue)
	return queue
}

// Pending returns how many messages wait for userID.
func (m *Mailbox) Pending(userID string) int {
	return len(m.queues[userID])
}

// Len returns the number of buffered messages across all users.
func (m *Mailbox) Len() int {
	return m.total
}

func (m *Mailbox) Capacity() int {
	return m.capacity
}
