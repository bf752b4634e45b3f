package model

// EventQueue holds opaque events for a single peer in FIFO order
// until the peer drains it.
type EventQueue []string

func (q *EventQueue) Push(events ...string) {
	*q = append(*q, events...)
}

// Drain removes and returns every queued event. The result is never nil.
func (q *EventQueue) Drain() []string {
	events := *q
	*q = EventQueue{}
	if events == nil {
		return []string{}
	}
	return events
}

func (q *EventQueue) Len() int {
	return len(*q)
}
