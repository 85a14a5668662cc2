package bus

// ring is a fixed-capacity message archive. Appending past capacity
// overwrites the oldest entry. Not safe for concurrent use; the bus
// guards it with its own lock.
type ring struct {
	buf  []*Message
	head int // next write position
	size int
}

func newRing(capacity int) *ring {
	if capacity < 1 {
		capacity = 1
	}
	return &ring{buf: make([]*Message, capacity)}
}

func (r *ring) append(m *Message) {
	r.buf[r.head] = m
	r.head = (r.head + 1) % len(r.buf)
	if r.size < len(r.buf) {
		r.size++
	}
}

// newestFirst visits entries from newest to oldest, stopping early when
// visit returns false.
func (r *ring) newestFirst(visit func(m *Message) bool) {
	for i := 0; i < r.size; i++ {
		idx := (r.head - 1 - i + len(r.buf)) % len(r.buf)
		if !visit(r.buf[idx]) {
			return
		}
	}
}
