package wal

// syncQueue holds callers waiting on a group commit. Access is guarded
// by the owning Log's mutex.
type syncQueue struct {
	buf  []*syncRequest
	head int
}

func (q *syncQueue) put(r *syncRequest) {
	q.buf = append(q.buf, r)
}

func (q *syncQueue) get() (*syncRequest, bool) {
	if q.head >= len(q.buf) {
		return nil, false
	}
	r := q.buf[q.head]
	q.buf[q.head] = nil
	q.head++

	// Compact once the consumed prefix dominates the slice.
	if q.head > 1024 && q.head*2 > len(q.buf) {
		n := copy(q.buf, q.buf[q.head:])
		q.buf = q.buf[:n]
		q.head = 0
	}
	return r, true
}

func (q *syncQueue) len() int {
	return len(q.buf) - q.head
}
