package reward

// ring is a fixed-capacity signal buffer. When full, a push overwrites the
// oldest entry. Not safe for concurrent use; the owning agent state locks.
type ring struct {
	buf  []Signal
	head int
	n    int
}

func newRing(capacity int) *ring {
	if capacity < 1 {
		capacity = 1
	}
	return &ring{buf: make([]Signal, capacity)}
}

func (r *ring) push(s Signal) {
	r.buf[r.head] = s
	r.head = (r.head + 1) % len(r.buf)
	if r.n < len(r.buf) {
		r.n++
	}
}

func (r *ring) len() int { return r.n }

// items returns the retained signals, oldest first.
func (r *ring) items() []Signal {
	out := make([]Signal, 0, r.n)
	start := r.head - r.n
	if start < 0 {
		start += len(r.buf)
	}
	for i := 0; i < r.n; i++ {
		out = append(out, r.buf[(start+i)%len(r.buf)])
	}
	return out
}

// tail returns up to limit of the most recent signals, oldest first.
func (r *ring) tail(limit int) []Signal {
	all := r.items()
	if limit <= 0 || limit >= len(all) {
		return all
	}
	return all[len(all)-limit:]
}
