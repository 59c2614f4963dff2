package projector

import "github.com/kvnkishore11/agentickanban/protocol"

// Line is one rendered telemetry entry of a run.
type Line struct {
	Seq  int64
	Type protocol.EventType
	Text string
}

// ring keeps the newest len(buf) lines.
type ring struct {
	buf   []Line
	start int
	n     int
}

func newRing(size int) *ring {
	return &ring{buf: make([]Line, size)}
}

func (r *ring) push(l Line) {
	if len(r.buf) == 0 {
		return
	}
	if r.n < len(r.buf) {
		r.buf[(r.start+r.n)%len(r.buf)] = l
		r.n++
		return
	}
	r.buf[r.start] = l
	r.start = (r.start + 1) % len(r.buf)
}

// items returns the lines oldest first.
func (r *ring) items() []Line {
	out := make([]Line, 0, r.n)
	for i := 0; i < r.n; i++ {
		out = append(out, r.buf[(r.start+i)%len(r.buf)])
	}
	return out
}
