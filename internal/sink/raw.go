package sink

import (
	"io"
	"sync"

	"example.com/stixgate/internal/tctm"
)

// Raw writes the on-wire bytes of every packet it receives, producing a
// binary dump of the packets that passed the parser filters. Packets decoded
// without binary retention are counted as skipped.
type Raw struct {
	mu      sync.Mutex
	w       io.WriteCloser
	written int
	skipped int
}

func NewRaw(w io.WriteCloser) *Raw {
	return &Raw{w: w}
}

func (r *Raw) Write(p *tctm.Packet) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(p.Raw) == 0 {
		r.skipped++
		return nil
	}
	if _, err := r.w.Write(p.Raw); err != nil {
		return err
	}
	r.written++
	return nil
}

func (r *Raw) Close(tctm.Summary) error {
	return r.w.Close()
}

// Counts returns the number of packets written and skipped.
func (r *Raw) Counts() (written, skipped int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.written, r.skipped
}
