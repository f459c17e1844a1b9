package tctm

import "sync"

// Sink receives decoded packets in stream order. Close is called once with
// the final summary of the run.
type Sink interface {
	Write(p *Packet) error
	Close(s Summary) error
}

// Buffer is an in-memory sink.
type Buffer struct {
	mu      sync.Mutex
	packets []*Packet
	summary *Summary
}

func NewBuffer() *Buffer {
	return &Buffer{}
}

func (b *Buffer) Write(p *Packet) error {
	b.mu.Lock()
	b.packets = append(b.packets, p)
	b.mu.Unlock()
	return nil
}

func (b *Buffer) Close(s Summary) error {
	b.mu.Lock()
	b.summary = &s
	b.mu.Unlock()
	return nil
}

func (b *Buffer) Packets() []*Packet {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*Packet, len(b.packets))
	copy(out, b.packets)
	return out
}

// Summary returns the summary passed to Close, if any.
func (b *Buffer) Summary() (Summary, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.summary == nil {
		return Summary{}, false
	}
	return *b.summary, true
}
