package video

import "sync"

// FrameCell holds the most recent frame. Every Store bumps the sequence
// number so readers can tell a new frame from one they already sent.
type FrameCell struct {
	mu   sync.Mutex
	data []byte
	seq  uint64
}

func (c *FrameCell) Store(frame []byte) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data = append(c.data[:0], frame...)
	c.seq++
	return c.seq
}

// Load returns a copy of the current frame and its sequence number. The
// frame is nil when the cell is empty.
func (c *FrameCell) Load() ([]byte, uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.data) == 0 {
		return nil, c.seq
	}
	return append([]byte(nil), c.data...), c.seq
}

// LoadAfter is Load restricted to frames newer than seq.
func (c *FrameCell) LoadAfter(seq uint64) ([]byte, uint64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.data) == 0 || c.seq <= seq {
		return nil, c.seq, false
	}
	return append([]byte(nil), c.data...), c.seq, true
}

func (c *FrameCell) Clear() {
	c.mu.Lock()
	c.data = c.data[:0]
	c.mu.Unlock()
}
