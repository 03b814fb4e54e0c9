// Package video captures MJPEG frames from a camera process and serves them
// over chunked UDP and an HTTP multipart stream.
package video

import "bytes"

// MaxBuffer bounds the bytes an Extractor holds without a complete frame.
const MaxBuffer = 1 << 20

var (
	soi = []byte{0xFF, 0xD8}
	eoi = []byte{0xFF, 0xD9}
)

// Extractor splits a byte stream into JPEG frames delimited by the SOI and
// EOI markers. Bytes before the first SOI are discarded.
type Extractor struct {
	buf []byte
}

func NewExtractor() *Extractor { return &Extractor{buf: make([]byte, 0, 64<<10)} }

func (e *Extractor) Write(p []byte) (int, error) {
	e.buf = append(e.buf, p...)
	return len(p), nil
}

// Next returns the next complete frame, removing it and anything before it
// from the buffer.
func (e *Extractor) Next() ([]byte, bool) {
	start := bytes.Index(e.buf, soi)
	if start < 0 {
		// A trailing 0xFF may be the first half of a marker.
		if n := len(e.buf); n > 0 && e.buf[n-1] == 0xFF {
			e.buf[0] = 0xFF
			e.buf = e.buf[:1]
		} else {
			e.buf = e.buf[:0]
		}
		return nil, false
	}
	if start > 0 {
		e.buf = e.buf[:copy(e.buf, e.buf[start:])]
	}
	end := bytes.Index(e.buf[len(soi):], eoi)
	if end < 0 {
		return nil, false
	}
	stop := len(soi) + end + len(eoi)
	frame := make([]byte, stop)
	copy(frame, e.buf[:stop])
	e.buf = e.buf[:copy(e.buf, e.buf[stop:])]
	return frame, true
}

func (e *Extractor) Len() int { return len(e.buf) }

func (e *Extractor) Reset() { e.buf = e.buf[:0] }
