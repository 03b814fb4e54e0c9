package video

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Chunk datagram layout, all big-endian:
// [frame_id:4][index:2][count:2][payload_len:2][payload...]
const (
	HeaderSize   = 10
	DatagramSize = 1400
	MaxPayload   = DatagramSize - HeaderSize
	MaxChunks    = 65535
)

var (
	ErrFrameTooLarge = errors.New("video: frame needs more than 65535 chunks")
	ErrShortChunk    = errors.New("video: chunk shorter than its header")
)

type ChunkHeader struct {
	FrameID    uint32
	Index      uint16
	Count      uint16
	PayloadLen uint16
}

func (h ChunkHeader) Put(b []byte) {
	binary.BigEndian.PutUint32(b[0:4], h.FrameID)
	binary.BigEndian.PutUint16(b[4:6], h.Index)
	binary.BigEndian.PutUint16(b[6:8], h.Count)
	binary.BigEndian.PutUint16(b[8:10], h.PayloadLen)
}

func ParseChunkHeader(b []byte) (ChunkHeader, error) {
	if len(b) < HeaderSize {
		return ChunkHeader{}, ErrShortChunk
	}
	return ChunkHeader{
		FrameID:    binary.BigEndian.Uint32(b[0:4]),
		Index:      binary.BigEndian.Uint16(b[4:6]),
		Count:      binary.BigEndian.Uint16(b[6:8]),
		PayloadLen: binary.BigEndian.Uint16(b[8:10]),
	}, nil
}

// ChunkCount is the number of datagrams a frame of n bytes needs.
func ChunkCount(n int) int { return (n + MaxPayload - 1) / MaxPayload }

// Chunk splits frame into datagrams tagged with frameID.
func Chunk(frameID uint32, frame []byte) ([][]byte, error) {
	count := ChunkCount(len(frame))
	if count > MaxChunks {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(frame))
	}
	out := make([][]byte, 0, count)
	for i := 0; i < count; i++ {
		start := i * MaxPayload
		end := min(start+MaxPayload, len(frame))
		d := make([]byte, HeaderSize+end-start)
		ChunkHeader{
			FrameID:    frameID,
			Index:      uint16(i),
			Count:      uint16(count),
			PayloadLen: uint16(end - start),
		}.Put(d)
		copy(d[HeaderSize:], frame[start:end])
		out = append(out, d)
	}
	return out, nil
}

// Reassembler rebuilds frames from chunk datagrams. It tracks one frame at
// a time: a chunk of a different frame drops the partial one.
type Reassembler struct {
	active  bool
	frameID uint32
	parts   [][]byte
	got     int
}

// Add feeds one datagram and returns the frame once all its chunks arrived.
func (r *Reassembler) Add(d []byte) ([]byte, error) {
	h, err := ParseChunkHeader(d)
	if err != nil {
		return nil, err
	}
	payload := d[HeaderSize:]
	if int(h.PayloadLen) != len(payload) {
		return nil, fmt.Errorf("video: chunk %d/%d of frame %d carries %d bytes, header says %d",
			h.Index, h.Count, h.FrameID, len(payload), h.PayloadLen)
	}
	if h.Count == 0 || h.Index >= h.Count {
		return nil, fmt.Errorf("video: chunk index %d out of range %d", h.Index, h.Count)
	}

	if !r.active || h.FrameID != r.frameID || len(r.parts) != int(h.Count) {
		r.active = true
		r.frameID = h.FrameID
		r.parts = make([][]byte, h.Count)
		r.got = 0
	}
	if r.parts[h.Index] != nil {
		return nil, nil
	}
	part := make([]byte, len(payload))
	copy(part, payload)
	r.parts[h.Index] = part
	r.got++
	if r.got < len(r.parts) {
		return nil, nil
	}

	size := 0
	for _, p := range r.parts {
		size += len(p)
	}
	frame := make([]byte, 0, size)
	for _, p := range r.parts {
		frame = append(frame, p...)
	}
	r.active = false
	r.parts = nil
	return frame, nil
}
