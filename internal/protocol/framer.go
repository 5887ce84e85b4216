package protocol

import (
	"bytes"
	"fmt"
)

// DefaultMaxBuffer is the default cap on a connection's pending partial frame
const DefaultMaxBuffer = 64 * 1024

// Framer reassembles frames from a byte stream for a single connection.
// It is not safe for concurrent use; each connection owns its own Framer.
type Framer struct {
	buf       []byte
	maxBuffer int

	// Counters
	framesEmitted  uint64
	bytesDiscarded uint64
	overflows      uint64
}

// FramerStats represents framer counters for monitoring
type FramerStats struct {
	Buffered       int    `json:"buffered_bytes"`
	FramesEmitted  uint64 `json:"frames_emitted"`
	BytesDiscarded uint64 `json:"bytes_discarded"`
	Overflows      uint64 `json:"overflows"`
}

// NewFramer creates a framer whose pending partial frame may grow to maxBuffer bytes.
// A non-positive maxBuffer disables the cap.
func NewFramer(maxBuffer int) *Framer {
	return &Framer{
		buf:       make([]byte, 0, 1024),
		maxBuffer: maxBuffer,
	}
}

// Feed appends a chunk to the buffer and returns every complete frame it now holds,
// in stream order. Bytes before a start marker are discarded; a started frame
// without its end marker is kept for the next call.
//
// When the kept partial frame exceeds the cap it is dropped and ErrBufferOverflow
// is returned alongside the frames already extracted from this chunk.
func (f *Framer) Feed(chunk []byte) ([]RawFrame, error) {
	f.buf = append(f.buf, chunk...)

	var frames []RawFrame
	for {
		start := bytes.IndexByte(f.buf, StartMarker)
		if start == -1 {
			// Nothing can start a frame here
			f.bytesDiscarded += uint64(len(f.buf))
			f.buf = f.buf[:0]
			break
		}

		end := bytes.IndexByte(f.buf[start+1:], EndMarker)
		if end == -1 {
			// Keep the partial frame from its start marker onward
			f.bytesDiscarded += uint64(start)
			f.buf = append(f.buf[:0], f.buf[start:]...)
			break
		}
		end += start + 1

		frame := make(RawFrame, end+1-start)
		copy(frame, f.buf[start:end+1])
		frames = append(frames, frame)
		f.framesEmitted++

		f.bytesDiscarded += uint64(start)
		f.buf = f.buf[end+1:]
	}

	if f.maxBuffer > 0 && len(f.buf) > f.maxBuffer {
		size := len(f.buf)
		f.overflows++
		f.bytesDiscarded += uint64(size)
		f.buf = make([]byte, 0, 1024)
		return frames, fmt.Errorf("%w: %d bytes pending, limit %d", ErrBufferOverflow, size, f.maxBuffer)
	}

	return frames, nil
}

// Buffered returns the number of bytes held for an unfinished frame
func (f *Framer) Buffered() int {
	return len(f.buf)
}

// Reset drops any pending partial frame
func (f *Framer) Reset() {
	f.bytesDiscarded += uint64(len(f.buf))
	f.buf = f.buf[:0]
}

// Stats returns current framer counters
func (f *Framer) Stats() FramerStats {
	return FramerStats{
		Buffered:       len(f.buf),
		FramesEmitted:  f.framesEmitted,
		BytesDiscarded: f.bytesDiscarded,
		Overflows:      f.overflows,
	}
}
