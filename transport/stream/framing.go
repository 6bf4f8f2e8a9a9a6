package stream

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Framing selects how message boundaries are marked on a byte stream.
type Framing int

const (
	// LineFraming terminates each message with '\n'. Blank lines are skipped.
	LineFraming Framing = iota
	// LengthPrefixFraming precedes each message with a 4-byte big-endian length.
	LengthPrefixFraming
)

func (f Framing) String() string {
	if f == LengthPrefixFraming {
		return "length-prefix"
	}
	return "line"
}

// DefaultMaxFrameSize bounds a single frame unless overridden.
const DefaultMaxFrameSize = 4 << 20

const headerSize = 4

// ErrFrameTooLarge is returned when a frame exceeds the configured limit.
var ErrFrameTooLarge = errors.New("frame exceeds maximum size")

// FrameReader splits a byte stream into frames.
//
// Bytes are consumed only when a complete frame is returned. If the
// underlying reader fails mid-frame (a read deadline, for example) the
// partial frame stays buffered and the next call to Next resumes it.
type FrameReader struct {
	r       io.Reader
	framing Framing
	max     int
	buf     []byte
	start   int
	pending error
	empty   int
}

// NewFrameReader returns a reader for the given framing. maxSize <= 0
// selects DefaultMaxFrameSize.
func NewFrameReader(r io.Reader, framing Framing, maxSize int) *FrameReader {
	if maxSize <= 0 {
		maxSize = DefaultMaxFrameSize
	}
	return &FrameReader{r: r, framing: framing, max: maxSize, buf: make([]byte, 0, 4096)}
}

// Buffered returns the number of bytes read but not yet returned as a frame.
func (f *FrameReader) Buffered() int { return len(f.buf) - f.start }

// Next returns the next frame. The returned slice is owned by the caller.
func (f *FrameReader) Next() ([]byte, error) {
	for {
		frame, n, err := f.split()
		if err != nil {
			return nil, err
		}
		if n > 0 {
			f.start += n
			f.compact()
			if frame == nil {
				continue // blank line
			}
			return frame, nil
		}
		if err := f.fill(); err != nil {
			if errors.Is(err, io.EOF) && f.Buffered() > 0 {
				return f.tail()
			}
			return nil, err
		}
	}
}

// split looks for a complete frame in the buffer. n is the number of bytes
// the frame occupies, zero when more input is needed.
func (f *FrameReader) split() (frame []byte, n int, err error) {
	data := f.buf[f.start:]
	switch f.framing {
	case LengthPrefixFraming:
		if len(data) < headerSize {
			return nil, 0, nil
		}
		size := int(binary.BigEndian.Uint32(data[:headerSize]))
		if size > f.max {
			return nil, 0, fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, size, f.max)
		}
		if len(data) < headerSize+size {
			return nil, 0, nil
		}
		return bytes.Clone(data[headerSize : headerSize+size]), headerSize + size, nil
	default:
		idx := bytes.IndexByte(data, '\n')
		if idx < 0 {
			if len(data) > f.max {
				return nil, 0, fmt.Errorf("%w: more than %d bytes without a newline", ErrFrameTooLarge, f.max)
			}
			return nil, 0, nil
		}
		line := bytes.TrimSuffix(data[:idx], []byte("\r"))
		if len(bytes.TrimSpace(line)) == 0 {
			return nil, idx + 1, nil
		}
		return bytes.Clone(line), idx + 1, nil
	}
}

// tail handles bytes left over when the stream ends.
func (f *FrameReader) tail() ([]byte, error) {
	data := f.buf[f.start:]
	if f.framing == LineFraming && len(bytes.TrimSpace(data)) > 0 {
		frame := bytes.Clone(bytes.TrimSuffix(data, []byte("\r")))
		f.start = len(f.buf)
		f.compact()
		return frame, nil
	}
	f.start = len(f.buf)
	f.compact()
	if f.framing == LineFraming {
		return nil, io.EOF
	}
	return nil, io.ErrUnexpectedEOF
}

func (f *FrameReader) fill() error {
	if f.pending != nil {
		err := f.pending
		f.pending = nil
		return err
	}
	if len(f.buf) == cap(f.buf) {
		grown := make([]byte, len(f.buf), 2*cap(f.buf))
		copy(grown, f.buf)
		f.buf = grown
	}
	n, err := f.r.Read(f.buf[len(f.buf):cap(f.buf)])
	f.buf = f.buf[:len(f.buf)+n]
	if n > 0 {
		f.empty = 0
		f.pending = err
		return nil
	}
	if err == nil {
		if f.empty++; f.empty > 100 {
			return io.ErrNoProgress
		}
		return nil
	}
	return err
}

func (f *FrameReader) compact() {
	switch {
	case f.start == len(f.buf):
		f.buf = f.buf[:0]
		f.start = 0
	case f.start > cap(f.buf)/2:
		n := copy(f.buf, f.buf[f.start:])
		f.buf = f.buf[:n]
		f.start = 0
	}
}

// AppendFrame appends data framed according to framing.
func AppendFrame(dst []byte, framing Framing, data []byte) []byte {
	if framing == LengthPrefixFraming {
		dst = binary.BigEndian.AppendUint32(dst, uint32(len(data)))
		return append(dst, data...)
	}
	dst = append(dst, data...)
	return append(dst, '\n')
}
