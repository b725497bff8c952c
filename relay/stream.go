package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
)

// readerStream splits a plain reader into chunks. It keeps a single byte of look-ahead to
// mark the last chunk, so it never holds more than one chunk.
type readerStream struct {
	r         io.Reader
	chunkSize int64
	size      int64

	index int
	read  int64
	peek  []byte
	done  bool
	err   error
}

// NewReaderStream returns a SourceStream over r. size may be SizeUnknown; a known size is
// verified against the bytes actually read. If r is an io.Closer, Close closes it.
//
// A plain reader cannot go back, so read failures are reported as ErrSourceCorrupt.
func NewReaderStream(r io.Reader, chunkSize, size int64) SourceStream {
	return &readerStream{r: r, chunkSize: chunkSize, size: size}
}

func (s *readerStream) Size() int64 {
	return s.size
}

func (s *readerStream) Next(_ context.Context) (Chunk, error) {
	if s.err != nil {
		return Chunk{}, s.err
	}
	if s.done {
		return Chunk{}, io.EOF
	}

	buf := make([]byte, s.chunkSize)
	n := copy(buf, s.peek)
	s.peek = nil

	m, err := io.ReadFull(s.r, buf[n:])
	n += m

	var last bool
	switch {
	case err == nil:
		var one [1]byte
		k, peekErr := io.ReadFull(s.r, one[:])
		switch {
		case k == 1:
			s.peek = one[:]
		case peekErr == io.EOF:
			last = true
		default:
			return Chunk{}, s.fail(peekErr)
		}
	case errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF):
		last = true
	default:
		return Chunk{}, s.fail(err)
	}

	s.read += int64(n)
	if last && s.size != SizeUnknown && s.read != s.size {
		s.err = NewChunkError(KindSourceCorrupt, "read", s.index, fmt.Errorf("read %d bytes, expected %d", s.read, s.size))
		return Chunk{}, s.err
	}
	if s.size != SizeUnknown && s.read > s.size {
		s.err = NewChunkError(KindSourceCorrupt, "read", s.index, fmt.Errorf("read more than the expected %d bytes", s.size))
		return Chunk{}, s.err
	}

	chunk := Chunk{Index: s.index, Data: buf[:n], Last: last}
	s.index++
	s.done = last
	return chunk, nil
}

func (s *readerStream) fail(err error) error {
	s.err = NewChunkError(KindSourceCorrupt, "read", s.index, fmt.Errorf("stream cannot be replayed after a read failure: %w", err))
	return s.err
}

func (s *readerStream) Close() error {
	if closer, ok := s.r.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}
