package rag

import (
	"io"
	"strings"

	"github.com/kotae-ai/kotae/internal/llm"
)

// Stream delivers a generated answer incrementally. It wraps the model
// connector's stream and records the completed exchange in the conversation
// history once the final fragment has been read.
type Stream struct {
	inner    *llm.Stream
	record   func(answer string)
	buf      strings.Builder
	recorded bool
}

// Recv returns the next fragment. It returns io.EOF after the final
// fragment; any other error means the stream was cut short.
func (s *Stream) Recv() (string, error) {
	frag, err := s.inner.Recv()
	if err == nil {
		s.buf.WriteString(frag)
		return frag, nil
	}
	if err == io.EOF && !s.recorded {
		s.recorded = true
		if s.record != nil {
			s.record(s.buf.String())
		}
	}
	return "", err
}

// Text drains the stream and returns the concatenated answer.
func (s *Stream) Text() (string, error) {
	for {
		if _, err := s.Recv(); err != nil {
			if err == io.EOF {
				return s.buf.String(), nil
			}
			return "", err
		}
	}
}

// Close abandons the stream. It is safe to call more than once and after
// the stream is drained.
func (s *Stream) Close() error {
	return s.inner.Close()
}
