package llm

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
)

// Stream is a lazy, finite, non-restartable sequence of generated text
// fragments. Recv returns fragments in arrival order and io.EOF after the
// final one; Close cancels the underlying request and releases the
// connection. A Stream is not safe for concurrent Recv calls.
type Stream struct {
	body    io.ReadCloser
	scanner *bufio.Scanner
	cancel  context.CancelFunc
	done    bool
	err     error
}

func newStream(body io.ReadCloser, cancel context.CancelFunc) *Stream {
	sc := bufio.NewScanner(body)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	return &Stream{body: body, scanner: sc, cancel: cancel}
}

type generateChunk struct {
	Response string `json:"response"`
	Done     bool   `json:"done"`
}

// Recv returns the next text fragment. After the end marker it returns
// "", io.EOF; after a transport failure it returns the classified error.
func (s *Stream) Recv() (string, error) {
	if s.done {
		if s.err != nil {
			return "", s.err
		}
		return "", io.EOF
	}
	for s.scanner.Scan() {
		line := s.scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var chunk generateChunk
		if err := json.Unmarshal(line, &chunk); err != nil {
			continue // skip malformed keep-alive lines
		}
		if chunk.Done {
			s.finish(nil)
			if chunk.Response != "" {
				return chunk.Response, nil
			}
			return "", io.EOF
		}
		return chunk.Response, nil
	}
	if err := s.scanner.Err(); err != nil {
		s.finish(classifyTransportErr(err))
		return "", s.err
	}
	s.finish(nil)
	return "", io.EOF
}

// Text drains the stream and returns the concatenated fragments.
func (s *Stream) Text() (string, error) {
	var out []byte
	for {
		frag, err := s.Recv()
		if err == io.EOF {
			return string(out), nil
		}
		if err != nil {
			return string(out), err
		}
		out = append(out, frag...)
	}
}

// Close cancels the request and closes the connection. Safe to call at any
// point, including mid-stream and more than once.
func (s *Stream) Close() error {
	s.finish(s.err)
	return nil
}

func (s *Stream) finish(err error) {
	if s.done {
		return
	}
	s.done = true
	s.err = err
	s.cancel()
	_ = s.body.Close()
}
