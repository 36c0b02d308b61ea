package gateway

import (
	"bufio"
	"bytes"
	"io"
)

// maxEventSize bounds a single SSE event.
const maxEventSize = 1 << 20

// sseReader parses Server-Sent Events from a response body.
type sseReader struct {
	scanner *bufio.Scanner
}

func newSSEReader(r io.Reader) *sseReader {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxEventSize)
	return &sseReader{scanner: scanner}
}

// next returns the data payload of the next event. Multi-line data fields are
// joined with newlines. Comment lines and id/retry/event fields are ignored.
// Returns io.EOF when the stream ends with no pending data.
func (s *sseReader) next() ([]byte, error) {
	var data [][]byte

	for s.scanner.Scan() {
		line := bytes.TrimRight(s.scanner.Bytes(), "\r")

		if len(line) == 0 {
			if len(data) > 0 {
				return bytes.Join(data, []byte("\n")), nil
			}
			continue
		}

		if bytes.HasPrefix(line, []byte("data:")) {
			value := bytes.TrimPrefix(line[5:], []byte(" "))
			data = append(data, bytes.Clone(value))
		}
	}

	if err := s.scanner.Err(); err != nil {
		return nil, err
	}
	if len(data) > 0 {
		return bytes.Join(data, []byte("\n")), nil
	}
	return nil, io.EOF
}
