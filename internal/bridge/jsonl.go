package bridge

import (
	"bufio"
	"bytes"
	"io"
)

type lineReader struct {
	reader *bufio.Reader
}

type decodeError struct {
	line []byte
	err  error
}

func (e *decodeError) Error() string {
	if e == nil || e.err == nil {
		return "jsonl decode error"
	}
	return e.err.Error()
}

func (e *decodeError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.err
}

func (e *decodeError) Line() []byte {
	if e == nil {
		return nil
	}
	return e.line
}

func newLineReader(r io.Reader) *lineReader {
	return &lineReader{reader: bufio.NewReaderSize(r, 64*1024)}
}

// Next returns the next non-blank message. Undecodable lines come back as
// *decodeError and the reader stays usable.
func (s *lineReader) Next() (Message, error) {
	for {
		line, err := s.reader.ReadBytes('\n')
		if len(line) == 0 && err != nil {
			return Message{}, err
		}
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			if err != nil {
				return Message{}, err
			}
			continue
		}
		msg, decodeErr := decodeMessage(line)
		if decodeErr != nil {
			return Message{}, &decodeError{line: append([]byte(nil), line...), err: decodeErr}
		}
		return msg, nil
	}
}

func previewText(value string, max int) string {
	if max <= 0 || len(value) <= max {
		return value
	}
	return value[:max]
}
