package session

import (
	"bufio"
	"bytes"
	"errors"
	"io"
)

// ErrRecordTooLarge is returned for a line that exceeds the record limit.
// The oversized line is consumed so the stream stays aligned.
var ErrRecordTooLarge = errors.New("session: record too large")

// WriteRecord writes payload as one newline-terminated record.
func WriteRecord(w io.Writer, payload []byte) error {
	buf := make([]byte, 0, len(payload)+1)
	buf = append(buf, payload...)
	buf = append(buf, '\n')
	_, err := w.Write(buf)
	return err
}

// ReadRecord reads the next non-empty newline-terminated record.
func ReadRecord(r *bufio.Reader, max int) ([]byte, error) {
	for {
		line, err := readLine(r, max)
		if err != nil {
			return nil, err
		}
		line = bytes.TrimRight(line, "\r\n")
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		return line, nil
	}
}

func readLine(r *bufio.Reader, max int) ([]byte, error) {
	var out []byte
	oversized := false
	for {
		chunk, err := r.ReadSlice('\n')
		if !oversized {
			if max > 0 && len(out)+len(chunk) > max+2 {
				oversized = true
				out = nil
			} else {
				out = append(out, chunk...)
			}
		}
		switch {
		case err == nil:
			if oversized {
				return nil, ErrRecordTooLarge
			}
			return out, nil
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		case errors.Is(err, io.EOF) && len(out) > 0 && !oversized:
			return out, nil
		default:
			return nil, err
		}
	}
}
