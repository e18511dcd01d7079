package file

import (
	"errors"
	"io"
)

// ErrOverflow indicates a counter exceeded its maximum value.
var ErrOverflow = errors.New("counter overflow")

// CountingWriter wraps a writer and counts bytes written. The count is the
// file offset of the next byte when the wrapped writer starts at offset 0.
type CountingWriter struct {
	W io.Writer
	N int64
}

// Write implements io.Writer.
func (cw *CountingWriter) Write(p []byte) (int, error) {
	n, err := cw.W.Write(p)
	if n > 0 {
		if cw.N > int64(^uint64(0)>>1)-int64(n) {
			return n, ErrOverflow
		}
		cw.N += int64(n)
	}
	return n, err
}

// WriteAll writes each chunk in order, stopping at the first error.
func (cw *CountingWriter) WriteAll(chunks ...[]byte) error {
	for _, c := range chunks {
		if _, err := cw.Write(c); err != nil {
			return err
		}
	}
	return nil
}
