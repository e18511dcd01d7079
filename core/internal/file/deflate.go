package file

import (
	"bytes"

	"github.com/klauspost/compress/flate"
)

// Deflater compresses entry content, reusing one encoder per level.
// A Deflater is not safe for concurrent use.
type Deflater struct {
	writers map[int]*flate.Writer
	buf     bytes.Buffer
}

// NewDeflater returns an empty Deflater.
func NewDeflater() *Deflater {
	return &Deflater{writers: make(map[int]*flate.Writer)}
}

// Deflate compresses content at the given level and returns a copy of the
// encoded bytes.
func (d *Deflater) Deflate(content []byte, level int) ([]byte, error) {
	d.buf.Reset()
	w, ok := d.writers[level]
	if ok {
		w.Reset(&d.buf)
	} else {
		var err error
		w, err = flate.NewWriter(&d.buf, level)
		if err != nil {
			return nil, err
		}
		d.writers[level] = w
	}
	if _, err := w.Write(content); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return bytes.Clone(d.buf.Bytes()), nil
}
