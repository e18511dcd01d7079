package file

import (
	"bytes"
	"fmt"
	"io"
	"sync"

	"github.com/klauspost/compress/flate"
)

// maxDeflateRatio is the largest expansion a DEFLATE stream can achieve.
const maxDeflateRatio = 1032

// initialInflateCap bounds the up-front output allocation.
const initialInflateCap = 1 << 20

// InflatePool manages reusable DEFLATE decoders to reduce allocation overhead.
// The zero value is not usable; call NewInflatePool.
type InflatePool struct {
	pool *sync.Pool
}

// NewInflatePool creates a new pool of flate readers.
func NewInflatePool() *InflatePool {
	return &InflatePool{
		pool: &sync.Pool{
			New: func() any {
				return flate.NewReader(bytes.NewReader(nil))
			},
		},
	}
}

// Get returns a decoder reading from r.
// The caller must call the returned release function when done.
func (p *InflatePool) Get(r io.Reader) (io.ReadCloser, func()) {
	if p == nil || p.pool == nil {
		rc := flate.NewReader(r)
		return rc, func() { _ = rc.Close() }
	}

	rc, ok := p.pool.Get().(io.ReadCloser)
	if !ok {
		rc = flate.NewReader(r)
		return rc, func() { _ = rc.Close() }
	}
	resetter, ok := rc.(flate.Resetter)
	if !ok || resetter.Reset(r, nil) != nil {
		// Unusable pooled decoder, fall back to a fresh one
		rc = flate.NewReader(r)
		return rc, func() { _ = rc.Close() }
	}

	return rc, func() {
		_ = rc.Close()
		p.pool.Put(rc)
	}
}

// Inflate decodes raw DEFLATE data that must expand to exactly size bytes.
//
// The declared size only caps the output; the buffer grows with the bytes
// actually decoded, never past what raw can expand to.
func (p *InflatePool) Inflate(raw []byte, size uint64) ([]byte, error) {
	rc, release := p.Get(bytes.NewReader(raw))
	defer release()

	limit := (uint64(len(raw)) + 1) * maxDeflateRatio
	if size > limit {
		return nil, fmt.Errorf("declared %d bytes, %d compressed bytes expand to at most %d", size, len(raw), limit)
	}
	buf := bytes.NewBuffer(make([]byte, 0, min(size, initialInflateCap)))
	// One extra byte detects streams longer than declared.
	n, err := io.Copy(buf, io.LimitReader(rc, int64(size)+1)) //nolint:gosec // size bounded by 32-bit ZIP fields
	if err != nil {
		return nil, err
	}
	if uint64(n) != size { //nolint:gosec // n is non-negative
		return nil, fmt.Errorf("inflated %d bytes, expected %d", n, size)
	}
	return buf.Bytes(), nil
}
