package apkpack

import (
	"bytes"
	"fmt"
	"hash/crc32"
	"io"
	"time"
	"unicode/utf8"

	"github.com/meigma/apkpack/core/internal/file"
	"github.com/meigma/apkpack/core/internal/zipfmt"
)

// Entry is one member of an archive.
//
// Entries returned by Parse reference the input buffer; the caller must not
// modify the input while they are in use.
type Entry struct {
	// Name is the entry path as stored in the archive.
	Name string

	// Method is the compression method the entry data is encoded with.
	Method Method

	// CRC32 is the IEEE checksum of the uncompressed content.
	CRC32 uint32

	// CompressedSize is the length of the encoded data span.
	CompressedSize uint64

	// UncompressedSize is the length of the decoded content.
	UncompressedSize uint64

	// HeaderOffset is the file offset of the local file header.
	HeaderOffset int64

	// Flags holds the general purpose bits of the local header.
	Flags uint16

	// Extra is the local header extra field.
	Extra []byte

	// CentralExtra is the central directory extra field.
	CentralExtra []byte

	// Comment is the per-entry comment from the central directory.
	Comment []byte

	// Modified is the DOS timestamp. The zero value encodes as 0/0.
	Modified time.Time

	CreatorVersion uint16
	ReaderVersion  uint16
	InternalAttrs  uint16
	ExternalAttrs  uint32

	// DescriptorSize is the length of a trailing data descriptor, or 0.
	DescriptorSize int

	raw           []byte // encoded data span
	content       []byte // decoded content, set by NewEntry
	decoded       bool
	pool          *file.InflatePool
	nameLen       int
	centralOffset int64
	centralLen    int
}

// NewEntry returns an entry holding content, to be encoded with method when
// written without a policy.
func NewEntry(name string, content []byte, method Method) *Entry {
	var flags uint16
	if !isASCII(name) && utf8.ValidString(name) {
		flags |= zipfmt.FlagUTF8
	}
	return &Entry{
		Name:             name,
		Method:           method,
		CRC32:            crc32.ChecksumIEEE(content),
		UncompressedSize: uint64(len(content)),
		CompressedSize:   uint64(len(content)),
		Flags:            flags,
		content:          content,
		decoded:          true,
		nameLen:          len(name),
	}
}

// DataOffset returns the file offset of the first data byte.
func (e *Entry) DataOffset() int64 {
	return e.HeaderOffset + zipfmt.LocalHeaderLen + int64(e.nameLen) + int64(len(e.Extra))
}

// end returns the offset just past the data span and any descriptor.
func (e *Entry) end() int64 {
	return e.DataOffset() + int64(e.CompressedSize) + int64(e.DescriptorSize) //nolint:gosec // sizes bounded by 32-bit fields
}

// IsDir reports whether the entry names a directory.
func (e *Entry) IsDir() bool {
	return len(e.Name) > 0 && e.Name[len(e.Name)-1] == '/'
}

// unixMade reports whether the creator host is UNIX, meaning the high 16 bits
// of ExternalAttrs hold a mode.
func (e *Entry) unixMade() bool {
	return e.CreatorVersion>>8 == zipfmt.HostUNIX
}

// Content returns the decoded entry content, verified against CRC32.
//
// Stored entries return a slice of the input buffer.
func (e *Entry) Content() ([]byte, error) {
	if e.decoded {
		return e.content, nil
	}
	var out []byte
	switch e.Method.(type) {
	case Stored:
		out = e.raw
	case Deflated:
		var err error
		out, err = e.pool.Inflate(e.raw, e.UncompressedSize)
		if err != nil {
			return nil, fmt.Errorf("%w: inflate %s: %v", ErrCorruptArchive, e.Name, err)
		}
	default:
		return nil, fmt.Errorf("%w: method %d for %s", ErrUnsupportedFeature, e.Method.ID(), e.Name)
	}
	if got := crc32.ChecksumIEEE(out); got != e.CRC32 {
		return nil, fmt.Errorf("%w: %s: crc32 %08x, expected %08x", ErrCorruptArchive, e.Name, got, e.CRC32)
	}
	return out, nil
}

// Open returns a reader over the decoded content.
func (e *Entry) Open() (io.ReadCloser, error) {
	b, err := e.Content()
	if err != nil {
		return nil, err
	}
	return io.NopCloser(bytes.NewReader(b)), nil
}

func isASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] >= utf8.RuneSelf {
			return false
		}
	}
	return true
}
