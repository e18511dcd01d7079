package apkpack

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/meigma/apkpack/core/internal/file"
	"github.com/meigma/apkpack/core/internal/zipfmt"
)

// Attributes written for entries whose source carried no UNIX mode.
const (
	defaultFileAttrs = 0o100644 << 16
	defaultDirAttrs  = 0o40755<<16 | 0x10 // MS-DOS directory bit
)

// creatorVersion is "made by UNIX, ZIP version 2.0".
const creatorVersion = zipfmt.HostUNIX<<8 | zipfmt.Version20

// WriteOption configures Write and Repack.
type WriteOption func(*writeConfig)

type writeConfig struct {
	modified    time.Time
	modifiedSet bool
	comment     []byte
	logger      *slog.Logger
}

// WriteWithModified stamps every entry with t instead of its own timestamp.
// Use a fixed value for reproducible output.
func WriteWithModified(t time.Time) WriteOption {
	return func(c *writeConfig) {
		c.modified = t
		c.modifiedSet = true
	}
}

// WriteWithComment sets the end of central directory comment.
func WriteWithComment(comment []byte) WriteOption {
	return func(c *writeConfig) {
		c.comment = comment
	}
}

// WriteWithLogger sets the logger used while writing.
func WriteWithLogger(logger *slog.Logger) WriteOption {
	return func(c *writeConfig) {
		c.logger = logger
	}
}

// WriteResult summarizes a written archive.
type WriteResult struct {
	// Size is the total number of bytes written.
	Size int64

	// CentralDirectoryOffset is the file offset of the central directory.
	CentralDirectoryOffset int64

	// Entries, Stored and Deflated count written entries by method.
	Entries  int
	Stored   int
	Deflated int
}

// writer emits one archive. It is used for a single Write call.
type writer struct {
	cw       *file.CountingWriter
	cfg      writeConfig
	policy   *Policy
	deflater *file.Deflater
	central  []zipfmt.CentralHeader
	result   WriteResult
}

// log returns the logger, falling back to a discard logger if nil.
func (c *writeConfig) log() *slog.Logger {
	if c.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return c.logger
}

// Write encodes entries, in order, as a new archive on dst.
//
// Each entry's method comes from policy; a nil policy keeps the entry's own
// method. Content is recompressed from the decoded bytes, so CRCs and sizes
// always describe what is written. Data descriptors are never emitted.
func Write(dst io.Writer, entries []*Entry, policy *Policy, opts ...WriteOption) (*WriteResult, error) {
	w := &writer{
		cw:       &file.CountingWriter{W: dst},
		policy:   policy,
		deflater: file.NewDeflater(),
		central:  make([]zipfmt.CentralHeader, 0, len(entries)),
	}
	for _, opt := range opts {
		opt(&w.cfg)
	}
	// 0xffff is the zip64 escape value, so it is not a valid count either.
	if len(entries) >= zipfmt.MaxUint16 {
		return nil, fmt.Errorf("%w: %d entries", ErrUnsupportedFeature, len(entries))
	}
	if len(w.cfg.comment) > zipfmt.MaxUint16 {
		return nil, fmt.Errorf("%w: archive comment of %d bytes", ErrUnsupportedFeature, len(w.cfg.comment))
	}

	for _, e := range entries {
		if err := w.writeEntry(e); err != nil {
			return nil, err
		}
	}
	if err := w.writeCentral(); err != nil {
		return nil, err
	}
	w.result.Size = w.cw.N
	w.cfg.log().Info("wrote archive",
		"entries", w.result.Entries,
		"stored", w.result.Stored,
		"deflated", w.result.Deflated,
		"size", w.result.Size)
	res := w.result
	return &res, nil
}

func (w *writer) writeEntry(e *Entry) error {
	content, err := e.Content()
	if err != nil {
		return err
	}
	method := e.Method
	if w.policy != nil {
		method = w.policy.Method(e.Name)
	}
	if e.IsDir() {
		// Directories have no content to compress.
		method = Stored{}
	}

	data := content
	flags := e.Flags & zipfmt.FlagUTF8
	version := zipfmt.Version10
	switch m := method.(type) {
	case Stored:
		w.result.Stored++
	case Deflated:
		data, err = w.deflater.Deflate(content, m.Level)
		if err != nil {
			return fmt.Errorf("%w: %s: %v", ErrCompressionFailure, e.Name, err)
		}
		flags |= deflateFlags(m.Level)
		version = zipfmt.Version20
		w.result.Deflated++
	default:
		return fmt.Errorf("%w: method %v for %s", ErrUnsupportedFeature, method, e.Name)
	}
	if e.IsDir() {
		version = zipfmt.Version20
	}

	offset := w.cw.N
	if int64(len(content)) > zipfmt.MaxUint32 || int64(len(data)) > zipfmt.MaxUint32 || offset > zipfmt.MaxUint32 {
		return fmt.Errorf("%w: %s exceeds 4 GiB limits", ErrUnsupportedFeature, e.Name)
	}
	if len(e.Name) > zipfmt.MaxUint16 || len(e.CentralExtra) > zipfmt.MaxUint16 || len(e.Comment) > zipfmt.MaxUint16 {
		return fmt.Errorf("%w: %s has oversized header fields", ErrUnsupportedFeature, e.Name)
	}

	// Alignment padding from an earlier pass is stale once offsets change.
	extra, err := zipfmt.StripAlignment(e.Extra)
	if err != nil {
		extra = e.Extra
	}

	modified := e.Modified
	if w.cfg.modifiedSet {
		modified = w.cfg.modified
	}
	date, tm := zipfmt.TimeToDOS(modified)

	lh := zipfmt.LocalHeader{
		ReaderVersion:    version,
		Flags:            flags,
		Method:           method.ID(),
		ModTime:          tm,
		ModDate:          date,
		CRC32:            e.CRC32,
		CompressedSize:   uint32(len(data)),    //nolint:gosec // checked above
		UncompressedSize: uint32(len(content)), //nolint:gosec // checked above
		Name:             e.Name,
		Extra:            extra,
	}
	if err := w.cw.WriteAll(lh.Append(nil), data); err != nil {
		return fmt.Errorf("write %s: %w", e.Name, err)
	}

	w.central = append(w.central, zipfmt.CentralHeader{
		CreatorVersion:   creatorVersion,
		ReaderVersion:    lh.ReaderVersion,
		Flags:            lh.Flags,
		Method:           lh.Method,
		ModTime:          lh.ModTime,
		ModDate:          lh.ModDate,
		CRC32:            lh.CRC32,
		CompressedSize:   lh.CompressedSize,
		UncompressedSize: lh.UncompressedSize,
		InternalAttrs:    e.InternalAttrs,
		ExternalAttrs:    externalAttrs(e),
		Offset:           uint32(offset), //nolint:gosec // checked above
		Name:             e.Name,
		Extra:            e.CentralExtra,
		Comment:          e.Comment,
	})
	w.result.Entries++
	w.cfg.log().Debug("wrote entry", "name", e.Name, "method", method.String(), "offset", offset, "size", len(data))
	return nil
}

func (w *writer) writeCentral() error {
	start := w.cw.N
	if start > zipfmt.MaxUint32 {
		return fmt.Errorf("%w: central directory offset %d", ErrUnsupportedFeature, start)
	}
	buf := make([]byte, 0, 4096)
	for i := range w.central {
		buf = w.central[i].Append(buf[:0])
		if err := w.cw.WriteAll(buf); err != nil {
			return fmt.Errorf("write central directory: %w", err)
		}
	}
	size := w.cw.N - start
	if size > zipfmt.MaxUint32 {
		return fmt.Errorf("%w: central directory size %d", ErrUnsupportedFeature, size)
	}
	n := uint16(len(w.central)) //nolint:gosec // checked by Write
	eocd := zipfmt.EndOfCentral{
		DiskEntries:   n,
		Entries:       n,
		CentralSize:   uint32(size),  //nolint:gosec // checked above
		CentralOffset: uint32(start), //nolint:gosec // checked above
		Comment:       w.cfg.comment,
	}
	if err := w.cw.WriteAll(eocd.Append(nil)); err != nil {
		return fmt.Errorf("write end of central directory: %w", err)
	}
	w.result.CentralDirectoryOffset = start
	return nil
}

func externalAttrs(e *Entry) uint32 {
	if e.unixMade() && e.ExternalAttrs>>16 != 0 {
		return e.ExternalAttrs
	}
	if e.IsDir() {
		return defaultDirAttrs
	}
	return defaultFileAttrs
}

// Repack rewrites src with methods chosen by policy and returns the encoded
// archive. The archive comment is kept. An APK Signing Block is dropped
// because any rewrite invalidates it.
func Repack(src *Archive, policy *Policy, opts ...WriteOption) ([]byte, *WriteResult, error) {
	cfg := writeConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}
	if src.Signed() {
		cfg.log().Info("dropping signing block; output must be re-signed", "size", src.SigningBlockSize)
	}

	var buf bytes.Buffer
	all := append([]WriteOption{WriteWithComment(src.Comment)}, opts...)
	res, err := Write(&buf, src.Entries, policy, all...)
	if err != nil {
		return nil, nil, err
	}
	return buf.Bytes(), res, nil
}
