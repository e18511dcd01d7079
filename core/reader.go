package apkpack

import (
	"encoding/binary"
	"fmt"
	"log/slog"

	"github.com/meigma/apkpack/core/internal/file"
	"github.com/meigma/apkpack/core/internal/zipfmt"
)

// APK Signing Block magic, "APK Sig Block 42", as two little-endian words.
const (
	signingBlockMagicLo uint64 = 0x20676953204b5041
	signingBlockMagicHi uint64 = 0x3234206b636f6c42

	// size field + id-value pairs + size field + magic
	signingBlockMinLen = 8 + 8 + 16
)

// maxCommentLen bounds the backward scan for the end record.
const maxCommentLen = zipfmt.MaxUint16

// DefaultMaxEntrySize is the default limit on an entry's declared
// compressed and uncompressed sizes (1GB).
const DefaultMaxEntrySize = 1 << 30

// ParseOption configures Parse.
type ParseOption func(*parser)

// ParseWithLogger sets the logger used while parsing.
func ParseWithLogger(logger *slog.Logger) ParseOption {
	return func(p *parser) {
		p.logger = logger
	}
}

// ParseWithMaxEntrySize rejects entries whose declared compressed or
// uncompressed size exceeds limit with ErrUnsupportedFeature. Zero disables
// the limit. The default is DefaultMaxEntrySize.
func ParseWithMaxEntrySize(limit uint64) ParseOption {
	return func(p *parser) {
		p.maxEntrySize = limit
	}
}

// centralRecord is a decoded central directory header and its position.
type centralRecord struct {
	zipfmt.CentralHeaderFixed
	pos int64
}

type parser struct {
	data         []byte
	logger       *slog.Logger
	pool         *file.InflatePool
	maxEntrySize uint64

	eocd      zipfmt.EndOfCentral
	eocdPos   int64
	cdOffset  int64
	cdSize    int64
	central   []centralRecord
	byOffset  map[int64]int
	entries   []*Entry
	byName    map[string]*Entry
	signBlock int64
}

// log returns the logger, falling back to a discard logger if nil.
func (p *parser) log() *slog.Logger {
	if p.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return p.logger
}

// Parse reads the archive held in data.
//
// Local headers are walked sequentially from offset 0 and cross-checked
// against the central directory. The walk ends at the central directory; an
// APK Signing Block immediately preceding it is recognized and recorded.
func Parse(data []byte, opts ...ParseOption) (*Archive, error) {
	p := &parser{
		data:         data,
		pool:         file.NewInflatePool(),
		maxEntrySize: DefaultMaxEntrySize,
	}
	for _, opt := range opts {
		opt(p)
	}

	if len(data) < 4 {
		return nil, fmt.Errorf("%w: %d bytes", ErrTruncatedArchive, len(data))
	}
	sig, _ := zipfmt.Signature(data, 0)
	switch sig {
	case zipfmt.LocalHeaderSignature, zipfmt.CentralHeaderSignature, zipfmt.EndOfCentralSignature:
	default:
		return nil, fmt.Errorf("%w: unrecognized signature %#08x at offset 0", ErrCorruptArchive, sig)
	}

	if err := p.readEnd(); err != nil {
		return nil, err
	}
	if err := p.readCentral(); err != nil {
		return nil, err
	}
	if err := p.walk(); err != nil {
		return nil, err
	}

	a := &Archive{
		Entries:                p.entries,
		CentralDirectoryOffset: p.cdOffset,
		CentralDirectorySize:   p.cdSize,
		Comment:                p.eocd.Comment,
		SigningBlockSize:       p.signBlock,
		central:                make([]*Entry, len(p.central)),
		byName:                 p.byName,
		eocdOffset:             p.eocdPos,
	}
	for _, e := range p.entries {
		a.central[p.byOffset[e.HeaderOffset]] = e
	}
	p.log().Debug("parsed archive",
		"entries", len(a.Entries),
		"central_offset", a.CentralDirectoryOffset,
		"signing_block", a.SigningBlockSize)
	return a, nil
}

// readEnd locates and decodes the end of central directory record.
func (p *parser) readEnd() error {
	size := int64(len(p.data))
	if size < zipfmt.EndOfCentralLen {
		return fmt.Errorf("%w: no end of central directory record", ErrTruncatedArchive)
	}
	lowest := max(size-zipfmt.EndOfCentralLen-maxCommentLen, 0)
	pos := int64(-1)
	for i := size - zipfmt.EndOfCentralLen; i >= lowest; i-- {
		if binary.LittleEndian.Uint32(p.data[i:]) != zipfmt.EndOfCentralSignature {
			continue
		}
		clen := int64(binary.LittleEndian.Uint16(p.data[i+20:]))
		if i+zipfmt.EndOfCentralLen+clen <= size {
			pos = i
			break
		}
	}
	if pos < 0 {
		return fmt.Errorf("%w: no end of central directory record", ErrTruncatedArchive)
	}

	e := zipfmt.DecodeEndOfCentral(p.data[pos:])
	commentStart := pos + zipfmt.EndOfCentralLen
	e.Comment = p.data[commentStart : commentStart+int64(e.CommentLen)]

	if e.Disk != 0 || e.CentralDisk != 0 || e.DiskEntries != e.Entries {
		return fmt.Errorf("%w: multi-disk archive", ErrUnsupportedFeature)
	}
	if e.Entries == zipfmt.MaxUint16 || e.CentralSize == zipfmt.MaxUint32 || e.CentralOffset == zipfmt.MaxUint32 {
		return fmt.Errorf("%w: zip64 end of central directory", ErrUnsupportedFeature)
	}
	if loc := pos - zipfmt.Zip64LocatorLen; loc >= 0 {
		if sig, _ := zipfmt.Signature(p.data, loc); sig == zipfmt.Zip64LocatorSignature {
			return fmt.Errorf("%w: zip64 locator", ErrUnsupportedFeature)
		}
	}

	p.eocd = e
	p.eocdPos = pos
	p.cdOffset = int64(e.CentralOffset)
	p.cdSize = int64(e.CentralSize)
	switch end := p.cdOffset + p.cdSize; {
	case end > pos:
		return fmt.Errorf("%w: central directory [%d, %d) overlaps end record at %d",
			ErrCorruptArchive, p.cdOffset, end, pos)
	case end < pos:
		return fmt.Errorf("%w: %d unexpected bytes before end record", ErrCorruptArchive, pos-end)
	}
	return nil
}

// readCentral decodes every central directory header.
func (p *parser) readCentral() error {
	n := int(p.eocd.Entries)
	p.central = make([]centralRecord, 0, n)
	p.byOffset = make(map[int64]int, n)
	end := p.cdOffset + p.cdSize
	pos := p.cdOffset
	for i := range n {
		if pos+zipfmt.CentralHeaderLen > end {
			return fmt.Errorf("%w: central directory ends after %d of %d records", ErrTruncatedArchive, i, n)
		}
		if sig, _ := zipfmt.Signature(p.data, pos); sig != zipfmt.CentralHeaderSignature {
			return fmt.Errorf("%w: signature %#08x in central directory at %d", ErrCorruptArchive, sig, pos)
		}
		h := zipfmt.DecodeCentralHeader(p.data[pos:])
		recEnd := pos + int64(h.Len())
		if recEnd > end {
			return fmt.Errorf("%w: central directory record %d exceeds directory", ErrTruncatedArchive, i)
		}
		b := zipfmt.ReadBuf(p.data[pos+zipfmt.CentralHeaderLen : recEnd])
		h.Name = string(b.Sub(h.NameLen))
		h.Extra = b.Sub(h.ExtraLen)
		h.Comment = b.Sub(h.CommentLen)

		if h.CompressedSize == zipfmt.MaxUint32 || h.UncompressedSize == zipfmt.MaxUint32 ||
			h.Offset == zipfmt.MaxUint32 || zipfmt.HasExtraID(h.Extra, zipfmt.Zip64ExtraID) {
			return fmt.Errorf("%w: zip64 entry %s", ErrUnsupportedFeature, h.Name)
		}
		if limit := p.maxEntrySize; limit > 0 &&
			(uint64(h.CompressedSize) > limit || uint64(h.UncompressedSize) > limit) {
			return fmt.Errorf("%w: entry %s declares %d bytes, limit %d",
				ErrUnsupportedFeature, h.Name, max(h.CompressedSize, h.UncompressedSize), limit)
		}
		if h.DiskStart != 0 {
			return fmt.Errorf("%w: entry %s on disk %d", ErrUnsupportedFeature, h.Name, h.DiskStart)
		}
		off := int64(h.Offset)
		if _, dup := p.byOffset[off]; dup {
			return fmt.Errorf("%w: two central directory records at offset %d", ErrCorruptArchive, off)
		}
		p.byOffset[off] = len(p.central)
		p.central = append(p.central, centralRecord{CentralHeaderFixed: h, pos: pos})
		pos = recEnd
	}
	if pos != end {
		return fmt.Errorf("%w: central directory has %d trailing bytes", ErrCorruptArchive, end-pos)
	}
	return nil
}

// walk reads local headers sequentially until the central directory.
func (p *parser) walk() error {
	p.entries = make([]*Entry, 0, len(p.central))
	p.byName = make(map[string]*Entry, len(p.central))
	pos := int64(0)
	for {
		sig, ok := zipfmt.Signature(p.data, pos)
		if !ok {
			return fmt.Errorf("%w: input ends at %d while reading entries", ErrTruncatedArchive, pos)
		}
		switch {
		case sig == zipfmt.LocalHeaderSignature:
			e, err := p.readEntry(pos)
			if err != nil {
				return err
			}
			pos = e.end()
			continue
		case sig == zipfmt.CentralHeaderSignature && pos == p.cdOffset,
			sig == zipfmt.EndOfCentralSignature && pos == p.cdOffset && p.cdSize == 0:
			// reached the central directory
		case sig == zipfmt.CentralHeaderSignature || sig == zipfmt.EndOfCentralSignature:
			return fmt.Errorf("%w: central directory reached at %d, declared at %d",
				ErrCorruptArchive, pos, p.cdOffset)
		case p.signingBlockAt(pos):
			p.signBlock = p.cdOffset - pos
			p.log().Debug("found signing block", "offset", pos, "size", p.signBlock)
			pos = p.cdOffset
			continue
		default:
			return fmt.Errorf("%w: unrecognized signature %#08x at offset %d", ErrCorruptArchive, sig, pos)
		}
		break
	}
	if len(p.entries) != len(p.central) {
		return fmt.Errorf("%w: %d local entries, %d central directory records",
			ErrCorruptArchive, len(p.entries), len(p.central))
	}
	return nil
}

// signingBlockAt reports whether an APK Signing Block starts at pos and ends
// exactly at the central directory.
func (p *parser) signingBlockAt(pos int64) bool {
	if p.cdOffset-pos < signingBlockMinLen || p.cdOffset > int64(len(p.data)) {
		return false
	}
	head := binary.LittleEndian.Uint64(p.data[pos:])
	footer := p.data[p.cdOffset-24 : p.cdOffset]
	if uint64(p.cdOffset-pos-8) != head || binary.LittleEndian.Uint64(footer) != head { //nolint:gosec // positive
		return false
	}
	return binary.LittleEndian.Uint64(footer[8:]) == signingBlockMagicLo &&
		binary.LittleEndian.Uint64(footer[16:]) == signingBlockMagicHi
}

// readEntry decodes the local header at pos and reconciles it with its
// central directory record.
func (p *parser) readEntry(pos int64) (*Entry, error) {
	size := int64(len(p.data))
	if pos+zipfmt.LocalHeaderLen > size {
		return nil, fmt.Errorf("%w: local header at %d", ErrTruncatedArchive, pos)
	}
	lh := zipfmt.DecodeLocalHeader(p.data[pos:])
	nameStart := pos + zipfmt.LocalHeaderLen
	dataStart := nameStart + int64(lh.NameLen) + int64(lh.ExtraLen)
	if dataStart > size {
		return nil, fmt.Errorf("%w: local header at %d", ErrTruncatedArchive, pos)
	}
	name := string(p.data[nameStart : nameStart+int64(lh.NameLen)])
	extra := p.data[nameStart+int64(lh.NameLen) : dataStart]

	if lh.Flags&zipfmt.FlagEncrypted != 0 {
		return nil, fmt.Errorf("%w: encrypted entry %s", ErrUnsupportedFeature, name)
	}
	method, ok := methodFromID(lh.Method, lh.Flags)
	if !ok {
		return nil, fmt.Errorf("%w: compression method %d for %s", ErrUnsupportedFeature, lh.Method, name)
	}

	idx, ok := p.byOffset[pos]
	if !ok {
		return nil, fmt.Errorf("%w: entry %s at %d has no central directory record", ErrCorruptArchive, name, pos)
	}
	cd := p.central[idx]
	if cd.Name != name {
		return nil, fmt.Errorf("%w: local name %q, central name %q", ErrCorruptArchive, name, cd.Name)
	}
	if cd.Method != lh.Method {
		return nil, fmt.Errorf("%w: %s: local method %d, central method %d", ErrCorruptArchive, name, lh.Method, cd.Method)
	}
	if cd.Flags&zipfmt.FlagEncrypted != 0 {
		return nil, fmt.Errorf("%w: encrypted entry %s", ErrUnsupportedFeature, name)
	}
	streaming := lh.Flags&zipfmt.FlagDescriptor != 0
	if !streaming && (lh.CRC32 != cd.CRC32 || lh.CompressedSize != cd.CompressedSize ||
		lh.UncompressedSize != cd.UncompressedSize) {
		return nil, fmt.Errorf("%w: %s: local header does not match central directory", ErrCorruptArchive, name)
	}
	if IsStored(method) && cd.CompressedSize != cd.UncompressedSize {
		return nil, fmt.Errorf("%w: stored entry %s has compressed size %d, uncompressed %d",
			ErrCorruptArchive, name, cd.CompressedSize, cd.UncompressedSize)
	}
	if _, dup := p.byName[name]; dup {
		return nil, fmt.Errorf("%w: duplicate entry %s", ErrCorruptArchive, name)
	}

	dataEnd := dataStart + int64(cd.CompressedSize)
	if dataEnd > size {
		return nil, fmt.Errorf("%w: data of %s", ErrTruncatedArchive, name)
	}
	if dataEnd > p.cdOffset {
		return nil, fmt.Errorf("%w: data of %s overlaps central directory", ErrCorruptArchive, name)
	}

	e := &Entry{
		Name:             name,
		Method:           method,
		CRC32:            cd.CRC32,
		CompressedSize:   uint64(cd.CompressedSize),
		UncompressedSize: uint64(cd.UncompressedSize),
		HeaderOffset:     pos,
		Flags:            lh.Flags,
		Extra:            extra,
		CentralExtra:     cd.Extra,
		Comment:          cd.Comment,
		Modified:         zipfmt.DOSToTime(cd.ModDate, cd.ModTime),
		CreatorVersion:   cd.CreatorVersion,
		ReaderVersion:    cd.ReaderVersion,
		InternalAttrs:    cd.InternalAttrs,
		ExternalAttrs:    cd.ExternalAttrs,
		raw:              p.data[dataStart:dataEnd],
		pool:             p.pool,
		nameLen:          lh.NameLen,
		centralOffset:    cd.pos,
		centralLen:       cd.Len(),
	}
	if streaming {
		want := zipfmt.Descriptor{
			CRC32:            cd.CRC32,
			CompressedSize:   cd.CompressedSize,
			UncompressedSize: cd.UncompressedSize,
		}
		n, ok, truncated := zipfmt.DecodeDescriptor(p.data[:p.cdOffset], dataEnd, want)
		switch {
		case truncated:
			return nil, fmt.Errorf("%w: data descriptor of %s overlaps central directory", ErrCorruptArchive, name)
		case !ok:
			return nil, fmt.Errorf("%w: data descriptor of %s does not match central directory", ErrCorruptArchive, name)
		}
		e.DescriptorSize = n
	}

	p.entries = append(p.entries, e)
	p.byName[name] = e
	p.log().Debug("entry", "name", name, "method", method.String(), "offset", pos)
	return e, nil
}
