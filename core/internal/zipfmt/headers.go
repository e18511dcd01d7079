package zipfmt

import "encoding/binary"

// LocalHeader is a local file header.
type LocalHeader struct {
	ReaderVersion    uint16
	Flags            uint16
	Method           uint16
	ModTime          uint16
	ModDate          uint16
	CRC32            uint32
	CompressedSize   uint32
	UncompressedSize uint32
	Name             string
	Extra            []byte
}

// LocalHeaderFixed holds the fixed-size portion of a local header along with
// the lengths of the variable fields that follow it.
type LocalHeaderFixed struct {
	LocalHeader
	NameLen  int
	ExtraLen int
}

// DecodeLocalHeader decodes the fixed 30 bytes of a local header. The
// signature is assumed to be checked by the caller. b must hold at least
// LocalHeaderLen bytes.
func DecodeLocalHeader(b []byte) LocalHeaderFixed {
	r := ReadBuf(b[4:LocalHeaderLen])
	var h LocalHeaderFixed
	h.ReaderVersion = r.Uint16()
	h.Flags = r.Uint16()
	h.Method = r.Uint16()
	h.ModTime = r.Uint16()
	h.ModDate = r.Uint16()
	h.CRC32 = r.Uint32()
	h.CompressedSize = r.Uint32()
	h.UncompressedSize = r.Uint32()
	h.NameLen = int(r.Uint16())
	h.ExtraLen = int(r.Uint16())
	return h
}

// Append encodes the header and appends it to dst.
func (h *LocalHeader) Append(dst []byte) []byte {
	dst = binary.LittleEndian.AppendUint32(dst, LocalHeaderSignature)
	dst = binary.LittleEndian.AppendUint16(dst, h.ReaderVersion)
	dst = binary.LittleEndian.AppendUint16(dst, h.Flags)
	dst = binary.LittleEndian.AppendUint16(dst, h.Method)
	dst = binary.LittleEndian.AppendUint16(dst, h.ModTime)
	dst = binary.LittleEndian.AppendUint16(dst, h.ModDate)
	dst = binary.LittleEndian.AppendUint32(dst, h.CRC32)
	dst = binary.LittleEndian.AppendUint32(dst, h.CompressedSize)
	dst = binary.LittleEndian.AppendUint32(dst, h.UncompressedSize)
	dst = binary.LittleEndian.AppendUint16(dst, uint16(len(h.Name)))  //nolint:gosec // callers bound lengths
	dst = binary.LittleEndian.AppendUint16(dst, uint16(len(h.Extra))) //nolint:gosec // callers bound lengths
	dst = append(dst, h.Name...)
	return append(dst, h.Extra...)
}

// CentralHeader is a central directory file header.
type CentralHeader struct {
	CreatorVersion   uint16
	ReaderVersion    uint16
	Flags            uint16
	Method           uint16
	ModTime          uint16
	ModDate          uint16
	CRC32            uint32
	CompressedSize   uint32
	UncompressedSize uint32
	DiskStart        uint16
	InternalAttrs    uint16
	ExternalAttrs    uint32
	Offset           uint32
	Name             string
	Extra            []byte
	Comment          []byte
}

// CentralHeaderFixed holds the fixed portion of a central directory header
// plus the lengths of its variable fields.
type CentralHeaderFixed struct {
	CentralHeader
	NameLen    int
	ExtraLen   int
	CommentLen int
}

// Len returns the encoded length of the record.
func (h *CentralHeaderFixed) Len() int {
	return CentralHeaderLen + h.NameLen + h.ExtraLen + h.CommentLen
}

// DecodeCentralHeader decodes the fixed 46 bytes of a central directory
// header. b must hold at least CentralHeaderLen bytes.
func DecodeCentralHeader(b []byte) CentralHeaderFixed {
	r := ReadBuf(b[4:CentralHeaderLen])
	var h CentralHeaderFixed
	h.CreatorVersion = r.Uint16()
	h.ReaderVersion = r.Uint16()
	h.Flags = r.Uint16()
	h.Method = r.Uint16()
	h.ModTime = r.Uint16()
	h.ModDate = r.Uint16()
	h.CRC32 = r.Uint32()
	h.CompressedSize = r.Uint32()
	h.UncompressedSize = r.Uint32()
	h.NameLen = int(r.Uint16())
	h.ExtraLen = int(r.Uint16())
	h.CommentLen = int(r.Uint16())
	h.DiskStart = r.Uint16()
	h.InternalAttrs = r.Uint16()
	h.ExternalAttrs = r.Uint32()
	h.Offset = r.Uint32()
	return h
}

// Append encodes the header and appends it to dst.
func (h *CentralHeader) Append(dst []byte) []byte {
	dst = binary.LittleEndian.AppendUint32(dst, CentralHeaderSignature)
	dst = binary.LittleEndian.AppendUint16(dst, h.CreatorVersion)
	dst = binary.LittleEndian.AppendUint16(dst, h.ReaderVersion)
	dst = binary.LittleEndian.AppendUint16(dst, h.Flags)
	dst = binary.LittleEndian.AppendUint16(dst, h.Method)
	dst = binary.LittleEndian.AppendUint16(dst, h.ModTime)
	dst = binary.LittleEndian.AppendUint16(dst, h.ModDate)
	dst = binary.LittleEndian.AppendUint32(dst, h.CRC32)
	dst = binary.LittleEndian.AppendUint32(dst, h.CompressedSize)
	dst = binary.LittleEndian.AppendUint32(dst, h.UncompressedSize)
	dst = binary.LittleEndian.AppendUint16(dst, uint16(len(h.Name)))    //nolint:gosec // callers bound lengths
	dst = binary.LittleEndian.AppendUint16(dst, uint16(len(h.Extra)))   //nolint:gosec // callers bound lengths
	dst = binary.LittleEndian.AppendUint16(dst, uint16(len(h.Comment))) //nolint:gosec // callers bound lengths
	dst = binary.LittleEndian.AppendUint16(dst, h.DiskStart)
	dst = binary.LittleEndian.AppendUint16(dst, h.InternalAttrs)
	dst = binary.LittleEndian.AppendUint32(dst, h.ExternalAttrs)
	dst = binary.LittleEndian.AppendUint32(dst, h.Offset)
	dst = append(dst, h.Name...)
	dst = append(dst, h.Extra...)
	return append(dst, h.Comment...)
}

// EndOfCentral is the end of central directory record.
type EndOfCentral struct {
	Disk          uint16
	CentralDisk   uint16
	DiskEntries   uint16
	Entries       uint16
	CentralSize   uint32
	CentralOffset uint32
	Comment       []byte
	CommentLen    int
}

// DecodeEndOfCentral decodes the fixed 22 bytes of the end record. The
// comment is not sliced; CommentLen reports its declared length.
func DecodeEndOfCentral(b []byte) EndOfCentral {
	r := ReadBuf(b[4:EndOfCentralLen])
	var e EndOfCentral
	e.Disk = r.Uint16()
	e.CentralDisk = r.Uint16()
	e.DiskEntries = r.Uint16()
	e.Entries = r.Uint16()
	e.CentralSize = r.Uint32()
	e.CentralOffset = r.Uint32()
	e.CommentLen = int(r.Uint16())
	return e
}

// Append encodes the record and appends it to dst.
func (e *EndOfCentral) Append(dst []byte) []byte {
	dst = binary.LittleEndian.AppendUint32(dst, EndOfCentralSignature)
	dst = binary.LittleEndian.AppendUint16(dst, e.Disk)
	dst = binary.LittleEndian.AppendUint16(dst, e.CentralDisk)
	dst = binary.LittleEndian.AppendUint16(dst, e.DiskEntries)
	dst = binary.LittleEndian.AppendUint16(dst, e.Entries)
	dst = binary.LittleEndian.AppendUint32(dst, e.CentralSize)
	dst = binary.LittleEndian.AppendUint32(dst, e.CentralOffset)
	dst = binary.LittleEndian.AppendUint16(dst, uint16(len(e.Comment))) //nolint:gosec // callers bound lengths
	return append(dst, e.Comment...)
}

// Descriptor is a data descriptor trailing a streamed entry.
type Descriptor struct {
	CRC32            uint32
	CompressedSize   uint32
	UncompressedSize uint32
}

// DecodeDescriptor decodes a data descriptor at off. It accepts the optional
// signature form (16 bytes) and the bare form (12 bytes), preferring the
// signed form when it matches want. ok is false when neither form matches;
// truncated is set when the bare form does not fit inside data.
func DecodeDescriptor(data []byte, off int64, want Descriptor) (length int, ok bool, truncated bool) {
	end := int64(len(data))
	if sig, ok := Signature(data, off); ok && sig == DataDescriptorSignature && off+4+DataDescriptorLen <= end {
		if decodeDescriptorFields(data[off+4:]) == want {
			return 4 + DataDescriptorLen, true, false
		}
	}
	if off+DataDescriptorLen > end {
		return 0, false, true
	}
	if decodeDescriptorFields(data[off:]) == want {
		return DataDescriptorLen, true, false
	}
	return 0, false, false
}

func decodeDescriptorFields(b []byte) Descriptor {
	r := ReadBuf(b[:DataDescriptorLen])
	return Descriptor{
		CRC32:            r.Uint32(),
		CompressedSize:   r.Uint32(),
		UncompressedSize: r.Uint32(),
	}
}
