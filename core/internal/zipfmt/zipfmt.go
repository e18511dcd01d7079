// Package zipfmt encodes and decodes the fixed-layout records of the ZIP
// container: local file headers, central directory headers, data
// descriptors and the end of central directory record.
//
// All multi-byte fields are little-endian.
package zipfmt

import "encoding/binary"

// Record signatures.
const (
	LocalHeaderSignature    uint32 = 0x04034b50
	CentralHeaderSignature  uint32 = 0x02014b50
	EndOfCentralSignature   uint32 = 0x06054b50
	DataDescriptorSignature uint32 = 0x08074b50
	Zip64LocatorSignature   uint32 = 0x07064b50
)

// Fixed record lengths, excluding variable-length trailers.
const (
	LocalHeaderLen    = 30 // + name + extra
	CentralHeaderLen  = 46 // + name + extra + comment
	EndOfCentralLen   = 22 // + comment
	Zip64LocatorLen   = 20
	DataDescriptorLen = 12 // crc32 + compressed + uncompressed, without signature
)

// General purpose flag bits.
const (
	FlagEncrypted  uint16 = 1 << 0
	FlagDescriptor uint16 = 1 << 3
	FlagUTF8       uint16 = 1 << 11

	// FlagDeflateMask covers bits 1 and 2, which record the deflate option
	// used by the writer.
	FlagDeflateMask uint16 = 0x6
)

// Compression method numbers.
const (
	MethodStore   uint16 = 0
	MethodDeflate uint16 = 8
)

// Host system numbers stored in the high byte of "version made by".
const (
	HostFAT  uint16 = 0
	HostUNIX uint16 = 3
)

// Versions needed to extract.
const (
	Version10 uint16 = 10 // stored entries
	Version20 uint16 = 20 // deflate, directories
)

// Extra field header IDs.
const (
	Zip64ExtraID = 0x0001

	// AlignmentExtraID is the Android zipalign record. Its data is a uint16
	// alignment followed by zero padding.
	AlignmentExtraID = 0xd935

	// AlignmentExtraMinLen is the smallest complete alignment record: a
	// 4-byte header plus the 2-byte alignment value.
	AlignmentExtraMinLen = 6
)

// Field capacity limits.
const (
	MaxUint16 = 0xffff
	MaxUint32 = 0xffffffff
)

// ReadBuf consumes little-endian fields from the front of a byte slice.
// Callers must ensure the slice is long enough.
type ReadBuf []byte

func (b *ReadBuf) Uint16() uint16 {
	v := binary.LittleEndian.Uint16(*b)
	*b = (*b)[2:]
	return v
}

func (b *ReadBuf) Uint32() uint32 {
	v := binary.LittleEndian.Uint32(*b)
	*b = (*b)[4:]
	return v
}

func (b *ReadBuf) Uint64() uint64 {
	v := binary.LittleEndian.Uint64(*b)
	*b = (*b)[8:]
	return v
}

// Sub returns the next n bytes as a new ReadBuf and advances past them.
func (b *ReadBuf) Sub(n int) ReadBuf {
	b2 := (*b)[:n]
	*b = (*b)[n:]
	return b2
}

// Signature returns the 4-byte signature at off, or false if fewer than four
// bytes remain.
func Signature(data []byte, off int64) (uint32, bool) {
	if off < 0 || off+4 > int64(len(data)) {
		return 0, false
	}
	return binary.LittleEndian.Uint32(data[off:]), true
}
