package apkpack_test

import (
	"encoding/binary"
	"hash/crc32"
	"testing"

	"github.com/meigma/apkpack/core/internal/zipfmt"
)

// rawEntry is a member assembled byte by byte.
type rawEntry struct {
	name   string
	method uint16
	flags  uint16
	data   []byte // encoded data span
	crc    uint32
	usize  uint32
	extra  []byte

	// descriptor is appended after data. Streaming entries (flag bit 3)
	// carry zero CRC and sizes in their local header.
	descriptor []byte
}

// storedRaw returns a stored entry with correct CRC and sizes.
func storedRaw(name string, content []byte) rawEntry {
	return rawEntry{
		name:   name,
		method: zipfmt.MethodStore,
		data:   content,
		crc:    crc32.ChecksumIEEE(content),
		usize:  uint32(len(content)), //nolint:gosec // test sizes are small
	}
}

// streamed marks e as streaming and appends a descriptor, with or without
// its optional signature.
func streamed(e rawEntry, withSignature bool) rawEntry {
	e.flags |= zipfmt.FlagDescriptor
	var d []byte
	if withSignature {
		d = binary.LittleEndian.AppendUint32(d, zipfmt.DataDescriptorSignature)
	}
	d = binary.LittleEndian.AppendUint32(d, e.crc)
	d = binary.LittleEndian.AppendUint32(d, uint32(len(e.data))) //nolint:gosec // test sizes are small
	d = binary.LittleEndian.AppendUint32(d, e.usize)
	e.descriptor = d
	return e
}

// assembleOptions shapes an assembled archive.
type assembleOptions struct {
	gap     []byte // inserted between the last entry and the central directory
	comment []byte
}

// assemble builds an archive from raw entries.
func assemble(tb testing.TB, opts assembleOptions, entries ...rawEntry) []byte {
	tb.Helper()
	var out []byte
	central := make([]zipfmt.CentralHeader, 0, len(entries))
	for _, e := range entries {
		offset := uint32(len(out)) //nolint:gosec // test sizes are small
		lh := zipfmt.LocalHeader{
			ReaderVersion:    zipfmt.Version20,
			Flags:            e.flags,
			Method:           e.method,
			CRC32:            e.crc,
			CompressedSize:   uint32(len(e.data)), //nolint:gosec // test sizes are small
			UncompressedSize: e.usize,
			Name:             e.name,
			Extra:            e.extra,
		}
		if e.flags&zipfmt.FlagDescriptor != 0 {
			lh.CRC32, lh.CompressedSize, lh.UncompressedSize = 0, 0, 0
		}
		out = lh.Append(out)
		out = append(out, e.data...)
		out = append(out, e.descriptor...)
		central = append(central, zipfmt.CentralHeader{
			CreatorVersion:   zipfmt.HostUNIX<<8 | zipfmt.Version20,
			ReaderVersion:    zipfmt.Version20,
			Flags:            e.flags,
			Method:           e.method,
			CRC32:            e.crc,
			CompressedSize:   uint32(len(e.data)), //nolint:gosec // test sizes are small
			UncompressedSize: e.usize,
			ExternalAttrs:    0o100600 << 16,
			Offset:           offset,
			Name:             e.name,
		})
	}
	out = append(out, opts.gap...)
	cdOffset := len(out)
	for i := range central {
		out = central[i].Append(out)
	}
	n := uint16(len(central)) //nolint:gosec // test sizes are small
	eocd := zipfmt.EndOfCentral{
		DiskEntries:   n,
		Entries:       n,
		CentralSize:   uint32(len(out) - cdOffset), //nolint:gosec // test sizes are small
		CentralOffset: uint32(cdOffset),            //nolint:gosec // test sizes are small
		Comment:       opts.comment,
	}
	return eocd.Append(out)
}

// signingBlock returns an APK Signing Block holding one id-value pair.
func signingBlock(payload []byte) []byte {
	var pairs []byte
	pairs = binary.LittleEndian.AppendUint64(pairs, uint64(4+len(payload)))
	pairs = binary.LittleEndian.AppendUint32(pairs, 0x7109871a)
	pairs = append(pairs, payload...)

	size := uint64(len(pairs) + 8 + 16)
	var b []byte
	b = binary.LittleEndian.AppendUint64(b, size)
	b = append(b, pairs...)
	b = binary.LittleEndian.AppendUint64(b, size)
	return append(b, "APK Sig Block 42"...)
}

// eocdOffset returns the offset of the end record in an archive without a
// comment.
func eocdOffset(data []byte) int {
	return len(data) - zipfmt.EndOfCentralLen
}

func putUint16(b []byte, off int, v uint16) { binary.LittleEndian.PutUint16(b[off:], v) }
func putUint32(b []byte, off int, v uint32) { binary.LittleEndian.PutUint32(b[off:], v) }

func clone(b []byte) []byte { return append([]byte(nil), b...) }
