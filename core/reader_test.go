package apkpack_test

import (
	"bytes"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apkcore "github.com/meigma/apkpack/core"
	"github.com/meigma/apkpack/core/internal/zipfmt"
	"github.com/meigma/apkpack/core/testutil"
)

func TestParse(t *testing.T) {
	t.Parallel()

	data := testutil.CreateRaw(t,
		testutil.Stored("AndroidManifest.xml", testutil.Content('a', 100)),
		testutil.Deflated("classes.dex", bytes.Repeat([]byte("dex\n"), 300)),
		testutil.Stored("resources.arsc", testutil.Content('r', 77)),
	)

	a, err := apkcore.Parse(data)
	require.NoError(t, err)
	assert.Equal(t, []string{"AndroidManifest.xml", "classes.dex", "resources.arsc"}, a.Names())
	assert.False(t, a.Signed())

	dex := a.Lookup("classes.dex")
	require.NotNil(t, dex)
	assert.Equal(t, apkcore.Deflated{Level: apkcore.DefaultLevel}, dex.Method)
	assert.Equal(t, uint64(1200), dex.UncompressedSize)
	assert.Less(t, dex.CompressedSize, dex.UncompressedSize)
	assert.Zero(t, dex.DescriptorSize)

	content, err := dex.Content()
	require.NoError(t, err)
	assert.Equal(t, bytes.Repeat([]byte("dex\n"), 300), content)

	arsc := a.Lookup("resources.arsc")
	require.NotNil(t, arsc)
	assert.Equal(t, apkcore.Stored{}, arsc.Method)
	assert.Equal(t, arsc.CompressedSize, arsc.UncompressedSize)

	assert.Nil(t, a.Lookup("missing"))
	assert.Equal(t, int64(0), a.Entries[0].HeaderOffset)
	for i := 1; i < len(a.Entries); i++ {
		prev := a.Entries[i-1]
		assert.Equal(t, prev.DataOffset()+int64(prev.CompressedSize), a.Entries[i].HeaderOffset)
	}
}

func TestParse_Streaming(t *testing.T) {
	t.Parallel()

	data := testutil.Create(t,
		testutil.Stored("a.txt", []byte("stored content")),
		testutil.Deflated("b.txt", bytes.Repeat([]byte("b"), 500)),
	)

	a, err := apkcore.Parse(data)
	require.NoError(t, err)
	require.Len(t, a.Entries, 2)
	for _, e := range a.Entries {
		assert.NotZero(t, e.Flags&zipfmt.FlagDescriptor, e.Name)
		assert.Equal(t, 16, e.DescriptorSize, e.Name)
	}
	got, err := a.Lookup("a.txt").Content()
	require.NoError(t, err)
	assert.Equal(t, "stored content", string(got))
}

func TestParse_BareDescriptor(t *testing.T) {
	t.Parallel()

	data := assemble(t, assembleOptions{},
		streamed(storedRaw("one", []byte("first")), false),
		streamed(storedRaw("two", []byte("second")), true),
	)

	a, err := apkcore.Parse(data)
	require.NoError(t, err)
	assert.Equal(t, 12, a.Lookup("one").DescriptorSize)
	assert.Equal(t, 16, a.Lookup("two").DescriptorSize)
}

func TestParse_Empty(t *testing.T) {
	t.Parallel()

	data := assemble(t, assembleOptions{})
	require.Len(t, data, zipfmt.EndOfCentralLen)

	a, err := apkcore.Parse(data)
	require.NoError(t, err)
	assert.Empty(t, a.Entries)
	assert.Equal(t, int64(0), a.CentralDirectoryOffset)
}

func TestParse_Comment(t *testing.T) {
	t.Parallel()

	data := assemble(t, assembleOptions{comment: []byte("built by hand")}, storedRaw("x", []byte("x")))
	a, err := apkcore.Parse(data)
	require.NoError(t, err)
	assert.Equal(t, "built by hand", string(a.Comment))
}

func TestParse_SigningBlock(t *testing.T) {
	t.Parallel()

	block := signingBlock(bytes.Repeat([]byte{0xab}, 64))
	data := assemble(t, assembleOptions{gap: block}, storedRaw("a", []byte("aaaa")))

	a, err := apkcore.Parse(data)
	require.NoError(t, err)
	assert.True(t, a.Signed())
	assert.Equal(t, int64(len(block)), a.SigningBlockSize)
}

func TestParse_Errors(t *testing.T) {
	t.Parallel()

	good := assemble(t, assembleOptions{},
		storedRaw("a.txt", []byte("hello")),
		storedRaw("b.txt", []byte("world")),
	)
	eocd := eocdOffset(good)

	tests := []struct {
		name    string
		data    func() []byte
		wantErr error
	}{
		{
			name:    "too short",
			data:    func() []byte { return []byte("PK") },
			wantErr: apkcore.ErrTruncatedArchive,
		},
		{
			name:    "unrecognized leading signature",
			data:    func() []byte { return []byte("this is not an archive at all, just text") },
			wantErr: apkcore.ErrCorruptArchive,
		},
		{
			name:    "truncated in half",
			data:    func() []byte { return clone(good[:len(good)/2]) },
			wantErr: apkcore.ErrTruncatedArchive,
		},
		{
			name: "local crc differs from central",
			data: func() []byte {
				b := clone(good)
				putUint32(b, 14, 0x12345678)
				return b
			},
			wantErr: apkcore.ErrCorruptArchive,
		},
		{
			name: "damaged second header",
			data: func() []byte {
				b := clone(good)
				second := zipfmt.LocalHeaderLen + len("a.txt") + len("hello")
				b[second] = 'X'
				return b
			},
			wantErr: apkcore.ErrCorruptArchive,
		},
		{
			name: "encrypted",
			data: func() []byte {
				b := clone(good)
				putUint16(b, 6, zipfmt.FlagEncrypted)
				return b
			},
			wantErr: apkcore.ErrUnsupportedFeature,
		},
		{
			name: "unknown method",
			data: func() []byte {
				b := clone(good)
				putUint16(b, 8, 12)
				return b
			},
			wantErr: apkcore.ErrUnsupportedFeature,
		},
		{
			name: "multi-disk",
			data: func() []byte {
				b := clone(good)
				putUint16(b, eocd+4, 1)
				return b
			},
			wantErr: apkcore.ErrUnsupportedFeature,
		},
		{
			name: "zip64 marker",
			data: func() []byte {
				b := clone(good)
				putUint32(b, eocd+16, zipfmt.MaxUint32)
				return b
			},
			wantErr: apkcore.ErrUnsupportedFeature,
		},
		{
			name: "central directory offset off by one",
			data: func() []byte {
				b := clone(good)
				cd := int(b[eocd+16]) | int(b[eocd+17])<<8
				putUint32(b, eocd+16, uint32(cd+1)) //nolint:gosec // small
				return b
			},
			wantErr: apkcore.ErrCorruptArchive,
		},
		{
			name: "duplicate names",
			data: func() []byte {
				return assemble(t, assembleOptions{},
					storedRaw("dup", []byte("1")),
					storedRaw("dup", []byte("2")),
				)
			},
			wantErr: apkcore.ErrCorruptArchive,
		},
		{
			name: "stored sizes disagree",
			data: func() []byte {
				e := storedRaw("s", []byte("12345"))
				e.usize = 9
				return assemble(t, assembleOptions{}, e)
			},
			wantErr: apkcore.ErrCorruptArchive,
		},
		{
			name: "junk before central directory",
			data: func() []byte {
				return assemble(t, assembleOptions{gap: []byte("JUNKJUNKJUNK")}, storedRaw("a", []byte("a")))
			},
			wantErr: apkcore.ErrCorruptArchive,
		},
		{
			name: "descriptor disagrees with central directory",
			data: func() []byte {
				e := streamed(storedRaw("d", []byte("data")), true)
				e.descriptor[4] ^= 0xff
				return assemble(t, assembleOptions{}, e)
			},
			wantErr: apkcore.ErrCorruptArchive,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := apkcore.Parse(tt.data())
			require.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestEntry_ContentCRC(t *testing.T) {
	t.Parallel()

	data := assemble(t, assembleOptions{}, storedRaw("a.txt", []byte("hello")))
	data[zipfmt.LocalHeaderLen+len("a.txt")] = 'J'

	a, err := apkcore.Parse(data)
	require.NoError(t, err)
	_, err = a.Entries[0].Content()
	require.ErrorIs(t, err, apkcore.ErrCorruptArchive)
}

func TestNewEntry(t *testing.T) {
	t.Parallel()

	e := apkcore.NewEntry("assets/é.txt", []byte("hi"), apkcore.Stored{})
	assert.Equal(t, uint64(2), e.UncompressedSize)
	assert.NotZero(t, e.Flags&zipfmt.FlagUTF8)

	rc, err := e.Open()
	require.NoError(t, err)
	defer rc.Close()
	var buf bytes.Buffer
	_, err = buf.ReadFrom(rc)
	require.NoError(t, err)
	assert.Equal(t, "hi", buf.String())
}

// inflatedClaim returns a deflated entry whose two-byte stream decodes to
// nothing but whose headers declare usize bytes.
func inflatedClaim(name string, usize uint32) rawEntry {
	return rawEntry{
		name:   name,
		method: zipfmt.MethodDeflate,
		data:   []byte{0x03, 0x00},
		usize:  usize,
	}
}

func TestParse_MaxEntrySize(t *testing.T) {
	t.Parallel()

	huge := assemble(t, assembleOptions{}, inflatedClaim("classes.dex", 0xFFFFFFF0))
	_, err := apkcore.Parse(huge)
	require.ErrorIs(t, err, apkcore.ErrUnsupportedFeature)

	small := assemble(t, assembleOptions{}, storedRaw("a.txt", testutil.Content('a', 100)))
	_, err = apkcore.Parse(small, apkcore.ParseWithMaxEntrySize(50))
	require.ErrorIs(t, err, apkcore.ErrUnsupportedFeature)
	_, err = apkcore.Parse(small, apkcore.ParseWithMaxEntrySize(100))
	require.NoError(t, err)
}

func TestEntry_ContentOversizedClaim(t *testing.T) {
	t.Parallel()

	data := assemble(t, assembleOptions{}, inflatedClaim("classes.dex", 0xFFFFFFF0))
	a, err := apkcore.Parse(data, apkcore.ParseWithMaxEntrySize(0))
	require.NoError(t, err)

	var before, after runtime.MemStats
	runtime.ReadMemStats(&before)
	_, err = a.Entries[0].Content()
	runtime.ReadMemStats(&after)
	require.ErrorIs(t, err, apkcore.ErrCorruptArchive)
	assert.Less(t, after.TotalAlloc-before.TotalAlloc, uint64(256<<20), "allocation follows the data, not the header")
}
