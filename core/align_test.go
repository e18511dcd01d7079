package apkpack_test

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apkcore "github.com/meigma/apkpack/core"
	"github.com/meigma/apkpack/core/internal/zipfmt"
	"github.com/meigma/apkpack/core/testutil"
)

func writeEntries(t *testing.T, entries ...*apkcore.Entry) []byte {
	t.Helper()
	var buf bytes.Buffer
	_, err := apkcore.Write(&buf, entries, nil)
	require.NoError(t, err)
	return buf.Bytes()
}

func TestAlign_ThreeEntryScenario(t *testing.T) {
	t.Parallel()

	written := writeEntries(t,
		apkcore.NewEntry("test.txt", testutil.Content('t', 100), apkcore.Stored{}),
		apkcore.NewEntry("compressed.txt", testutil.Content('c', 100), apkcore.Deflated{Level: 6}),
		apkcore.NewEntry("test2.txt", testutil.Content('u', 100), apkcore.Stored{}),
	)
	before, err := apkcore.Parse(written)
	require.NoError(t, err)

	out, plan, err := apkcore.Align(written)
	require.NoError(t, err)
	require.Len(t, plan.Entries, 3)

	after, err := apkcore.Parse(out)
	require.NoError(t, err)

	for _, name := range []string{"test.txt", "test2.txt"} {
		e := after.Lookup(name)
		require.NotNil(t, e)
		assert.Zero(t, e.DataOffset()%4, "%s at %d", name, e.DataOffset())
	}

	// test.txt: header at 0, base 38, residue 2, one minimal record.
	first := plan.Entries[0]
	assert.Equal(t, 2, first.Padding)
	assert.Equal(t, 6, first.Inserted)

	// compressed.txt moves by exactly the shift accumulated before it.
	comp := plan.Entries[1]
	assert.Equal(t, comp.HeaderOffset+int64(first.Inserted), comp.NewHeaderOffset)
	assert.Equal(t, comp.NewHeaderOffset, after.Lookup("compressed.txt").HeaderOffset)
	assert.Zero(t, comp.Inserted)
	assert.Zero(t, comp.Alignment)

	total := 0
	for _, e := range plan.Entries {
		total += e.Inserted
	}
	assert.Equal(t, int64(total), plan.Inserted)
	assert.Equal(t, int64(len(written))+plan.Inserted, int64(len(out)))

	for i, e := range after.Entries {
		b := before.Entries[i]
		assert.Equal(t, b.CRC32, e.CRC32, e.Name)
		assert.Equal(t, b.CompressedSize, e.CompressedSize, e.Name)
		assert.Equal(t, b.UncompressedSize, e.UncompressedSize, e.Name)
	}
	require.NoError(t, apkcore.Verify(before, out))
}

func TestAlign_PaddingResidues(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name         string
		wantPadding  int
		wantInserted int
	}{
		{"a", 1, 9},    // base 31
		{"ab", 0, 0},   // base 32
		{"abc", 3, 7},  // base 33
		{"abcd", 2, 6}, // base 34
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			data := assemble(t, assembleOptions{}, storedRaw(tt.name, []byte("payload")))

			out, plan, err := apkcore.Align(data)
			require.NoError(t, err)
			require.Len(t, plan.Entries, 1)
			assert.Equal(t, tt.wantPadding, plan.Entries[0].Padding)
			assert.Equal(t, tt.wantInserted, plan.Entries[0].Inserted)
			assert.Zero(t, plan.Entries[0].DataOffset%4)

			a, err := apkcore.Parse(out)
			require.NoError(t, err)
			e := a.Entries[0]
			if tt.wantInserted > 0 {
				assert.True(t, zipfmt.HasExtraID(e.Extra, zipfmt.AlignmentExtraID))
			}
			content, err := e.Content()
			require.NoError(t, err)
			assert.Equal(t, "payload", string(content))
		})
	}
}

func TestAlign_Idempotent(t *testing.T) {
	t.Parallel()

	src := testutil.CreateRaw(t,
		testutil.Stored("a", testutil.Content('a', 13)),
		testutil.Deflated("bb", bytes.Repeat([]byte("b"), 200)),
		testutil.Stored("ccc", testutil.Content('c', 7)),
		testutil.Stored("dddd", testutil.Content('d', 1)),
		testutil.Stored("resources.arsc", testutil.Content('r', 64)),
	)
	once, plan, err := apkcore.Align(src)
	require.NoError(t, err)
	require.Positive(t, plan.Inserted)

	twice, plan2, err := apkcore.Align(once)
	require.NoError(t, err)
	assert.Zero(t, plan2.Inserted)
	assert.Empty(t, plan2.Padded())
	assert.Equal(t, once, twice)
}

func TestAlign_RelocatesDescriptors(t *testing.T) {
	t.Parallel()

	src := testutil.Create(t,
		testutil.Stored("x", testutil.Content('x', 33)),
		testutil.Deflated("y.txt", bytes.Repeat([]byte("y"), 300)),
		testutil.Stored("zz.bin", testutil.Content('z', 50)),
	)
	before, err := apkcore.Parse(src)
	require.NoError(t, err)

	out, plan, err := apkcore.Align(src)
	require.NoError(t, err)
	require.NotZero(t, plan.Inserted)

	after, err := apkcore.Parse(out)
	require.NoError(t, err)
	for _, e := range after.Entries {
		assert.Equal(t, 16, e.DescriptorSize, e.Name)
		if apkcore.IsStored(e.Method) {
			assert.Zero(t, e.DataOffset()%4, e.Name)
		}
	}
	require.NoError(t, apkcore.Verify(before, out))
	assert.Len(t, testutil.ReadAll(t, out), 3)
}

func TestAlign_StripsStalePadding(t *testing.T) {
	t.Parallel()

	e := storedRaw("ab", []byte("data"))
	e.extra = zipfmt.AlignmentRecord(4, 7) // base 39 with it, 32 without
	data := assemble(t, assembleOptions{}, e)

	out, plan, err := apkcore.Align(data)
	require.NoError(t, err)
	assert.Equal(t, -7, plan.Entries[0].Inserted)
	assert.Equal(t, int64(32), plan.Entries[0].DataOffset)

	a, err := apkcore.Parse(out)
	require.NoError(t, err)
	assert.Empty(t, a.Entries[0].Extra)
}

func TestAlign_KeepsOtherExtraRecords(t *testing.T) {
	t.Parallel()

	custom := []byte{0xfe, 0xca, 2, 0, 7, 7}
	e := storedRaw("abc", []byte("data"))
	e.extra = custom
	data := assemble(t, assembleOptions{}, e)

	out, _, err := apkcore.Align(data)
	require.NoError(t, err)
	a, err := apkcore.Parse(out)
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(a.Entries[0].Extra, custom))
	assert.Zero(t, a.Entries[0].DataOffset()%4)
}

func TestAlign_Overflow(t *testing.T) {
	t.Parallel()

	e := storedRaw("a.bin", []byte("x"))
	// A single valid record filling the extra field to 65531 bytes puts the
	// data at 30+5+65531, residue 2, which needs 6 more bytes.
	e.extra = append([]byte{0xfe, 0xca, 0xf7, 0xff}, make([]byte, 65527)...)
	require.Len(t, e.extra, 65531)
	data := assemble(t, assembleOptions{}, e)

	_, _, err := apkcore.Align(data)
	require.ErrorIs(t, err, apkcore.ErrAlignmentOverflow)
}

func TestAlign_RejectsSigned(t *testing.T) {
	t.Parallel()

	data := assemble(t, assembleOptions{gap: signingBlock([]byte("s"))}, storedRaw("a", []byte("a")))
	_, _, err := apkcore.Align(data)
	require.ErrorIs(t, err, apkcore.ErrUnsupportedFeature)
}

func TestAlign_PageAlignSharedLibs(t *testing.T) {
	t.Parallel()

	src := testutil.CreateRaw(t,
		testutil.Stored("AndroidManifest.xml", testutil.Content('m', 10)),
		testutil.Stored("lib/arm64-v8a/libapp.so", testutil.Content('s', 5000)),
		testutil.Stored("lib/arm64-v8a/libother.so", testutil.Content('o', 10)),
		testutil.Stored("res/raw/a.bin", testutil.Content('a', 3)),
	)
	opts := []apkcore.AlignOption{apkcore.AlignWithPageAlignSharedLibs(), apkcore.AlignWithPageSize(4096)}
	out, _, err := apkcore.Align(src, opts...)
	require.NoError(t, err)

	a, err := apkcore.Parse(out)
	require.NoError(t, err)
	for _, e := range a.Entries {
		want := int64(4)
		if strings.HasSuffix(e.Name, ".so") {
			want = 4096
		}
		assert.Zero(t, e.DataOffset()%want, e.Name)
	}

	bad, err := apkcore.CheckAlignment(out, opts...)
	require.NoError(t, err)
	assert.Empty(t, bad)
}

func TestCheckAlignment(t *testing.T) {
	t.Parallel()

	data := assemble(t, assembleOptions{},
		storedRaw("a", []byte("x")),  // data at 31
		storedRaw("bc", []byte("y")), // header at 32, data at 64
	)
	bad, err := apkcore.CheckAlignment(data)
	require.NoError(t, err)
	require.Len(t, bad, 1)
	assert.Equal(t, "a", bad[0].Name)
	assert.Equal(t, int64(31), bad[0].DataOffset)
	assert.Equal(t, 1, bad[0].Padding)

	out, _, err := apkcore.Align(data)
	require.NoError(t, err)
	bad, err = apkcore.CheckAlignment(out)
	require.NoError(t, err)
	assert.Empty(t, bad)
}

func TestAlign_InvalidAlignment(t *testing.T) {
	t.Parallel()

	data := assemble(t, assembleOptions{}, storedRaw("a", []byte("a")))
	for _, n := range []int{0, 3, 12, apkcore.MaxAlignment * 2} {
		_, _, err := apkcore.Align(data, apkcore.AlignWithAlignment(n))
		require.ErrorIs(t, err, apkcore.ErrInvalidAlignment, "alignment %d", n)
	}
}

func TestAlign_Empty(t *testing.T) {
	t.Parallel()

	data := assemble(t, assembleOptions{})
	out, plan, err := apkcore.Align(data)
	require.NoError(t, err)
	assert.Equal(t, data, out)
	assert.Empty(t, plan.Entries)
}

func TestValidateAlignOptions(t *testing.T) {
	t.Parallel()

	require.NoError(t, apkcore.ValidateAlignOptions())
	require.NoError(t, apkcore.ValidateAlignOptions(apkcore.AlignWithAlignment(16), apkcore.AlignWithPageSize(16384)))
	require.ErrorIs(t, apkcore.ValidateAlignOptions(apkcore.AlignWithPageSize(5000)), apkcore.ErrInvalidAlignment)
}
