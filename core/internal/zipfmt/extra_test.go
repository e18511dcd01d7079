package zipfmt

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func record(id uint16, data ...byte) []byte {
	b := []byte{byte(id), byte(id >> 8), byte(len(data)), byte(len(data) >> 8)}
	return append(b, data...)
}

func TestStripAlignment(t *testing.T) {
	t.Parallel()

	other := record(0xcafe, 1, 2, 3)
	align := AlignmentRecord(4, 7)

	tests := []struct {
		name    string
		extra   []byte
		want    []byte
		wantErr bool
	}{
		{"empty", nil, []byte{}, false},
		{"only alignment", align, []byte{}, false},
		{"keeps others", append(append([]byte{}, other...), align...), other, false},
		{"alignment first", append(append([]byte{}, align...), other...), other, false},
		{"legacy zero tail", append(append([]byte{}, other...), 0, 0, 0), other, false},
		{"nonzero tail", append(append([]byte{}, other...), 0, 1), nil, true},
		{"overlong record", []byte{0xfe, 0xca, 10, 0, 1}, nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := StripAlignment(tt.extra)
			if tt.wantErr {
				require.ErrorIs(t, err, ErrMalformedExtra)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestAlignmentRecord(t *testing.T) {
	t.Parallel()

	rec := AlignmentRecord(4, 9)
	require.Len(t, rec, 9)
	assert.Equal(t, []byte{0x35, 0xd9, 5, 0, 4, 0, 0, 0, 0}, rec)
	assert.True(t, HasExtraID(rec, AlignmentExtraID))
	assert.False(t, HasExtraID(rec, Zip64ExtraID))
}

func TestDOSTime(t *testing.T) {
	t.Parallel()

	ts := time.Date(2024, time.March, 9, 14, 30, 58, 0, time.UTC)
	date, tm := TimeToDOS(ts)
	assert.Equal(t, ts, DOSToTime(date, tm))

	date, tm = TimeToDOS(time.Time{})
	assert.Zero(t, date)
	assert.Zero(t, tm)
	assert.True(t, DOSToTime(0, 0).IsZero())

	date, tm = TimeToDOS(time.Date(1970, 1, 1, 0, 0, 0, 0, time.UTC))
	assert.Equal(t, time.Date(1980, 1, 1, 0, 0, 0, 0, time.UTC), DOSToTime(date, tm))
}
