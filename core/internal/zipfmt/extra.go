package zipfmt

import (
	"encoding/binary"
	"errors"
	"time"
)

// ErrMalformedExtra is returned when an extra field is not a well-formed
// sequence of tagged records.
var ErrMalformedExtra = errors.New("malformed extra field")

// HasExtraID reports whether a well-formed prefix of extra contains a record
// with the given header ID.
func HasExtraID(extra []byte, id uint16) bool {
	for r := ReadBuf(extra); len(r) >= 4; {
		tag := r.Uint16()
		size := int(r.Uint16())
		if len(r) < size {
			return false
		}
		r.Sub(size)
		if tag == id {
			return true
		}
	}
	return false
}

// StripAlignment returns extra without any Android alignment records. A
// trailing remainder shorter than a record header that consists only of zero
// bytes is treated as legacy zipalign padding and dropped too. Any other
// malformation yields ErrMalformedExtra.
func StripAlignment(extra []byte) ([]byte, error) {
	out := make([]byte, 0, len(extra))
	r := ReadBuf(extra)
	for len(r) >= 4 {
		rec := r
		tag := r.Uint16()
		size := int(r.Uint16())
		if len(r) < size {
			return nil, ErrMalformedExtra
		}
		r.Sub(size)
		if tag == AlignmentExtraID {
			continue
		}
		out = append(out, rec[:4+size]...)
	}
	for _, b := range r {
		if b != 0 {
			return nil, ErrMalformedExtra
		}
	}
	return out, nil
}

// AlignmentRecord builds an alignment record of exactly total bytes. total
// must be at least AlignmentExtraMinLen.
func AlignmentRecord(alignment uint16, total int) []byte {
	rec := make([]byte, total)
	binary.LittleEndian.PutUint16(rec[0:], AlignmentExtraID)
	binary.LittleEndian.PutUint16(rec[2:], uint16(total-4)) //nolint:gosec // total bounded by caller
	binary.LittleEndian.PutUint16(rec[4:], alignment)
	return rec
}

// DOSToTime converts an MS-DOS date and time. The zero date and time maps to
// the zero time.Time.
func DOSToTime(date, tm uint16) time.Time {
	if date == 0 && tm == 0 {
		return time.Time{}
	}
	return time.Date(
		int(date>>9 + 1980), time.Month(date>>5&0xf), int(date&0x1f),
		int(tm>>11), int(tm>>5&0x3f), int(tm&0x1f*2), 0, time.UTC)
}

// TimeToDOS converts t to an MS-DOS date and time. The zero time maps to 0/0;
// times before 1980 are clamped to 1980-01-01.
func TimeToDOS(t time.Time) (date, tm uint16) {
	if t.IsZero() {
		return 0, 0
	}
	t = t.UTC()
	if t.Year() < 1980 {
		t = time.Date(1980, 1, 1, 0, 0, 0, 0, time.UTC)
	}
	date = uint16(t.Day() + int(t.Month())<<5 + (t.Year()-1980)<<9)  //nolint:gosec // bounded by DOS ranges
	tm = uint16(t.Second()/2 + t.Minute()<<5 + t.Hour()<<11)         //nolint:gosec // bounded by DOS ranges
	return date, tm
}
