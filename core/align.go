package apkpack

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"math/bits"
	"strings"

	"github.com/meigma/apkpack/core/internal/zipfmt"
)

// Alignment defaults.
const (
	// DefaultAlignment is the boundary stored entry data is aligned to.
	DefaultAlignment = 4

	// DefaultPageSize is the boundary for stored shared libraries when page
	// alignment is enabled.
	DefaultPageSize = 4096

	// MaxAlignment is the largest boundary an alignment record can carry.
	MaxAlignment = 1 << 15
)

// ErrInvalidAlignment is returned for alignments that are not a power of two
// in [1, MaxAlignment].
var ErrInvalidAlignment = errors.New("apkpack: invalid alignment")

// AlignOption configures Align and CheckAlignment.
type AlignOption func(*alignConfig)

type alignConfig struct {
	alignment     int
	pageSize      int
	pageAlignLibs bool
	logger        *slog.Logger
}

// AlignWithAlignment sets the boundary stored entries are aligned to
// (default 4).
func AlignWithAlignment(n int) AlignOption {
	return func(c *alignConfig) {
		c.alignment = n
	}
}

// AlignWithPageAlignSharedLibs aligns stored "*.so" entries to the page size
// so they can be mapped directly from the archive.
func AlignWithPageAlignSharedLibs() AlignOption {
	return func(c *alignConfig) {
		c.pageAlignLibs = true
	}
}

// AlignWithPageSize sets the page size used for shared libraries
// (default 4096).
func AlignWithPageSize(n int) AlignOption {
	return func(c *alignConfig) {
		c.pageSize = n
	}
}

// AlignWithLogger sets the logger used while aligning.
func AlignWithLogger(logger *slog.Logger) AlignOption {
	return func(c *alignConfig) {
		c.logger = logger
	}
}

func newAlignConfig(opts []AlignOption) (alignConfig, error) {
	c := alignConfig{
		alignment: DefaultAlignment,
		pageSize:  DefaultPageSize,
	}
	for _, opt := range opts {
		opt(&c)
	}
	for _, n := range []int{c.alignment, c.pageSize} {
		if n < 1 || n > MaxAlignment || bits.OnesCount(uint(n)) != 1 {
			return c, fmt.Errorf("%w: %d", ErrInvalidAlignment, n)
		}
	}
	return c, nil
}

// log returns the logger, falling back to a discard logger if nil.
func (c *alignConfig) log() *slog.Logger {
	if c.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return c.logger
}

// boundary returns the alignment required for e, or 0 when its data may sit
// anywhere.
func (c *alignConfig) boundary(e *Entry) int {
	if !IsStored(e.Method) {
		return 0
	}
	if c.pageAlignLibs && strings.HasSuffix(e.Name, ".so") {
		return c.pageSize
	}
	return c.alignment
}

// AlignedEntry describes the placement of one entry after alignment.
type AlignedEntry struct {
	Name   string
	Method Method

	// HeaderOffset and NewHeaderOffset locate the local header before and
	// after alignment.
	HeaderOffset    int64
	NewHeaderOffset int64

	// DataOffset is the file offset of the first data byte after alignment.
	DataOffset int64

	// Alignment is the boundary the entry was held to, 0 for deflated
	// entries.
	Alignment int

	// Padding is the residue (A - base%A) % A that the extra field had to
	// absorb. Inserted is the number of bytes the extra field actually grew
	// by, which exceeds Padding when a full record was needed and is
	// negative when stale padding was removed.
	Padding  int
	Inserted int
}

// AlignmentPlan records what Align did.
type AlignmentPlan struct {
	Alignment int
	Entries   []AlignedEntry

	// Inserted is the total number of bytes added to the archive.
	Inserted int64
}

// Padded returns the entries whose extra field changed.
func (p *AlignmentPlan) Padded() []AlignedEntry {
	var out []AlignedEntry
	for _, e := range p.Entries {
		if e.Inserted != 0 {
			out = append(out, e)
		}
	}
	return out
}

// alignState threads the cumulative displacement through one alignment pass.
type alignState struct {
	shift int64
}

// place decides the new extra field for e. The returned entry has its
// placement fields filled.
func (s *alignState) place(cfg *alignConfig, e *Entry) ([]byte, AlignedEntry, error) {
	newHeader := e.HeaderOffset + s.shift
	ae := AlignedEntry{
		Name:            e.Name,
		Method:          e.Method,
		HeaderOffset:    e.HeaderOffset,
		NewHeaderOffset: newHeader,
		Alignment:       cfg.boundary(e),
	}
	if newHeader > zipfmt.MaxUint32 {
		return nil, ae, fmt.Errorf("%w: %s would move past 4 GiB", ErrUnsupportedFeature, e.Name)
	}
	fixed := newHeader + zipfmt.LocalHeaderLen + int64(e.nameLen)

	extra := e.Extra
	if a := int64(ae.Alignment); a > 0 && (fixed+int64(len(extra)))%a != 0 {
		stripped, err := zipfmt.StripAlignment(e.Extra)
		if err != nil {
			return nil, ae, fmt.Errorf("%w: extra field of %s: %v", ErrCorruptArchive, e.Name, err)
		}
		base := fixed + int64(len(stripped))
		pad := (a - base%a) % a
		extra = stripped
		if pad > 0 {
			g := pad
			for g < zipfmt.AlignmentExtraMinLen {
				g += a
			}
			if int64(len(stripped))+g > zipfmt.MaxUint16 {
				return nil, ae, fmt.Errorf("%w: %s needs %d extra bytes on top of %d",
					ErrAlignmentOverflow, e.Name, g, len(stripped))
			}
			extra = append(stripped[:len(stripped):len(stripped)],
				zipfmt.AlignmentRecord(uint16(a), int(g))...) //nolint:gosec // a <= MaxAlignment
		}
		ae.Padding = int(pad)
	}

	ae.Inserted = len(extra) - len(e.Extra)
	ae.DataOffset = fixed + int64(len(extra))
	s.shift += int64(ae.Inserted)
	return extra, ae, nil
}

// Align rewrites data so that every stored entry's content begins on its
// alignment boundary. Padding goes into the local extra field as an Android
// alignment record; compressed entries only move. CRCs and sizes are never
// touched.
//
// Entries already on their boundary keep their extra field, so aligning an
// aligned archive returns identical bytes. Archives carrying an APK Signing
// Block are rejected since moving data would invalidate it.
func Align(data []byte, opts ...AlignOption) ([]byte, *AlignmentPlan, error) {
	cfg, err := newAlignConfig(opts)
	if err != nil {
		return nil, nil, err
	}
	a, err := Parse(data, ParseWithLogger(cfg.logger))
	if err != nil {
		return nil, nil, err
	}
	if a.Signed() {
		return nil, nil, fmt.Errorf("%w: archive is signed; align before signing", ErrUnsupportedFeature)
	}

	plan := &AlignmentPlan{
		Alignment: cfg.alignment,
		Entries:   make([]AlignedEntry, 0, len(a.Entries)),
	}
	var st alignState
	newOffsets := make(map[*Entry]int64, len(a.Entries))
	out := make([]byte, 0, len(data)+len(a.Entries)*(zipfmt.AlignmentExtraMinLen+cfg.alignment))

	for _, e := range a.Entries {
		extra, ae, err := st.place(&cfg, e)
		if err != nil {
			return nil, nil, err
		}
		hdr := e.HeaderOffset
		out = append(out, data[hdr:hdr+zipfmt.LocalHeaderLen]...)
		binary.LittleEndian.PutUint16(out[len(out)-2:], uint16(len(extra))) //nolint:gosec // bounded by place
		nameStart := hdr + zipfmt.LocalHeaderLen
		out = append(out, data[nameStart:nameStart+int64(e.nameLen)]...)
		out = append(out, extra...)
		out = append(out, data[e.DataOffset():e.end()]...)

		newOffsets[e] = ae.NewHeaderOffset
		plan.Entries = append(plan.Entries, ae)
		if ae.Inserted != 0 {
			cfg.log().Debug("padded entry",
				"name", e.Name,
				"data_offset", ae.DataOffset,
				"alignment", ae.Alignment,
				"inserted", ae.Inserted)
		}
	}
	plan.Inserted = st.shift

	cdStart := int64(len(out))
	if cdStart > zipfmt.MaxUint32 {
		return nil, nil, fmt.Errorf("%w: central directory would move past 4 GiB", ErrUnsupportedFeature)
	}
	for _, e := range a.central {
		rec := len(out)
		out = append(out, data[e.centralOffset:e.centralOffset+int64(e.centralLen)]...)
		binary.LittleEndian.PutUint32(out[rec+42:], uint32(newOffsets[e])) //nolint:gosec // checked in place
	}
	end := len(out)
	out = append(out, data[a.eocdOffset:]...)
	binary.LittleEndian.PutUint32(out[end+16:], uint32(cdStart))

	cfg.log().Info("aligned archive",
		"entries", len(a.Entries),
		"padded", len(plan.Padded()),
		"inserted", plan.Inserted)
	return out, plan, nil
}

// CheckAlignment reports stored entries whose data does not start on its
// boundary, without modifying data. Signed archives are accepted.
func CheckAlignment(data []byte, opts ...AlignOption) ([]AlignedEntry, error) {
	cfg, err := newAlignConfig(opts)
	if err != nil {
		return nil, err
	}
	a, err := Parse(data, ParseWithLogger(cfg.logger))
	if err != nil {
		return nil, err
	}
	var bad []AlignedEntry
	for _, e := range a.Entries {
		n := int64(cfg.boundary(e))
		if n == 0 || e.DataOffset()%n == 0 {
			continue
		}
		bad = append(bad, AlignedEntry{
			Name:            e.Name,
			Method:          e.Method,
			HeaderOffset:    e.HeaderOffset,
			NewHeaderOffset: e.HeaderOffset,
			DataOffset:      e.DataOffset(),
			Alignment:       int(n),
			Padding:         int((n - e.DataOffset()%n) % n),
		})
	}
	return bad, nil
}

// ValidateAlignOptions reports whether opts describe valid boundaries, so
// callers can reject a configuration before any archive is read.
func ValidateAlignOptions(opts ...AlignOption) error {
	_, err := newAlignConfig(opts)
	return err
}
