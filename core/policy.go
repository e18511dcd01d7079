package apkpack

import (
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/klauspost/compress/flate"
)

// DefaultStoredNames lists entries that must stay uncompressed so the
// platform can memory-map them.
var DefaultStoredNames = []string{"resources.arsc"}

// ErrInvalidPolicy is returned by NewPolicy for bad options.
var ErrInvalidPolicy = errors.New("apkpack: invalid policy")

// StoreFunc reports whether an entry should be stored uncompressed.
// It is called once per entry and should be inexpensive.
type StoreFunc func(name string) bool

// PolicyOption configures a Policy.
type PolicyOption func(*Policy)

// PolicyWithStoredNames stores entries whose full name matches exactly.
func PolicyWithStoredNames(names ...string) PolicyOption {
	return func(p *Policy) {
		for _, n := range names {
			p.names[n] = struct{}{}
		}
	}
}

// PolicyWithStoredPatterns stores entries whose name matches a path.Match
// pattern. Patterns are validated by NewPolicy.
func PolicyWithStoredPatterns(patterns ...string) PolicyOption {
	return func(p *Policy) {
		p.patterns = append(p.patterns, patterns...)
	}
}

// PolicyWithStoreFunc stores entries for which fn returns true.
func PolicyWithStoreFunc(fn StoreFunc) PolicyOption {
	return func(p *Policy) {
		if fn != nil {
			p.funcs = append(p.funcs, fn)
		}
	}
}

// PolicyWithLevel sets the deflate level for compressed entries
// (-2 for Huffman only through 9, default 6).
func PolicyWithLevel(level int) PolicyOption {
	return func(p *Policy) {
		p.level = level
	}
}

// Policy decides the compression method of each entry by name.
// A Policy is immutable after construction and safe for concurrent use.
type Policy struct {
	names    map[string]struct{}
	patterns []string
	funcs    []StoreFunc
	level    int
}

// NewPolicy builds a Policy. With no options every entry is deflated at
// DefaultLevel; callers wanting the platform default pass
// PolicyWithStoredNames(DefaultStoredNames...).
func NewPolicy(opts ...PolicyOption) (*Policy, error) {
	p := &Policy{
		names: make(map[string]struct{}),
		level: DefaultLevel,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.level < flate.HuffmanOnly || p.level > flate.BestCompression {
		return nil, fmt.Errorf("%w: deflate level %d out of range [%d, %d]",
			ErrInvalidPolicy, p.level, flate.HuffmanOnly, flate.BestCompression)
	}
	for _, pat := range p.patterns {
		if _, err := path.Match(pat, ""); err != nil {
			return nil, fmt.Errorf("%w: pattern %q: %v", ErrInvalidPolicy, pat, err)
		}
	}
	return p, nil
}

// Level returns the configured deflate level.
func (p *Policy) Level() int {
	return p.level
}

// Method returns the method an entry named name should be written with.
func (p *Policy) Method(name string) Method {
	if p.stores(name) {
		return Stored{}
	}
	return Deflated{Level: p.level}
}

func (p *Policy) stores(name string) bool {
	if _, ok := p.names[name]; ok {
		return true
	}
	for _, pat := range p.patterns {
		if ok, _ := path.Match(pat, name); ok {
			return true
		}
	}
	for _, fn := range p.funcs {
		if fn(name) {
			return true
		}
	}
	return false
}

// StoreKnownCompressed returns a StoreFunc matching extensions whose content
// is already compressed, where deflating only costs time.
func StoreKnownCompressed() StoreFunc {
	return func(name string) bool {
		_, ok := knownCompressedExts[strings.ToLower(path.Ext(name))]
		return ok
	}
}

var knownCompressedExts = map[string]struct{}{
	".3g2":  {},
	".3gp":  {},
	".aac":  {},
	".amr":  {},
	".avif": {},
	".gif":  {},
	".imy":  {},
	".jet":  {},
	".jpeg": {},
	".jpg":  {},
	".m4a":  {},
	".m4v":  {},
	".mid":  {},
	".mkv":  {},
	".mp2":  {},
	".mp3":  {},
	".mp4":  {},
	".mpeg": {},
	".mpg":  {},
	".ogg":  {},
	".opus": {},
	".png":  {},
	".smf":  {},
	".wav":  {},
	".webm": {},
	".webp": {},
	".wma":  {},
	".wmv":  {},
	".xmf":  {},
	".zip":  {},
}
