package apkpack

import (
	"fmt"

	"github.com/meigma/apkpack/core/internal/zipfmt"
)

// DefaultLevel is the deflate level used when none is configured.
const DefaultLevel = 6

// Method is the compression method of an entry: either Stored or Deflated.
// The set of implementations is closed.
type Method interface {
	// ID returns the ZIP method number.
	ID() uint16
	String() string
	method()
}

// Stored keeps entry bytes verbatim.
type Stored struct{}

func (Stored) ID() uint16     { return zipfmt.MethodStore }
func (Stored) String() string { return "stored" }
func (Stored) method()        {}

// Deflated compresses entry bytes with DEFLATE at Level.
type Deflated struct {
	Level int
}

func (Deflated) ID() uint16       { return zipfmt.MethodDeflate }
func (d Deflated) String() string { return fmt.Sprintf("deflated(%d)", d.Level) }
func (Deflated) method()          {}

// IsStored reports whether m is Stored.
func IsStored(m Method) bool {
	_, ok := m.(Stored)
	return ok
}

// deflateFlags returns general purpose bits 1 and 2 for a deflate level, as
// written by PKZIP-compatible tools.
func deflateFlags(level int) uint16 {
	switch {
	case level >= 8:
		return 0x2 // maximum
	case level == 1:
		return 0x6 // super fast
	case level >= 2 && level <= 3:
		return 0x4 // fast
	default:
		return 0
	}
}

// levelFromFlags infers the level recorded in general purpose bits 1 and 2.
func levelFromFlags(flags uint16) int {
	switch flags & zipfmt.FlagDeflateMask {
	case 0x2:
		return 9
	case 0x4:
		return 3
	case 0x6:
		return 1
	default:
		return DefaultLevel
	}
}

func methodFromID(id, flags uint16) (Method, bool) {
	switch id {
	case zipfmt.MethodStore:
		return Stored{}, true
	case zipfmt.MethodDeflate:
		return Deflated{Level: levelFromFlags(flags)}, true
	default:
		return nil, false
	}
}
