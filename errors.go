package apkpack

import (
	"errors"

	apkcore "github.com/meigma/apkpack/core"
	"github.com/meigma/apkpack/sign"
	"github.com/meigma/apkpack/storage"
)

// Errors re-exported from core.
var (
	// ErrCorruptArchive is returned when the container structure is inconsistent.
	ErrCorruptArchive = apkcore.ErrCorruptArchive

	// ErrTruncatedArchive is returned when the input ends mid-structure.
	ErrTruncatedArchive = apkcore.ErrTruncatedArchive

	// ErrUnsupportedFeature is returned for ZIP64, multi-disk, encryption and
	// unknown compression methods.
	ErrUnsupportedFeature = apkcore.ErrUnsupportedFeature

	// ErrAlignmentOverflow is returned when padding would overflow an extra field.
	ErrAlignmentOverflow = apkcore.ErrAlignmentOverflow

	// ErrCompressionFailure is returned when the deflate codec fails.
	ErrCompressionFailure = apkcore.ErrCompressionFailure

	// ErrVerificationFailure is returned when the rewritten archive does not
	// match its source. A verification failure always prevents signing.
	ErrVerificationFailure = apkcore.ErrVerificationFailure
)

// ErrSignFailed is returned when the signing tool fails.
var ErrSignFailed = sign.ErrSignFailed

// ErrNotFound is returned when a source key does not exist.
var ErrNotFound = storage.ErrNotFound

var (
	// ErrNoSource is returned by Run when no source is configured.
	ErrNoSource = errors.New("apkpack: no source configured")

	// ErrNoSink is returned by Run when no sink is configured.
	ErrNoSink = errors.New("apkpack: no sink configured")
)

// Process exit codes reported by ExitCode.
const (
	ExitOK          = 0
	ExitFailure     = 1
	ExitInvalidAPK  = 2
	ExitNotVerified = 3
)

// ExitCode maps an error returned by a Pipeline to a process exit status.
// A signing tool's own nonzero status is passed through.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return ExitOK
	case sign.ExitCode(err) != 0:
		return sign.ExitCode(err)
	case errors.Is(err, ErrVerificationFailure):
		return ExitNotVerified
	case errors.Is(err, ErrCorruptArchive),
		errors.Is(err, ErrTruncatedArchive),
		errors.Is(err, ErrUnsupportedFeature),
		errors.Is(err, ErrAlignmentOverflow):
		return ExitInvalidAPK
	default:
		return ExitFailure
	}
}
