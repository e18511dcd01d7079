package apkpack

import "errors"

// Sentinel errors. Every error returned by this package wraps exactly one of
// these and is terminal for the archive being processed.
var (
	// ErrCorruptArchive is returned when the container structure is
	// inconsistent: bad signatures, local/central mismatches, duplicate
	// names, or content that fails its CRC.
	ErrCorruptArchive = errors.New("apkpack: corrupt archive")

	// ErrTruncatedArchive is returned when the input ends before a complete
	// structure could be read.
	ErrTruncatedArchive = errors.New("apkpack: truncated archive")

	// ErrUnsupportedFeature is returned for ZIP64, multi-disk archives,
	// encryption, compression methods other than store and deflate, and
	// values that do not fit the 32-bit format.
	ErrUnsupportedFeature = errors.New("apkpack: unsupported feature")

	// ErrAlignmentOverflow is returned when padding would push an extra
	// field past 65535 bytes.
	ErrAlignmentOverflow = errors.New("apkpack: alignment overflow")

	// ErrCompressionFailure is returned when the deflate codec fails.
	ErrCompressionFailure = errors.New("apkpack: compression failed")

	// ErrVerificationFailure is returned when a rewritten archive does not
	// match its source.
	ErrVerificationFailure = errors.New("apkpack: verification failed")
)
