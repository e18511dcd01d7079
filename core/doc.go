// Package apkpack reads, rewrites, aligns and verifies APK containers.
//
// An APK is a ZIP archive. The stages are plain functions over byte slices:
//
//   - Parse reads the central directory and every local header into an
//     Archive, recognising an APK Signing Block in front of the central
//     directory.
//   - NewPolicy decides, per entry name, whether an entry is stored or
//     deflated.
//   - Write and Repack emit a fresh archive with entries in their original
//     order and every method chosen by the policy.
//   - Align grows the extra field of each stored entry's local header so
//     its data starts on a 4-byte boundary (or a page boundary for shared
//     libraries), relocating the central directory to match.
//   - Verify reopens an output with two independent readers and checks it
//     against the archive it was built from.
//
// Only the 32-bit ZIP format is supported. ZIP64, multi-disk archives,
// encryption and methods other than store and deflate are rejected with
// ErrUnsupportedFeature.
//
// Alignment must run last: signing schemes v2 and later cover the byte
// layout, so an archive with a signing block is never realigned.
package apkpack
