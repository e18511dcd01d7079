//go:build integration

// Package integration runs the pipeline against real storage backends.
//
// These tests require Docker: they start an OCI registry and a MinIO server
// with testcontainers. Set SKIP_DOCKER_TESTS=1 to skip them.
// Run with: go test -tags=integration ./integration/...
package integration
