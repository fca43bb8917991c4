// Package integration runs the service end to end against real databases and
// Redis started with testcontainers.
//
// Run with: go test -tags=integration ./tests/integration/...
package integration
