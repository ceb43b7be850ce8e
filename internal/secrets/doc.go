// Package secrets resolves credential references for beamctl jobs.
//
// Ownership boundary:
// - reference parsing ("path#key")
// - Vault KV v2 lookups
// - environment variable fallback for local runs
package secrets
