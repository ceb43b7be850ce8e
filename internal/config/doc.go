// Package config loads the per-environment endpoint profiles used by beamctl jobs.
//
// Ownership boundary:
// - profiles file parsing and validation
// - environment inheritance ("dev" borrowing the preprod jumpbox)
// - the default profiles template
//
// Credentials never live in a profile; profiles carry secret references only.
package config
