// Package fleet owns the device vocabulary shared by every beamctl module.
//
// Ownership boundary:
// - device identity normalization
// - beam, polarization and pinning value types
// - the per-device record tracked through one remediation run
//
// fleet performs no I/O.
package fleet
