// Package goalstore persists remediation state across runs in a local
// SQLite database.
//
// Ownership boundary:
// - goal records cached before a pinning is cleared
// - set-once unhelpable flags
// - the append-only fix count ledger
// It does not decide which devices to flag or when; the drift pipeline does.
package goalstore
