// Package jobs holds the plumbing shared by scheduled job entrypoints.
//
// Ownership boundary:
// - reading and validating job variables before any remote call
// - merging the operator device list with the inventory query
// - scoped cleanup of connections opened for one run
// - the begin/end banner and exit status
// Remediation decisions live in the drift package.
package jobs
