// Package drift owns beam drift detection and remediation.
//
// Ownership boundary:
// - goal resolution and drift classification
// - the sixteen step remediation pipeline and its wait loops
// - per-step outcome buckets and the run summary
//
// drift never talks to a network or database directly. It consumes the
// Directory, Prober, Channel and GoalStore capabilities declared here; the
// cmt, mtool and goalstore packages provide the production implementations.
package drift
