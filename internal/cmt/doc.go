// Package cmt is the fleet management REST client.
//
// Ownership boundary:
// - observed state, pinnings and reachability of single devices
// - listing online devices on a beam
// - bearer token acquisition, caching and validation
// Decisions about what to pin and when belong to the drift pipeline.
package cmt
