// Package mtool drives the modem tool on the jumpbox to run commands and
// move files on devices.
//
// Ownership boundary:
// - building modem tool invocations and their device list files
// - parsing the tool's per-device output blocks
// - jumpbox scratch files created for one call
// Batching and retry policy belong to the caller.
package mtool
