// Package tools provides local host helpers shared by beamctl modules.
//
// Ownership boundary:
// - local command execution
// - shell script execution with scripted stdin answers
package tools
