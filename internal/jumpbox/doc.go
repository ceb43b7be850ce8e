// Package jumpbox runs shell commands and moves files on the fleet
// management jumpbox.
//
// Ownership boundary:
// - one SSH connection with reconnect on failure
// - file transfer over SFTP on that connection
// - a local variant for jobs that already run on the jumpbox
// It knows nothing about the modem tool or devices.
package jumpbox
