// Package acsdb reads drift candidates from the read-only inventory
// database.
//
// Ownership boundary:
// - query text per drift category and its bound arguments
// - converting inventory rows into job input
// It never writes to the inventory database.
package acsdb
