// Package users implements user lifecycle management: creation with
// uniqueness-index rows, profile updates that re-key dependent credentials,
// credential attach/detach with denormalized auth entries, and the cascading
// delete that removes every credential and index row a user owns.
//
// Every mutation runs under the per-user lease; operations that touch a
// uniqueness-index row additionally hold the index row's lease, always
// acquired after the user's (fixed order, no deadlock).
package users
