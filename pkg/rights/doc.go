// Package rights mutates user base scopes and credential final scopes while
// preserving the containment invariant: every right in every credential's
// final scope stays covered by the owning user's base scope.
//
// All mutation entry points run inside the per-user lease lock; operations
// that touch uniqueness-index rows acquire the user lock first, then the
// index-row lock, in that order at every call site.
//
// Default rights for a new user are a fixed template parameterized by the
// user id, plus view grants for every currently globally-shared resource
// fetched from the resource service over the internal-secret peer channel.
package rights
