// Package store holds the durable data model of the authorization core and
// the collaborator contracts it is accessed through.
//
// # Data Model
//
// Three logical tables back the engine:
//
//   - users: one record per user, keyed by opaque user id. Carries the
//     user's auth methods, base access scope, and owned/shared resource ids.
//   - auth-methods: one denormalized record per credential key, carrying the
//     owning user's identity plus the credential's final access scope.
//   - unique-user-fields: one row per unique field value (email, user name,
//     api key) mapping back to the owning user id.
//
// # Collaborators
//
// Database is a key-value table store with conditional creates; Cache is a
// TTL key-value store that doubles as the lock-lease backend. The production
// implementations are Postgres (JSONB row per entity) and Redis.
//
// # Cache-Through Reads
//
// Reads of credentials and base scopes go through the cache and repopulate
// it on miss. Repopulation failures are logged and swallowed; correctness
// never depends on the cache being warm. Writers must invalidate
// synchronously via the Invalidate helpers.
package store
