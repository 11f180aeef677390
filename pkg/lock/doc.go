// Package lock provides leased mutual exclusion over (table, entity id)
// pairs, backed by the shared cache's set-if-absent primitive.
//
// A lease is not a fair lock: acquisition either succeeds immediately or
// fails, and a denied acquisition surfaces as a retryable internal error.
// The lease TTL bounds the longest critical section so a crashed holder
// never deadlocks the system; expiry is clock-based.
//
// Typical use:
//
//	err := controller.WithLock(ctx, store.UsersTable, userID, func(ctx context.Context) error {
//		// read-modify-write the user record
//		return nil
//	})
//
// Release always runs, on every exit path including panics unwinding through
// the closure's error return.
package lock
