// Package api exposes the HTTP surface of the service: login and access
// checks, user and credential administration, base and per-credential access
// rights, the federated login handshake, and the secret-gated internal
// endpoints (event push, cleanup, e-mail lookups).
//
// Handlers only adapt HTTP to the core packages; every decision lives in
// pkg/access, pkg/users, pkg/rights, pkg/sso, and pkg/events. Responses map
// service errors to status codes through pkg/httputil.
package api
