// Package httputil provides HTTP utilities for standardized request/response handling.
//
// # Overview
//
// This package offers helper functions for JSON encoding/decoding, error
// responses aligned with the pkg/errs taxonomy, parameter parsing, and common
// HTTP middleware.
//
// # Response Helpers
//
// JSON responses:
//
//	httputil.WriteJSON(w, http.StatusOK, data)
//	httputil.WriteSuccess(w, data)
//	httputil.WriteCreated(w, resource)
//
// Error responses:
//
//	httputil.WriteTaxonomyError(w, err) // maps pkg/errs sentinels to statuses
//	httputil.WriteBadRequest(w, "Invalid input")
//	httputil.WriteUnauthorized(w, "Token expired")
//
// # Request Parsing
//
// JSON parsing:
//
//	var req CheckAccessRequest
//	if !httputil.ParseJSONOrError(w, r, &req) {
//		return // Error response already written
//	}
//
// Path parameters:
//
//	id, ok := httputil.ParsePathStringOrError(w, r, "userId")
//
// Tokens:
//
//	token := httputil.BearerToken(r)
//
// # Middleware
//
//	httputil.Chain(
//		httputil.LoggingMiddleware(logger),
//		httputil.RecoveryMiddleware(logger),
//		httputil.RequestIDMiddleware,
//		httputil.MaxBytesMiddleware(1*1024*1024),
//	)
package httputil
