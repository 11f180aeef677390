// Package scope implements the access-scope model: a wildcard URL path paired
// with a set of allowed HTTP methods.
//
// # Overview
//
// Scopes are the unit of authorization everywhere in authcore. A user's base
// access scope is the upper bound of what any of their credentials may do; a
// credential's final access scope must always stay contained within it.
//
// Wildcard paths use '*' as a multi-character glob:
//
//	scope.AccessScope{WildcardPath: "/file/models/m1*", AccessRights: []string{"GET", "POST"}}
//
// # Key Operations
//
// Containment (base covers final, fail-closed):
//
//	ok := scope.Contains(baseScopes, finalScopes)
//
// Union-merge (rights union per identical wildcard path, order preserving):
//
//	merged := scope.UnionMerge(into, source)
//
// Request matching (concrete path + method against a scope list):
//
//	allowed := scope.MatchRequest(scopes, "/file/models/m1", "GET")
//
// Compiled wildcard matchers are cached in a process-wide LRU, so repeated
// evaluation of the same wildcard does not recompile the regex.
package scope
