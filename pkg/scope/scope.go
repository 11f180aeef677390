package scope

import (
	"regexp"
	"sort"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
)

// AccessRights enumerates every right a scope may carry. Rights are stored
// upper-cased; anything outside this list is dropped during normalization.
var AccessRights = []string{"GET", "POST", "PUT", "DELETE"}

// AccessScope pairs a wildcard URL path with the set of rights granted on it.
type AccessScope struct {
	WildcardPath string   `json:"wildcardPath"`
	AccessRights []string `json:"accessRights"`
}

// Clone returns a deep copy so callers can mutate rights lists freely.
func (s AccessScope) Clone() AccessScope {
	rights := make([]string, len(s.AccessRights))
	copy(rights, s.AccessRights)
	return AccessScope{WildcardPath: s.WildcardPath, AccessRights: rights}
}

// HasRight reports whether the scope carries the given right.
func (s AccessScope) HasRight(right string) bool {
	for _, r := range s.AccessRights {
		if r == right {
			return true
		}
	}
	return false
}

// PossibleRightsText renders the valid rights for error messages,
// e.g. "GET, POST, PUT, DELETE".
func PossibleRightsText() string {
	return strings.Join(AccessRights, ", ")
}

func validRight(right string) bool {
	for _, r := range AccessRights {
		if r == right {
			return true
		}
	}
	return false
}

// Normalize upper-cases and deduplicates the rights of every scope, dropping
// unknown rights. Scopes left with an empty right set are removed entirely.
func Normalize(scopes []AccessScope) []AccessScope {
	out := make([]AccessScope, 0, len(scopes))
	for _, s := range scopes {
		seen := make(map[string]struct{}, len(s.AccessRights))
		rights := make([]string, 0, len(s.AccessRights))
		for _, r := range s.AccessRights {
			upper := strings.ToUpper(r)
			if !validRight(upper) {
				continue
			}
			if _, dup := seen[upper]; dup {
				continue
			}
			seen[upper] = struct{}{}
			rights = append(rights, upper)
		}
		if len(rights) == 0 {
			continue
		}
		sort.Strings(rights)
		out = append(out, AccessScope{WildcardPath: s.WildcardPath, AccessRights: rights})
	}
	return out
}

// NormalizeRights is the single-right-list variant of Normalize, used where a
// caller supplies rights for an already-known wildcard path.
func NormalizeRights(rights []string) []string {
	scopes := Normalize([]AccessScope{{WildcardPath: "*", AccessRights: rights}})
	if len(scopes) == 0 {
		return nil
	}
	return scopes[0].AccessRights
}

// SameRights compares two normalized right lists element-wise. Normalization
// sorts, so equal sets compare equal.
func SameRights(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// matcherCacheSize bounds the compiled wildcard cache. Wildcards are
// per-resource so the working set stays small; 4096 covers a busy tenant.
const matcherCacheSize = 4096

var matcherCache, _ = lru.New[string, *regexp.Regexp](matcherCacheSize)

// CompileWildcard turns a wildcard path into an anchored matcher where '*'
// matches any run of characters. Matching is case-sensitive. Compiled
// matchers are cached.
func CompileWildcard(wildcard string) *regexp.Regexp {
	if re, ok := matcherCache.Get(wildcard); ok {
		return re
	}
	// Equivalent of the classic wildcard-to-regular translation: quote
	// everything, then re-open the stars.
	pattern := "^" + strings.ReplaceAll(regexp.QuoteMeta(wildcard), `\*`, ".*") + "$"
	re := regexp.MustCompile(pattern)
	matcherCache.Add(wildcard, re)
	return re
}

// Covers reports whether the base scope's wildcard matches the candidate
// wildcard string itself (not a concrete URL) and the base's rights are a
// superset of the candidate's rights.
func Covers(base, candidate AccessScope) bool {
	if !CompileWildcard(base.WildcardPath).MatchString(candidate.WildcardPath) {
		return false
	}
	for _, right := range candidate.AccessRights {
		if !base.HasRight(right) {
			return false
		}
	}
	return true
}

// Contains reports whether every candidate scope is covered by at least one
// base scope, checking both wildcard containment and right-set inclusion.
// The first uncovered candidate fails the whole check.
func Contains(baseScopes, candidateScopes []AccessScope) bool {
	for _, candidate := range candidateScopes {
		found := false
		for _, base := range baseScopes {
			if Covers(base, candidate) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// UnionMerge folds source scopes into dst: a source scope whose wildcard path
// string equals an existing destination scope's path unions its rights in
// place; otherwise it is appended. Destination order is preserved and new
// entries land at the end. Source scopes with no rights are skipped.
func UnionMerge(dst, source []AccessScope) []AccessScope {
	for _, src := range source {
		if len(src.AccessRights) == 0 {
			continue
		}
		merged := false
		for i := range dst {
			if dst[i].WildcardPath != src.WildcardPath {
				continue
			}
			for _, right := range src.AccessRights {
				if !dst[i].HasRight(right) {
					dst[i].AccessRights = append(dst[i].AccessRights, right)
				}
			}
			merged = true
			break
		}
		if !merged {
			dst = append(dst, src.Clone())
		}
	}
	return dst
}

// RightCovered reports whether some base scope's wildcard matches the given
// wildcard path string and its rights include the given right.
func RightCovered(baseScopes []AccessScope, wildcardPath, right string) bool {
	for _, base := range baseScopes {
		if !CompileWildcard(base.WildcardPath).MatchString(wildcardPath) {
			continue
		}
		if base.HasRight(right) {
			return true
		}
	}
	return false
}

// TrimToCoverage strips from every candidate scope the rights no base scope
// covers, dropping candidates whose right set becomes empty. Candidate order
// is preserved. This is the repair step that keeps final scopes inside the
// owning user's base scope after the base narrows.
func TrimToCoverage(baseScopes, candidateScopes []AccessScope) []AccessScope {
	out := make([]AccessScope, 0, len(candidateScopes))
	for _, candidate := range candidateScopes {
		kept := make([]string, 0, len(candidate.AccessRights))
		for _, right := range candidate.AccessRights {
			if RightCovered(baseScopes, candidate.WildcardPath, right) {
				kept = append(kept, right)
			}
		}
		if len(kept) == 0 {
			continue
		}
		out = append(out, AccessScope{WildcardPath: candidate.WildcardPath, AccessRights: kept})
	}
	return out
}

// MatchRequest reports whether any scope authorizes the given concrete
// request path and method. The first scope whose matcher accepts the path and
// whose rights include the method wins; evaluation is short-circuited.
func MatchRequest(scopes []AccessScope, requestPath, requestMethod string) bool {
	for _, s := range scopes {
		if !CompileWildcard(s.WildcardPath).MatchString(requestPath) {
			continue
		}
		if s.HasRight(requestMethod) {
			return true
		}
	}
	return false
}
