// Package access makes the final allow/deny call for a request: it resolves
// a presented token to a credential, matches the request against the
// credential's final scopes, and retries once after pulling the owner's base
// rights into the credential when the first pass denies.
package access

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/modelvault/authcore/pkg/errs"
	"github.com/modelvault/authcore/pkg/observability"
	"github.com/modelvault/authcore/pkg/rights"
	"github.com/modelvault/authcore/pkg/scope"
	"github.com/modelvault/authcore/pkg/sso"
	"github.com/modelvault/authcore/pkg/store"
)

// SelfSignedType is the authorization scheme of tokens this service issues
// itself on password or api-key login.
const SelfSignedType = "Security"

// SelfSignedTTL bounds a self-signed token's cache life.
const SelfSignedTTL = time.Hour

// selfSignedCachePrefix namespaces self-signed token records, keyed by the
// MD5 of the full "Security ..." token.
const selfSignedCachePrefix = "securityToken"

// selfSignedRecord is the cache record behind an issued self-signed token.
type selfSignedRecord struct {
	Method string `json:"method"`
}

// Service resolves tokens and evaluates access decisions.
type Service struct {
	accessor *store.Accessor
	cache    store.Cache
	rights   *rights.Engine
	sessions *sso.Controller
	logger   *logrus.Logger
	metrics  *observability.Metrics
}

// NewService wires the decision path. metrics may be nil.
func NewService(
	accessor *store.Accessor,
	cache store.Cache,
	engine *rights.Engine,
	sessions *sso.Controller,
	logger *logrus.Logger,
	metrics *observability.Metrics,
) *Service {
	return &Service{
		accessor: accessor,
		cache:    cache,
		rights:   engine,
		sessions: sessions,
		logger:   logger,
		metrics:  metrics,
	}
}

// Login verifies a credential and issues a self-signed token bound to it,
// returning the token and the owning user id. Any resolution failure
// collapses to errs.ErrUnauthorized so a caller cannot probe which part of
// the credential was wrong.
func (s *Service) Login(ctx context.Context, method store.AuthMethod) (string, string, error) {
	credentialKey, err := method.CredentialKey()
	if err != nil {
		return "", "", fmt.Errorf("credential rejected: %w", errs.ErrUnauthorized)
	}
	entry, err := s.accessor.GetAuthContextByCredentialKey(ctx, credentialKey)
	if err != nil {
		if errors.Is(err, errs.ErrNotFound) {
			return "", "", fmt.Errorf("credential rejected: %w", errs.ErrUnauthorized)
		}
		return "", "", err
	}

	tokenWithType := SelfSignedType + " " + strings.ToUpper(store.MD5Hex(uuid.NewString()))
	raw, err := json.Marshal(selfSignedRecord{Method: credentialKey})
	if err != nil {
		return "", "", fmt.Errorf("token record: %v: %w", err, errs.ErrInternal)
	}
	if err := s.cache.SetValue(ctx, selfSignedCacheKey(tokenWithType), string(raw), SelfSignedTTL); err != nil {
		return "", "", err
	}
	return tokenWithType, entry.UserID, nil
}

// Logout invalidates a token of either kind. Unknown tokens are a no-op.
func (s *Service) Logout(ctx context.Context, tokenWithType string) error {
	if IsSelfSigned(tokenWithType) {
		return s.cache.DeleteKey(ctx, selfSignedCacheKey(tokenWithType))
	}
	if s.sessions == nil {
		return nil
	}
	return s.sessions.Logout(ctx, tokenWithType)
}

// CheckRequest is one access question: may the holder of Token perform
// Right on Path?
type CheckRequest struct {
	Token string
	Path  string
	Right string
}

// Decision is the answer. When TokenRefreshed is set the caller must hand
// NewToken back to the client; the presented token is dead.
type Decision struct {
	Allowed        bool
	UserID         string
	UserName       string
	UserEmail      string
	AuthMethodKey  string
	TokenRefreshed bool
	NewToken       string
}

// Check evaluates one access question. Denials for a resolvable credential
// return Allowed=false with the identity filled in; unresolvable tokens
// return errs.ErrUnauthorized.
func (s *Service) Check(ctx context.Context, req CheckRequest) (*Decision, error) {
	start := time.Now()
	tokenKind := "federated"
	if IsSelfSigned(req.Token) {
		tokenKind = "self_signed"
	}

	decision, err := s.check(ctx, req)
	if s.metrics != nil {
		s.metrics.AccessCheckDuration.WithLabelValues(tokenKind).Observe(time.Since(start).Seconds())
		outcome := "error"
		if err == nil {
			outcome = "deny"
			if decision.Allowed {
				outcome = "allow"
			}
		} else if errors.Is(err, errs.ErrUnauthorized) {
			outcome = "unauthorized"
		}
		s.metrics.AccessChecksTotal.WithLabelValues(outcome, tokenKind).Inc()
	}
	return decision, err
}

func (s *Service) check(ctx context.Context, req CheckRequest) (*Decision, error) {
	credentialKey, refreshed, newToken, err := s.resolveToken(ctx, req.Token)
	if err != nil {
		return nil, err
	}

	entry, err := s.accessor.GetAuthContextByCredentialKey(ctx, credentialKey)
	if err != nil {
		if errors.Is(err, errs.ErrNotFound) {
			return nil, fmt.Errorf("token resolves to no credential: %w", errs.ErrUnauthorized)
		}
		return nil, err
	}

	allowed := scope.MatchRequest(entry.FinalAccessScope, req.Path, req.Right)
	if !allowed {
		entry, allowed = s.selfHeal(ctx, entry, credentialKey, req)
	}

	return &Decision{
		Allowed:        allowed,
		UserID:         entry.UserID,
		UserName:       entry.UserName,
		UserEmail:      entry.UserEmail,
		AuthMethodKey:  credentialKey,
		TokenRefreshed: refreshed,
		NewToken:       newToken,
	}, nil
}

// selfHeal runs the one-shot denial recovery: pull the owner's base scopes
// into the credential's finals and re-evaluate. Rights-propagation may have
// widened the base after the credential's finals were written.
func (s *Service) selfHeal(ctx context.Context, entry *store.AuthEntry, credentialKey string, req CheckRequest) (*store.AuthEntry, bool) {
	if err := s.rights.GrantBaseToFinal(ctx, entry.UserID, credentialKey); err != nil {
		if !errors.Is(err, errs.ErrForbidden) && !errors.Is(err, errs.ErrNotFound) {
			s.logger.WithError(err).WithField("userId", entry.UserID).Warn("self-heal grant failed")
		}
		s.countSelfHeal("deny")
		return entry, false
	}

	healed, err := s.accessor.GetAuthContextByCredentialKey(ctx, credentialKey)
	if err != nil {
		s.logger.WithError(err).Warn("credential re-read failed after self-heal")
		s.countSelfHeal("deny")
		return entry, false
	}

	allowed := scope.MatchRequest(healed.FinalAccessScope, req.Path, req.Right)
	if allowed {
		s.countSelfHeal("allow")
	} else {
		s.countSelfHeal("deny")
	}
	return healed, allowed
}

// resolveToken maps a presented token to its credential key. Federated
// tokens may come back rotated.
func (s *Service) resolveToken(ctx context.Context, tokenWithType string) (credentialKey string, refreshed bool, newToken string, err error) {
	if IsSelfSigned(tokenWithType) {
		raw, err := s.cache.GetValue(ctx, selfSignedCacheKey(tokenWithType))
		if err != nil {
			if errors.Is(err, errs.ErrNotFound) {
				return "", false, "", fmt.Errorf("unknown or expired token: %w", errs.ErrUnauthorized)
			}
			return "", false, "", err
		}
		var record selfSignedRecord
		if jsonErr := json.Unmarshal([]byte(raw), &record); jsonErr != nil || record.Method == "" {
			return "", false, "", fmt.Errorf("corrupt token record: %w", errs.ErrUnauthorized)
		}
		return record.Method, false, "", nil
	}

	if s.sessions == nil {
		return "", false, "", fmt.Errorf("federated login is not configured: %w", errs.ErrUnauthorized)
	}
	result, err := s.sessions.PerformCheckAndRefresh(ctx, tokenWithType)
	if err != nil {
		return "", false, "", err
	}
	if result.Status == sso.CheckRefreshed {
		if s.metrics != nil {
			s.metrics.TokenRefreshesTotal.WithLabelValues("success").Inc()
		}
		return result.CredentialKey, true, result.TokenWithType, nil
	}
	return result.CredentialKey, false, "", nil
}

func (s *Service) countSelfHeal(outcome string) {
	if s.metrics != nil {
		s.metrics.SelfHealRetriesTotal.WithLabelValues(outcome).Inc()
	}
}

// IsSelfSigned reports whether a token was issued by this service rather
// than a federated provider.
func IsSelfSigned(tokenWithType string) bool {
	return strings.HasPrefix(tokenWithType, SelfSignedType+" ")
}

func selfSignedCacheKey(tokenWithType string) string {
	return selfSignedCachePrefix + store.MD5Hex(tokenWithType)
}
