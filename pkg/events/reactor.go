// Package events converges stored grants with asynchronous domain events.
// Delivery is at least once: every handler is idempotent, internal failures
// fail the whole event so the delivery layer redelivers it, and
// business-level absences (user already gone) succeed as no-ops.
package events

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/modelvault/authcore/pkg/errs"
	"github.com/modelvault/authcore/pkg/lock"
	"github.com/modelvault/authcore/pkg/observability"
	"github.com/modelvault/authcore/pkg/rights"
	"github.com/modelvault/authcore/pkg/store"
)

// AllUsersMarker in a shared-with set means every user in the system; the
// concrete population must be materialized with a table scan.
const AllUsersMarker = "*"

// Type discriminates domain events.
type Type string

const (
	TypeResourceCreated   Type = "resourceCreated"
	TypeResourceDeleted   Type = "resourceDeleted"
	TypeSharedWithChanged Type = "sharedWithChanged"
	TypeUserCreated       Type = "userCreated"
	TypeUserUpdated       Type = "userUpdated"
	TypeUserDeleted       Type = "userDeleted"
)

// Event is one domain notification. UserID is the resource owner;
// AuthMethodKey is only set on resource creation and names the credential
// the resource was created with.
type Event struct {
	Type          Type     `json:"eventType"`
	UserID        string   `json:"userId"`
	ResourceID    string   `json:"modelId"`
	AuthMethodKey string   `json:"authMethodKey,omitempty"`
	SharedWith    []string `json:"sharedWithUserIds,omitempty"`
	OldSharedWith []string `json:"oldSharedWithUserIds,omitempty"`
}

// Reactor applies grant mutations in response to events.
type Reactor struct {
	accessor *store.Accessor
	locks    *lock.Controller
	rights   *rights.Engine
	logger   *logrus.Logger
	metrics  *observability.Metrics
}

// NewReactor wires the propagation reactor. metrics may be nil.
func NewReactor(accessor *store.Accessor, locks *lock.Controller, engine *rights.Engine, logger *logrus.Logger, metrics *observability.Metrics) *Reactor {
	return &Reactor{accessor: accessor, locks: locks, rights: engine, logger: logger, metrics: metrics}
}

// Handle processes one event. A non-nil return means the delivery layer
// must redeliver.
func (r *Reactor) Handle(ctx context.Context, event Event) error {
	start := time.Now()
	err := r.handle(ctx, event)

	if r.metrics != nil {
		outcome := "success"
		if err != nil {
			outcome = "failure"
		}
		r.metrics.EventsProcessedTotal.WithLabelValues(string(event.Type), outcome).Inc()
		r.metrics.EventFanoutDuration.WithLabelValues(string(event.Type)).Observe(time.Since(start).Seconds())
	}
	if err != nil {
		r.logger.WithError(err).WithFields(logrus.Fields{
			"eventType": event.Type,
			"modelId":   event.ResourceID,
		}).Error("event processing failed, expecting redelivery")
	}
	return err
}

func (r *Reactor) handle(ctx context.Context, event Event) error {
	switch event.Type {
	case TypeResourceCreated:
		return r.resourceCreated(ctx, event)
	case TypeResourceDeleted:
		return r.resourceDeleted(ctx, event)
	case TypeSharedWithChanged:
		return r.sharedWithChanged(ctx, event)
	case TypeUserCreated, TypeUserUpdated, TypeUserDeleted:
		// This service is the producer of user lifecycle events.
		return nil
	default:
		return fmt.Errorf("unknown event type %q: %w", event.Type, errs.ErrBadInput)
	}
}

// resourceCreated grants the owner base rights on the new resource path and
// links the creating credential directly to a matching final scope, so the
// credential keeps access even if the base later narrows.
func (r *Reactor) resourceCreated(ctx context.Context, event Event) error {
	return r.locks.WithLock(ctx, store.UsersTable, event.UserID, func(ctx context.Context) error {
		user, err := r.accessor.GetUser(ctx, event.UserID)
		if err != nil {
			if errors.Is(err, errs.ErrNotFound) {
				return nil
			}
			return err
		}

		if !contains(user.UserModels, event.ResourceID) {
			models := append(append([]string{}, user.UserModels...), event.ResourceID)
			if err := r.accessor.UpdateUser(ctx, event.UserID, store.Item{store.FieldUserModels: models}); err != nil {
				return err
			}
			r.countChange(event.Type, "owned_added")
		}

		ownerScopes := rights.OwnerResourceScopes(event.ResourceID)
		if err := r.rights.GrantBaseRightsLocked(ctx, event.UserID, ownerScopes); err != nil {
			return err
		}
		if event.AuthMethodKey != "" {
			err := r.rights.GrantFinalRightsLocked(ctx, event.UserID, event.AuthMethodKey, ownerScopes)
			if err != nil && !errors.Is(err, errs.ErrNotFound) {
				return err
			}
		}
		return nil
	})
}

// resourceDeleted unwinds sharing grants for everyone on the shared-with
// list, then the owner's own grants and owned-list entry.
func (r *Reactor) resourceDeleted(ctx context.Context, event Event) error {
	if len(event.SharedWith) > 0 {
		sharees, err := r.materialize(ctx, event.SharedWith)
		if err != nil {
			return err
		}
		if err := r.updateSharedLists(ctx, sharees, event.ResourceID, false); err != nil {
			return err
		}
		if err := r.fanOutRights(ctx, sharees, event.ResourceID, false); err != nil {
			return err
		}
	}

	return r.locks.WithLock(ctx, store.UsersTable, event.UserID, func(ctx context.Context) error {
		user, err := r.accessor.GetUser(ctx, event.UserID)
		if err != nil {
			if errors.Is(err, errs.ErrNotFound) {
				return nil
			}
			return err
		}

		if contains(user.UserModels, event.ResourceID) {
			models := remove(user.UserModels, event.ResourceID)
			if err := r.accessor.UpdateUser(ctx, event.UserID, store.Item{store.FieldUserModels: models}); err != nil {
				return err
			}
			r.countChange(event.Type, "owned_removed")
		}

		for _, s := range rights.OwnerResourceScopes(event.ResourceID) {
			if err := r.rights.RevokeBaseRightLocked(ctx, event.UserID, s.WildcardPath); err != nil && !errors.Is(err, errs.ErrNotFound) {
				return err
			}
		}
		return nil
	})
}

// sharedWithChanged diffs the old and new shared-with sets and propagates
// read grants to added users and revokes to removed ones, never touching
// the owner.
func (r *Reactor) sharedWithChanged(ctx context.Context, event Event) error {
	oldStar := contains(event.OldSharedWith, AllUsersMarker)
	newStar := contains(event.SharedWith, AllUsersMarker)
	if oldStar && newStar {
		return nil
	}

	var added, removed []string
	switch {
	case oldStar && !newStar:
		all, err := r.allUserIDs(ctx)
		if err != nil {
			return err
		}
		for _, id := range all {
			if contains(event.SharedWith, id) {
				added = append(added, id)
			} else {
				removed = append(removed, id)
			}
		}
	case newStar && !oldStar:
		all, err := r.allUserIDs(ctx)
		if err != nil {
			return err
		}
		added = all
	default:
		for _, id := range event.OldSharedWith {
			if contains(event.SharedWith, id) {
				continue
			}
			exists, err := r.userExists(ctx, id)
			if err != nil {
				return err
			}
			if exists {
				removed = append(removed, id)
			}
		}
		for _, id := range event.SharedWith {
			if contains(event.OldSharedWith, id) {
				continue
			}
			exists, err := r.userExists(ctx, id)
			if err != nil {
				return err
			}
			if exists {
				added = append(added, id)
			}
		}
	}

	added = remove(added, event.UserID)
	removed = remove(removed, event.UserID)
	if len(added) == 0 && len(removed) == 0 {
		return nil
	}

	if err := r.updateSharedLists(ctx, added, event.ResourceID, true); err != nil {
		return err
	}
	if err := r.updateSharedLists(ctx, removed, event.ResourceID, false); err != nil {
		return err
	}
	if err := r.fanOutRights(ctx, added, event.ResourceID, true); err != nil {
		return err
	}
	return r.fanOutRights(ctx, removed, event.ResourceID, false)
}

// materialize expands the all-users marker into the concrete population.
func (r *Reactor) materialize(ctx context.Context, userIDs []string) ([]string, error) {
	if !contains(userIDs, AllUsersMarker) {
		return userIDs, nil
	}
	return r.allUserIDs(ctx)
}

func (r *Reactor) allUserIDs(ctx context.Context) ([]string, error) {
	users, err := r.accessor.ScanUsers(ctx)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(users))
	for _, u := range users {
		ids = append(ids, u.ID)
	}
	return ids, nil
}

func (r *Reactor) userExists(ctx context.Context, userID string) (bool, error) {
	_, err := r.accessor.GetUser(ctx, userID)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, errs.ErrNotFound) {
		return false, nil
	}
	return false, err
}

// updateSharedLists adds or removes the resource on each user's
// shared-models list. Runs sequentially: list updates are cheap and a
// partial failure must stop before the rights fan-out starts.
func (r *Reactor) updateSharedLists(ctx context.Context, userIDs []string, resourceID string, add bool) error {
	for _, userID := range userIDs {
		err := r.locks.WithLock(ctx, store.UsersTable, userID, func(ctx context.Context) error {
			user, err := r.accessor.GetUser(ctx, userID)
			if err != nil {
				if errors.Is(err, errs.ErrNotFound) {
					return nil
				}
				return err
			}

			has := contains(user.UserSharedModels, resourceID)
			if add == has {
				return nil
			}
			var shared []string
			if add {
				shared = append(append([]string{}, user.UserSharedModels...), resourceID)
			} else {
				shared = remove(user.UserSharedModels, resourceID)
			}
			return r.accessor.UpdateUser(ctx, userID, store.Item{store.FieldUserSharedModels: shared})
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// fanOutRights applies the sharing grant or revoke for each user as an
// independent unit of work. The errgroup is the completion barrier: the
// event is not acknowledged until every unit finished, and any failure
// fails the whole event.
func (r *Reactor) fanOutRights(ctx context.Context, userIDs []string, resourceID string, add bool) error {
	group, ctx := errgroup.WithContext(ctx)
	for _, userID := range userIDs {
		userID := userID
		group.Go(func() error {
			return r.locks.WithLock(ctx, store.UsersTable, userID, func(ctx context.Context) error {
				exists, err := r.userExists(ctx, userID)
				if err != nil {
					return err
				}
				if !exists {
					return nil
				}

				if add {
					if err := r.rights.GrantBaseRightsLocked(ctx, userID, rights.SharedResourceScopes(resourceID, userID)); err != nil {
						return err
					}
					r.countChange(TypeSharedWithChanged, "grant")
					return nil
				}
				for _, s := range rights.SharedResourceScopes(resourceID, userID) {
					if err := r.rights.RevokeBaseRightLocked(ctx, userID, s.WildcardPath); err != nil && !errors.Is(err, errs.ErrNotFound) {
						return err
					}
				}
				r.countChange(TypeSharedWithChanged, "revoke")
				return nil
			})
		})
	}
	return group.Wait()
}

func (r *Reactor) countChange(eventType Type, change string) {
	if r.metrics != nil {
		r.metrics.ProvisionedUsersChanged.WithLabelValues(string(eventType), change).Inc()
	}
}

func contains(list []string, value string) bool {
	for _, v := range list {
		if v == value {
			return true
		}
	}
	return false
}

func remove(list []string, value string) []string {
	out := make([]string, 0, len(list))
	for _, v := range list {
		if v != value {
			out = append(out, v)
		}
	}
	return out
}
