package presence

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Mirror is the shared presence store every instance writes through
type Mirror interface {
	GetOnlineUsers(ctx context.Context) ([]uuid.UUID, error)
	IsUserOnline(ctx context.Context, userID uuid.UUID) (bool, error)
	IsDegraded() bool
}

// ClusterView answers presence queries across instances. Users connected
// here are always reported; the mirror adds everyone else and is skipped
// while degraded or failing.
type ClusterView struct {
	local  *Registry
	mirror Mirror
	log    *zap.Logger
}

// NewClusterView creates a view over the local registry and an optional mirror
func NewClusterView(local *Registry, mirror Mirror, log *zap.Logger) *ClusterView {
	if log == nil {
		log = zap.NewNop()
	}
	return &ClusterView{local: local, mirror: mirror, log: log}
}

// Online returns the union of local and mirrored users, local ones first
func (v *ClusterView) Online(ctx context.Context) []uuid.UUID {
	users := v.local.Online()
	if v.mirror == nil || v.mirror.IsDegraded() {
		return users
	}
	remote, err := v.mirror.GetOnlineUsers(ctx)
	if err != nil {
		v.log.Warn("Presence mirror unavailable, listing local users only", zap.Error(err))
		return users
	}

	seen := make(map[uuid.UUID]struct{}, len(users)+len(remote))
	for _, id := range users {
		seen[id] = struct{}{}
	}
	for _, id := range remote {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		users = append(users, id)
	}
	return users
}

// IsOnline reports whether userID holds a connection on any instance
func (v *ClusterView) IsOnline(ctx context.Context, userID uuid.UUID) bool {
	if _, ok := v.local.Lookup(userID); ok {
		return true
	}
	if v.mirror == nil || v.mirror.IsDegraded() {
		return false
	}
	online, err := v.mirror.IsUserOnline(ctx, userID)
	if err != nil {
		v.log.Warn("Presence mirror lookup failed",
			zap.String("user_id", userID.String()),
			zap.Error(err))
		return false
	}
	return online
}
