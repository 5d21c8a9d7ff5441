package ratelimit

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"stage_gateway/internal/storage"
)

// Limits are the effective limits for one user
type Limits struct {
	DailyLimit int
	StreamCap  int
}

// LimitSource reads per-user overrides
type LimitSource interface {
	GetLimits(ctx context.Context, userID string) (*storage.UserLimits, error)
}

// LimitResolverConfig configures a LimitResolver
type LimitResolverConfig struct {
	Defaults  Limits
	CacheSize int
	CacheTTL  time.Duration
}

// LimitResolver merges per-user overrides over the gateway defaults
type LimitResolver struct {
	source   LimitSource
	defaults Limits
	cache    *storage.LRUCache[Limits]
	group    singleflight.Group
	logger   *zap.Logger
}

// NewLimitResolver creates a resolver. Resolved limits are cached for CacheTTL.
func NewLimitResolver(source LimitSource, cfg LimitResolverConfig, logger *zap.Logger) *LimitResolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LimitResolver{
		source:   source,
		defaults: cfg.Defaults,
		cache:    storage.NewLRUCache[Limits](cfg.CacheSize, cfg.CacheTTL),
		logger:   logger.Named("limits"),
	}
}

// Defaults returns the gateway-wide limits
func (r *LimitResolver) Defaults() Limits {
	return r.defaults
}

// Resolve returns the limits for userID. A failed lookup falls back to the
// defaults and is not cached.
func (r *LimitResolver) Resolve(ctx context.Context, userID string) Limits {
	if l, ok := r.cache.Get(userID); ok {
		return l
	}

	lookupCtx := context.WithoutCancel(ctx)
	v, err, _ := r.group.Do(userID, func() (interface{}, error) {
		over, err := r.source.GetLimits(lookupCtx, userID)
		if err != nil {
			return nil, err
		}
		l := r.defaults
		if over.DailyLimit != nil && *over.DailyLimit > 0 {
			l.DailyLimit = *over.DailyLimit
		}
		if over.StreamCap != nil && *over.StreamCap > 0 {
			l.StreamCap = *over.StreamCap
		}
		r.cache.Set(userID, l)
		return l, nil
	})
	if err != nil {
		r.logger.Warn("user limits unavailable, using defaults",
			zap.String("user_id", userID),
			zap.Error(err),
		)
		return r.defaults
	}
	return v.(Limits)
}
