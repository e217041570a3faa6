// Package cache provides the Redis-backed query cache for per-tenant audit
// aggregates. Keys are "audit:<shape>:<orgID>"; every key of a tenant is
// invalidated when the tenant records an event, so reads serve at most one
// TTL window of staleness and never survive a write.
package cache

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"auditcore/internal/audit/models"
	platformredis "auditcore/internal/platform/redis"
	id "auditcore/pkg/domain"
)

const (
	shapeActions       = "actions"
	shapeResourceTypes = "resource_types"
	shapeStats         = "stats"
)

var shapes = []string{shapeActions, shapeResourceTypes, shapeStats}

// Cache is best-effort: every failure degrades to a store read and is
// logged, never propagated.
type Cache struct {
	client *platformredis.Client
	ttl    time.Duration
	logger *slog.Logger
}

// New constructs a query cache with the given TTL.
func New(client *platformredis.Client, ttl time.Duration, logger *slog.Logger) *Cache {
	return &Cache{client: client, ttl: ttl, logger: logger}
}

// GetActions returns the cached distinct-actions result for a tenant.
func (c *Cache) GetActions(ctx context.Context, orgID id.OrganizationID) ([]models.Action, bool) {
	var actions []models.Action
	if !c.get(ctx, key(shapeActions, orgID), &actions) {
		return nil, false
	}
	return actions, true
}

// SetActions caches the distinct-actions result for a tenant.
func (c *Cache) SetActions(ctx context.Context, orgID id.OrganizationID, actions []models.Action) {
	c.set(ctx, key(shapeActions, orgID), actions)
}

// GetResourceTypes returns the cached distinct-resource-types result.
func (c *Cache) GetResourceTypes(ctx context.Context, orgID id.OrganizationID) ([]string, bool) {
	var types []string
	if !c.get(ctx, key(shapeResourceTypes, orgID), &types) {
		return nil, false
	}
	return types, true
}

// SetResourceTypes caches the distinct-resource-types result.
func (c *Cache) SetResourceTypes(ctx context.Context, orgID id.OrganizationID, types []string) {
	c.set(ctx, key(shapeResourceTypes, orgID), types)
}

// GetStats returns the cached statistics for a tenant.
func (c *Cache) GetStats(ctx context.Context, orgID id.OrganizationID) (models.Statistics, bool) {
	var stats models.Statistics
	if !c.get(ctx, key(shapeStats, orgID), &stats) {
		return models.Statistics{}, false
	}
	return stats, true
}

// SetStats caches the statistics for a tenant.
func (c *Cache) SetStats(ctx context.Context, orgID id.OrganizationID, stats models.Statistics) {
	c.set(ctx, key(shapeStats, orgID), stats)
}

// Invalidate drops every cached shape for a tenant. Called on each write so
// cached aggregates never outlive the data they summarize.
func (c *Cache) Invalidate(ctx context.Context, orgID id.OrganizationID) {
	keys := make([]string, len(shapes))
	for i, shape := range shapes {
		keys[i] = key(shape, orgID)
	}
	if err := c.client.Raw().Del(ctx, keys...).Err(); err != nil {
		c.logger.WarnContext(ctx, "failed to invalidate audit cache", "error", err, "organization_id", orgID)
	}
}

func (c *Cache) get(ctx context.Context, key string, out any) bool {
	raw, err := c.client.Raw().Get(ctx, key).Bytes()
	if err != nil {
		return false
	}
	if err := json.Unmarshal(raw, out); err != nil {
		c.logger.WarnContext(ctx, "failed to decode cached value", "error", err, "key", key)
		return false
	}
	return true
}

func (c *Cache) set(ctx context.Context, key string, v any) {
	raw, err := json.Marshal(v)
	if err != nil {
		c.logger.WarnContext(ctx, "failed to encode cache value", "error", err, "key", key)
		return
	}
	if err := c.client.Raw().Set(ctx, key, raw, c.ttl).Err(); err != nil {
		c.logger.WarnContext(ctx, "failed to write audit cache", "error", err, "key", key)
	}
}

func key(shape string, orgID id.OrganizationID) string {
	return "audit:" + shape + ":" + orgID.String()
}
