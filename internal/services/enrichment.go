package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/Wikid82/warden/internal/cache"
	"github.com/Wikid82/warden/internal/logger"
	"github.com/Wikid82/warden/internal/metrics"
	"github.com/Wikid82/warden/internal/models"
)

// ErrEnrichmentUnavailable marks a signal lookup that failed or timed out. The
// affected component degrades to zero.
var ErrEnrichmentUnavailable = errors.New("enrichment unavailable")

// EnrichmentSource yields per-address facts. A nil result with a nil error means the
// address has never been enriched.
type EnrichmentSource interface {
	Geolocation(ctx context.Context, address string) (*models.IPGeolocation, error)
	ThreatIntel(ctx context.Context, address string) (*models.IPThreatIntel, error)
}

// EnrichmentSnapshot is the per-address read model consumed by the scorer and rules.
type EnrichmentSnapshot struct {
	Address   string
	Geo       *models.IPGeolocation
	Intel     *models.IPThreatIntel
	GeoErr    error
	IntelErr  error
	FetchedAt time.Time
	// Stale is set when any part of the snapshot is older than the freshness window.
	Stale bool
}

// AbuseScore returns the abuse confidence score, zero when unknown.
func (s *EnrichmentSnapshot) AbuseScore() int {
	if s == nil || s.Intel == nil {
		return 0
	}
	return s.Intel.AbuseIPDBScore
}

// CountryCode returns the geolocated country, empty when unknown.
func (s *EnrichmentSnapshot) CountryCode() string {
	if s == nil || s.Geo == nil {
		return ""
	}
	return s.Geo.CountryCode
}

// StoreEnrichment reads enrichment rows maintained by the enrichment collaborator.
type StoreEnrichment struct {
	db *gorm.DB
}

// NewStoreEnrichment returns a store-backed EnrichmentSource.
func NewStoreEnrichment(db *gorm.DB) *StoreEnrichment {
	return &StoreEnrichment{db: db}
}

func (s *StoreEnrichment) Geolocation(ctx context.Context, address string) (*models.IPGeolocation, error) {
	var geo models.IPGeolocation
	if err := s.db.WithContext(ctx).Where("ip_address = ?", address).First(&geo).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: geolocation: %w", ErrEnrichmentUnavailable, err)
	}
	return &geo, nil
}

func (s *StoreEnrichment) ThreatIntel(ctx context.Context, address string) (*models.IPThreatIntel, error) {
	var intel models.IPThreatIntel
	if err := s.db.WithContext(ctx).Where("ip_address = ?", address).First(&intel).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: threat intel: %w", ErrEnrichmentUnavailable, err)
	}
	return &intel, nil
}

// CachedEnrichment is a read-through cache in front of another source. Misses,
// including "never enriched", are cached for the TTL.
type CachedEnrichment struct {
	next  EnrichmentSource
	cache cache.Cache
	ttl   time.Duration
}

// NewCachedEnrichment wraps next with c. A non-positive ttl disables caching.
func NewCachedEnrichment(next EnrichmentSource, c cache.Cache, ttl time.Duration) *CachedEnrichment {
	return &CachedEnrichment{next: next, cache: c, ttl: ttl}
}

func (c *CachedEnrichment) Geolocation(ctx context.Context, address string) (*models.IPGeolocation, error) {
	var geo *models.IPGeolocation
	err := c.readThrough(ctx, "geo:"+address, &geo, func() (interface{}, error) {
		return c.next.Geolocation(ctx, address)
	})
	return geo, err
}

func (c *CachedEnrichment) ThreatIntel(ctx context.Context, address string) (*models.IPThreatIntel, error) {
	var intel *models.IPThreatIntel
	err := c.readThrough(ctx, "intel:"+address, &intel, func() (interface{}, error) {
		return c.next.ThreatIntel(ctx, address)
	})
	return intel, err
}

func (c *CachedEnrichment) readThrough(ctx context.Context, key string, dst interface{}, load func() (interface{}, error)) error {
	if raw, ok := c.cache.Get(ctx, key); ok {
		if err := json.Unmarshal(raw, dst); err == nil {
			return nil
		}
		c.cache.Delete(ctx, key)
	}
	v, err := load()
	if err != nil {
		return err
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode enrichment: %w", err)
	}
	c.cache.Set(ctx, key, raw, c.ttl)
	return json.Unmarshal(raw, dst)
}

// Enricher assembles snapshots with a bounded time budget per lookup.
type Enricher struct {
	source    EnrichmentSource
	timeout   time.Duration
	freshness time.Duration
	now       func() time.Time
}

// NewEnricher returns an Enricher. timeout bounds each lookup; freshness decides when a
// snapshot is flagged stale.
func NewEnricher(source EnrichmentSource, timeout, freshness time.Duration) *Enricher {
	return &Enricher{source: source, timeout: timeout, freshness: freshness, now: time.Now}
}

// Snapshot never fails: lookup errors are recorded on the snapshot and counted.
func (e *Enricher) Snapshot(ctx context.Context, address string) *EnrichmentSnapshot {
	snap := &EnrichmentSnapshot{Address: address, FetchedAt: e.now()}

	geoCtx, cancel := context.WithTimeout(ctx, e.timeout)
	snap.Geo, snap.GeoErr = e.source.Geolocation(geoCtx, address)
	cancel()
	if snap.GeoErr != nil {
		snap.Geo = nil
		e.degraded("geolocation", address, snap.GeoErr)
	}

	intelCtx, cancel := context.WithTimeout(ctx, e.timeout)
	snap.Intel, snap.IntelErr = e.source.ThreatIntel(intelCtx, address)
	cancel()
	if snap.IntelErr != nil {
		snap.Intel = nil
		e.degraded("threat_intel", address, snap.IntelErr)
	}

	cutoff := snap.FetchedAt.Add(-e.freshness)
	if snap.Geo != nil && snap.Geo.UpdatedAt.Before(cutoff) {
		snap.Stale = true
	}
	if snap.Intel != nil && snap.Intel.UpdatedAt.Before(cutoff) {
		snap.Stale = true
	}
	return snap
}

func (e *Enricher) degraded(signal, address string, err error) {
	metrics.IncEnrichmentFailure(signal)
	logger.Component("enrichment", address).WithError(err).WithField("signal", signal).Warn("enrichment lookup degraded")
}
