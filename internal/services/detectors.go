package services

import (
	"context"
	"time"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geo"

	"github.com/Wikid82/warden/internal/logger"
	"github.com/Wikid82/warden/internal/metrics"
	"github.com/Wikid82/warden/internal/models"
)

// Detector thresholds.
const (
	travelMinDistanceKm = 500.0
	travelMaxSpeedKmh   = 1000.0
	travelBoost         = 40

	bruteSuccessWindow     = time.Hour
	bruteSuccessFailures   = 10
	bruteSuccessHeavy      = 50
	bruteSuccessBoost      = 25
	bruteSuccessHeavyBoost = 35

	lateralWindow     = 10 * time.Minute
	lateralServers    = 5
	lateralHeavy      = 10
	lateralBoost      = 20
	lateralHeavyBoost = 30
)

// TravelPoint is one located login.
type TravelPoint struct {
	Address string
	At      time.Time
	Geo     *models.IPGeolocation
}

// TravelFinding describes the most implausible hop found.
type TravelFinding struct {
	From       string
	DistanceKm float64
	SpeedKmh   float64
}

// DistanceKm is the great-circle distance between two located addresses.
func DistanceKm(a, b *models.IPGeolocation) float64 {
	p1 := orb.Point{*a.Longitude, *a.Latitude}
	p2 := orb.Point{*b.Longitude, *b.Latitude}
	return geo.DistanceHaversine(p1, p2) / 1000
}

// ImpossibleTravel checks the current login against earlier logins by the same user.
// It returns the boost and the hop that triggered it.
func ImpossibleTravel(current TravelPoint, prior []TravelPoint) (int, *TravelFinding) {
	if !current.Geo.HasCoordinates() {
		return 0, nil
	}
	for _, p := range prior {
		if p.Address == current.Address || !p.Geo.HasCoordinates() {
			continue
		}
		distance := DistanceKm(current.Geo, p.Geo)
		if distance <= travelMinDistanceKm {
			continue
		}
		elapsed := current.At.Sub(p.At)
		if elapsed < 0 {
			elapsed = -elapsed
		}
		speed := distance / elapsed.Hours()
		if elapsed == 0 {
			speed = distance * 3600
		}
		if speed > travelMaxSpeedKmh {
			return travelBoost, &TravelFinding{From: p.Address, DistanceKm: distance, SpeedKmh: speed}
		}
	}
	return 0, nil
}

// BruteForceThenSuccess scores a successful login preceded by many failures.
func BruteForceThenSuccess(success bool, priorFailures int64) int {
	switch {
	case !success:
		return 0
	case priorFailures >= bruteSuccessHeavy:
		return bruteSuccessHeavyBoost
	case priorFailures >= bruteSuccessFailures:
		return bruteSuccessBoost
	}
	return 0
}

// LateralMovement scores one address reaching many hosts in a short window.
func LateralMovement(distinctServers int64) int {
	switch {
	case distinctServers >= lateralHeavy:
		return lateralHeavyBoost
	case distinctServers >= lateralServers:
		return lateralBoost
	}
	return 0
}

func (s *ThreatScorer) runDetectors(ctx context.Context, address string, ev *EventContext, current *models.IPGeolocation, at time.Time, factors *factorSet) DetectorBoosts {
	var boosts DetectorBoosts
	log := logger.Component("detectors", address)
	success := ev != nil && ev.EventType == models.EventTypeSuccessful

	if success && ev.Username != "" && current.HasCoordinates() {
		logins, err := s.history.SuccessfulLoginsElsewhere(ctx, ev.Username, address, at.Add(-s.cfg.TravelLookback), at)
		if err != nil {
			metrics.IncEnrichmentFailure("history")
			log.WithError(err).Warn("impossible travel check skipped")
		} else {
			prior := make([]TravelPoint, 0, len(logins))
			located := map[string]*models.IPGeolocation{}
			for _, l := range logins {
				g, seen := located[l.SourceIP]
				if !seen {
					g = s.enricher.Snapshot(ctx, l.SourceIP).Geo
					located[l.SourceIP] = g
				}
				prior = append(prior, TravelPoint{Address: l.SourceIP, At: l.Timestamp, Geo: g})
			}
			boost, finding := ImpossibleTravel(TravelPoint{Address: address, At: at, Geo: current}, prior)
			if finding != nil {
				boosts.ImpossibleTravel = boost
				factors.add(FactorImpossibleTravel)
				log.WithFields(map[string]interface{}{
					"from":        finding.From,
					"distance_km": int(finding.DistanceKm),
					"speed_kmh":   int(finding.SpeedKmh),
				}).Info("impossible travel detected")
			}
		}
	}

	if success {
		failures, err := s.history.CountEvents(ctx, address, nil, at.Add(-bruteSuccessWindow), at)
		if err != nil {
			metrics.IncEnrichmentFailure("history")
			log.WithError(err).Warn("brute-force success check skipped")
		} else if boost := BruteForceThenSuccess(true, failures); boost > 0 {
			boosts.BruteForceSuccess = boost
			factors.add(FactorBruteForceSuccess)
		}
	}

	servers, err := s.history.DistinctServers(ctx, address, at.Add(-lateralWindow), at.Add(time.Nanosecond))
	if err != nil {
		metrics.IncEnrichmentFailure("history")
		log.WithError(err).Warn("lateral movement check skipped")
	} else if boost := LateralMovement(servers); boost > 0 {
		boosts.LateralMovement = boost
		factors.add(FactorLateralMovement)
	}

	return boosts
}
