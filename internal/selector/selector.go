package selector

import (
	"math"
	"math/rand"

	"github.com/example/ride-dispatch/internal/models"
)

// Policy picks one driver from a non-empty eligible set.
type Policy interface {
	Pick(candidates []models.Driver) models.Driver
}

// UniformPolicy picks uniformly at random. This is the contract default; a
// ranked matcher can be substituted behind the same Policy interface.
type UniformPolicy struct {
	// Rand lets tests pin the choice; nil uses the global source.
	Rand *rand.Rand
}

func (p UniformPolicy) Pick(candidates []models.Driver) models.Driver {
	if p.Rand != nil {
		return candidates[p.Rand.Intn(len(candidates))]
	}
	return candidates[rand.Intn(len(candidates))]
}

// NearestPolicy picks the driver with the shortest great-circle distance to
// the pickup point. Opt-in alternative to UniformPolicy.
type NearestPolicy struct {
	Pickup models.Coord
}

func (p NearestPolicy) Pick(candidates []models.Driver) models.Driver {
	best := candidates[0]
	bestDist := Haversine(p.Pickup.Lat, p.Pickup.Lon, best.Loc.Lat, best.Loc.Lon)
	for _, d := range candidates[1:] {
		dist := Haversine(p.Pickup.Lat, p.Pickup.Lon, d.Loc.Lat, d.Loc.Lon)
		if dist < bestDist {
			best, bestDist = d, dist
		}
	}
	return best
}

// Eligible filters directory drivers to those assignable to the booking:
// available, not the requesting rider's own driver profile, and not already
// rejected for this booking.
func Eligible(drivers []models.Driver, excludeIDs map[string]struct{}, requesterUserID string) []models.Driver {
	out := make([]models.Driver, 0, len(drivers))
	for _, d := range drivers {
		if d.Status != models.DriverAvailable {
			continue
		}
		if d.UserID != "" && d.UserID == requesterUserID {
			continue
		}
		if _, rejected := excludeIDs[d.ID]; rejected {
			continue
		}
		out = append(out, d)
	}
	return out
}

// Select filters drivers and delegates the choice to policy. ok is false when
// no driver is eligible; the caller treats that as "no driver available".
func Select(drivers []models.Driver, excludeIDs map[string]struct{}, requesterUserID string, policy Policy) (models.Driver, bool) {
	eligible := Eligible(drivers, excludeIDs, requesterUserID)
	if len(eligible) == 0 {
		return models.Driver{}, false
	}
	if policy == nil {
		policy = UniformPolicy{}
	}
	return policy.Pick(eligible), true
}

// Haversine distance in meters.
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	const R = 6371000.0
	toRad := func(deg float64) float64 { return deg * math.Pi / 180.0 }
	dLat := toRad(lat2 - lat1)
	dLon := toRad(lon2 - lon1)
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(toRad(lat1))*math.Cos(toRad(lat2))*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return R * c
}
