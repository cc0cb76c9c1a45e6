package backends

import (
	"fleet-orchestrator/core/models"
)

// MatchOffers keeps the offers whose resources and price satisfy the requirements
// and are in one of the given regions (all regions if empty)
func MatchOffers(offers []models.InstanceOffer, req models.Requirements, regions []string) []models.InstanceOffer {
	var out []models.InstanceOffer
	for _, o := range offers {
		if !inRegions(o.Region, regions) {
			continue
		}
		if req.MaxPrice != nil && o.Price > *req.MaxPrice {
			continue
		}
		if !req.Matches(o.Resources) {
			continue
		}
		out = append(out, o)
	}
	return out
}

// WithAvailability attaches availability to offers. A nil availability func
// reports every offer as available.
func WithAvailability(offers []models.InstanceOffer, availability func(models.InstanceOffer) models.Availability) []models.InstanceOfferWithAvailability {
	out := make([]models.InstanceOfferWithAvailability, 0, len(offers))
	for _, o := range offers {
		a := models.AvailabilityAvailable
		if availability != nil {
			a = availability(o)
		}
		out = append(out, models.InstanceOfferWithAvailability{InstanceOffer: o, Availability: a})
	}
	return out
}

// SpotVariants expands each offer into an on-demand and, when spotPrice returns
// a positive value, a spot variant
func SpotVariants(offers []models.InstanceOffer, spotPrice func(models.InstanceOffer) float64) []models.InstanceOffer {
	out := make([]models.InstanceOffer, 0, 2*len(offers))
	for _, o := range offers {
		o.Resources.Spot = false
		out = append(out, o)
		if spotPrice == nil {
			continue
		}
		if p := spotPrice(o); p > 0 {
			spot := o
			spot.Resources.Spot = true
			spot.Price = p
			out = append(out, spot)
		}
	}
	return out
}

func inRegions(region string, regions []string) bool {
	if len(regions) == 0 {
		return true
	}
	for _, r := range regions {
		if r == region {
			return true
		}
	}
	return false
}
