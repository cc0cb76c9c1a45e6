// Package offers queries backends for instance offers and ranks them.
package offers

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	gocache "github.com/patrickmn/go-cache"
	"golang.org/x/sync/errgroup"

	"fleet-orchestrator/core/backends"
	"fleet-orchestrator/core/logger"
	"fleet-orchestrator/core/models"
	"fleet-orchestrator/core/monitoring"
)

// DefaultTimeout bounds the wait for all backends to answer
const DefaultTimeout = 30 * time.Second

// Candidate is an offer together with the backend that can provision it
type Candidate struct {
	Backend backends.Backend
	Offer   models.InstanceOfferWithAvailability
}

// Config configures the selector
type Config struct {
	Timeout  time.Duration
	CacheTTL time.Duration // zero disables caching
}

// Selector fans out offer queries to backends and ranks the results
type Selector struct {
	cfg     Config
	cache   *gocache.Cache
	metrics *monitoring.Metrics
	log     *logger.Logger
}

// NewSelector creates a new offer selector
func NewSelector(cfg Config, metrics *monitoring.Metrics, log *logger.Logger) *Selector {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	s := &Selector{cfg: cfg, metrics: metrics, log: log}
	if cfg.CacheTTL > 0 {
		s.cache = gocache.New(cfg.CacheTTL, 2*cfg.CacheTTL)
	}
	return s
}

// GetInstanceCandidates queries every backend concurrently and returns the
// ranked offers that pass the spot policy. A backend that fails or does not
// answer in time contributes no offers; the call itself never fails.
func (s *Selector) GetInstanceCandidates(ctx context.Context, req models.Requirements, spotPolicy models.SpotPolicy, bs []backends.Backend) []Candidate {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	results := make([][]Candidate, len(bs))
	errs := make([]error, len(bs))

	g, gctx := errgroup.WithContext(ctx)
	for i := range bs {
		i, b := i, bs[i]
		g.Go(func() error {
			offers, err := s.backendOffers(gctx, b, req)
			if err != nil {
				errs[i] = errors.Wrap(err, string(b.Type))
				return nil
			}
			for _, o := range offers {
				if spotPolicy.Allows(o.Resources.Spot) {
					results[i] = append(results[i], Candidate{Backend: b, Offer: o})
				}
			}
			return nil
		})
	}
	_ = g.Wait()

	var failed *multierror.Error
	for _, err := range errs {
		if err != nil {
			failed = multierror.Append(failed, err)
		}
	}
	if failed.ErrorOrNil() != nil {
		s.log.Warn("Some backends returned no offers", logger.Int("failed", failed.Len()), logger.Error(failed))
	}

	var out []Candidate
	for _, r := range results {
		out = append(out, r...)
	}
	Rank(out)
	return out
}

func (s *Selector) backendOffers(ctx context.Context, b backends.Backend, req models.Requirements) ([]models.InstanceOfferWithAvailability, error) {
	key := ""
	if s.cache != nil {
		key = cacheKey(b.Type, req)
		if cached, ok := s.cache.Get(key); ok {
			return cached.([]models.InstanceOfferWithAvailability), nil
		}
	}

	start := time.Now()
	offers, err := fetch(ctx, b.Compute, req)
	if err != nil {
		operation := "get_offers"
		if backends.IsAuthError(err) {
			operation = "get_offers_auth"
		}
		s.metrics.BackendFailure(b.Type, operation)
		return nil, err
	}
	s.metrics.OffersFetched(b.Type, len(offers), time.Since(start))

	if s.cache != nil {
		s.cache.SetDefault(key, offers)
	}
	return offers, nil
}

// fetch calls GetOffers and stops waiting once ctx is done, even if the
// backend ignores cancellation
func fetch(ctx context.Context, c backends.Compute, req models.Requirements) ([]models.InstanceOfferWithAvailability, error) {
	type result struct {
		offers []models.InstanceOfferWithAvailability
		err    error
	}
	ch := make(chan result, 1)
	go func() {
		offers, err := c.GetOffers(ctx, req)
		ch <- result{offers, err}
	}()
	select {
	case r := <-ch:
		return r.offers, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func cacheKey(t models.BackendType, req models.Requirements) string {
	b, _ := json.Marshal(req)
	return string(t) + "/" + string(b)
}

// Rank orders candidates in place: provisionable offers (available, idle)
// first, then ascending price, then availability
func Rank(c []Candidate) {
	sort.SliceStable(c, func(i, j int) bool {
		return less(c[i].Offer, c[j].Offer)
	})
}

func less(a, b models.InstanceOfferWithAvailability) bool {
	pa, pb := a.Availability.IsProvisionable(), b.Availability.IsProvisionable()
	if pa != pb {
		return pa
	}
	if a.Price != b.Price {
		return a.Price < b.Price
	}
	return a.Availability.Rank() > b.Availability.Rank()
}
