package offers

import (
	"context"
	"math/rand"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"fleet-orchestrator/core/backends"
	"fleet-orchestrator/core/logger"
	"fleet-orchestrator/core/models"
)

type mockCompute struct {
	mock.Mock
	backends.Compute
}

func (m *mockCompute) GetOffers(ctx context.Context, req models.Requirements) ([]models.InstanceOfferWithAvailability, error) {
	args := m.Called(ctx, req)
	offers, _ := args.Get(0).([]models.InstanceOfferWithAvailability)
	return offers, args.Error(1)
}

func offer(backend models.BackendType, price float64, availability models.Availability, spot bool) models.InstanceOfferWithAvailability {
	return models.InstanceOfferWithAvailability{
		InstanceOffer: models.InstanceOffer{
			Backend:      backend,
			Region:       "us-east-1",
			InstanceType: string(backend) + "-a100",
			Price:        price,
			Resources: models.Resources{
				CPUs:     4,
				MemoryGB: 64,
				GPUs:     []models.GPU{{Name: "A100", MemoryGB: 80}},
				Spot:     spot,
			},
		},
		Availability: availability,
	}
}

func backendWith(t models.BackendType, offers []models.InstanceOfferWithAvailability, err error) (backends.Backend, *mockCompute) {
	m := &mockCompute{}
	m.On("GetOffers", mock.Anything, mock.Anything).Return(offers, err)
	return backends.Backend{Type: t, Compute: m}, m
}

const lambda models.BackendType = "lambda"

func TestScenarioUnavailableRankedLast(t *testing.T) {
	aws, _ := backendWith(models.BackendAWS, []models.InstanceOfferWithAvailability{offer(models.BackendAWS, 1.10, models.AvailabilityAvailable, false)}, nil)
	gcp, _ := backendWith(models.BackendGCP, []models.InstanceOfferWithAvailability{offer(models.BackendGCP, 0.95, models.AvailabilityNotAvailable, false)}, nil)
	lam, _ := backendWith(lambda, []models.InstanceOfferWithAvailability{offer(lambda, 1.00, models.AvailabilityAvailable, false)}, nil)

	s := NewSelector(Config{}, nil, logger.NewNop())
	got := s.GetInstanceCandidates(context.Background(), models.Requirements{}, models.SpotPolicyAuto, []backends.Backend{aws, gcp, lam})

	require.Len(t, got, 3)
	assert.Equal(t, lambda, got[0].Backend.Type)
	assert.Equal(t, models.BackendAWS, got[1].Backend.Type)
	assert.Equal(t, models.BackendGCP, got[2].Backend.Type)
	assert.Equal(t, models.AvailabilityNotAvailable, got[2].Offer.Availability)
}

func TestSpotPolicyFilter(t *testing.T) {
	offers := []models.InstanceOfferWithAvailability{
		offer(models.BackendAWS, 3.0, models.AvailabilityAvailable, false),
		offer(models.BackendAWS, 0.9, models.AvailabilityAvailable, true),
		offer(models.BackendAWS, 1.2, models.AvailabilityAvailable, true),
	}
	aws, _ := backendWith(models.BackendAWS, offers, nil)
	s := NewSelector(Config{}, nil, logger.NewNop())

	spot := s.GetInstanceCandidates(context.Background(), models.Requirements{}, models.SpotPolicySpot, []backends.Backend{aws})
	require.Len(t, spot, 2)
	for _, c := range spot {
		assert.True(t, c.Offer.Resources.Spot)
	}

	onDemand := s.GetInstanceCandidates(context.Background(), models.Requirements{}, models.SpotPolicyOnDemand, []backends.Backend{aws})
	require.Len(t, onDemand, 1)
	assert.False(t, onDemand[0].Offer.Resources.Spot)

	auto := s.GetInstanceCandidates(context.Background(), models.Requirements{}, models.SpotPolicyAuto, []backends.Backend{aws})
	assert.Len(t, auto, 3)
}

func TestFailingBackendDoesNotBlockOthers(t *testing.T) {
	aws, _ := backendWith(models.BackendAWS, []models.InstanceOfferWithAvailability{offer(models.BackendAWS, 1, models.AvailabilityAvailable, false)}, nil)
	gcp, _ := backendWith(models.BackendGCP, nil, &backends.BackendAuthError{Backend: models.BackendGCP, Err: errors.New("token expired")})

	s := NewSelector(Config{}, nil, logger.NewNop())
	got := s.GetInstanceCandidates(context.Background(), models.Requirements{}, models.SpotPolicyAuto, []backends.Backend{gcp, aws})
	require.Len(t, got, 1)
	assert.Equal(t, models.BackendAWS, got[0].Backend.Type)
}

type slowCompute struct {
	backends.Compute
	release chan struct{}
}

func (s *slowCompute) GetOffers(ctx context.Context, req models.Requirements) ([]models.InstanceOfferWithAvailability, error) {
	<-s.release // ignores ctx
	return nil, nil
}

func TestSlowBackendBoundedWait(t *testing.T) {
	slow := &slowCompute{release: make(chan struct{})}
	defer close(slow.release)
	aws, _ := backendWith(models.BackendAWS, []models.InstanceOfferWithAvailability{offer(models.BackendAWS, 1, models.AvailabilityAvailable, false)}, nil)

	s := NewSelector(Config{Timeout: 50 * time.Millisecond}, nil, logger.NewNop())
	start := time.Now()
	got := s.GetInstanceCandidates(context.Background(), models.Requirements{}, models.SpotPolicyAuto,
		[]backends.Backend{{Type: models.BackendSSH, Compute: slow}, aws})

	assert.Less(t, time.Since(start), 2*time.Second)
	require.Len(t, got, 1)
	assert.Equal(t, models.BackendAWS, got[0].Backend.Type)
}

func TestOffersCache(t *testing.T) {
	aws, m := backendWith(models.BackendAWS, []models.InstanceOfferWithAvailability{offer(models.BackendAWS, 1, models.AvailabilityAvailable, false)}, nil)
	s := NewSelector(Config{CacheTTL: time.Minute}, nil, logger.NewNop())

	for i := 0; i < 3; i++ {
		got := s.GetInstanceCandidates(context.Background(), models.Requirements{}, models.SpotPolicyAuto, []backends.Backend{aws})
		require.Len(t, got, 1)
	}
	m.AssertNumberOfCalls(t, "GetOffers", 1)

	maxPrice := 0.5
	s.GetInstanceCandidates(context.Background(), models.Requirements{MaxPrice: &maxPrice}, models.SpotPolicyAuto, []backends.Backend{aws})
	m.AssertNumberOfCalls(t, "GetOffers", 2)
}

// For any mix of available offers across backends, output is sorted by price.
func TestCheapestFirstProperty(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	types := []models.BackendType{models.BackendAWS, models.BackendGCP, models.BackendKubernetes, models.BackendSSH}

	for round := 0; round < 200; round++ {
		var bs []backends.Backend
		for _, bt := range types {
			var offers []models.InstanceOfferWithAvailability
			for n := rng.Intn(6); n > 0; n-- {
				a := models.AvailabilityAvailable
				if rng.Intn(3) == 0 {
					a = models.AvailabilityIdle
				}
				offers = append(offers, offer(bt, float64(rng.Intn(500))/100, a, rng.Intn(2) == 0))
			}
			b, _ := backendWith(bt, offers, nil)
			bs = append(bs, b)
		}

		s := NewSelector(Config{}, nil, logger.NewNop())
		for _, policy := range []models.SpotPolicy{models.SpotPolicyAuto, models.SpotPolicySpot} {
			got := s.GetInstanceCandidates(context.Background(), models.Requirements{}, policy, bs)
			for i := 1; i < len(got); i++ {
				assert.LessOrEqual(t, got[i-1].Offer.Price, got[i].Offer.Price)
				if got[i-1].Offer.Price == got[i].Offer.Price {
					assert.GreaterOrEqual(t, got[i-1].Offer.Availability.Rank(), got[i].Offer.Availability.Rank())
				}
			}
			if policy == models.SpotPolicySpot {
				for _, c := range got {
					assert.True(t, c.Offer.Resources.Spot)
				}
			}
		}
	}
}

func TestRankTieBreak(t *testing.T) {
	c := []Candidate{
		{Offer: offer(models.BackendAWS, 2, models.AvailabilityNoBalance, false)},
		{Offer: offer(models.BackendAWS, 1, models.AvailabilityIdle, false)},
		{Offer: offer(models.BackendAWS, 2, models.AvailabilityNoQuota, false)},
		{Offer: offer(models.BackendGCP, 1, models.AvailabilityAvailable, false)},
	}
	Rank(c)
	assert.Equal(t, models.AvailabilityAvailable, c[0].Offer.Availability)
	assert.Equal(t, models.AvailabilityIdle, c[1].Offer.Availability)
	assert.Equal(t, models.AvailabilityNoQuota, c[2].Offer.Availability)
	assert.Equal(t, models.AvailabilityNoBalance, c[3].Offer.Availability)
}
