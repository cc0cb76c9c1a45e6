// Package backendtest provides an in-memory Compute for tests.
package backendtest

import (
	"context"
	"fmt"
	"sync"

	"fleet-orchestrator/core/backends"
	"fleet-orchestrator/core/models"
)

// Compute is a scriptable in-memory backends.Compute
type Compute struct {
	Type models.BackendType

	mu          sync.Mutex
	offers      []models.InstanceOfferWithAvailability
	offersErr   error
	runJobErrs  []error
	terminErr   error
	deletePGErr error
	terminGate  chan struct{}
	terminEnter chan struct{}

	nextID       int
	running      map[string]bool
	terminations map[string]int
	groups       map[string]bool
	runJobCalls  int
	createdPGs   int
	deletedPGs   int
}

// New creates a fake backend of the given type
func New(t models.BackendType) *Compute {
	return &Compute{
		Type:         t,
		running:      make(map[string]bool),
		terminations: make(map[string]int),
		groups:       make(map[string]bool),
	}
}

// Backend wraps the fake in a backends.Backend
func (c *Compute) Backend(supportsPlacementGroups bool) backends.Backend {
	return backends.Backend{Type: c.Type, Compute: c, SupportsPlacementGroups: supportsPlacementGroups}
}

// SetOffers replaces the offers returned by GetOffers
func (c *Compute) SetOffers(offers ...models.InstanceOfferWithAvailability) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.offers = offers
}

// FailOffers makes GetOffers return err
func (c *Compute) FailOffers(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.offersErr = err
}

// QueueRunJobErrors makes the next RunJob calls fail with the given errors, in order
func (c *Compute) QueueRunJobErrors(errs ...error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.runJobErrs = append(c.runJobErrs, errs...)
}

// FailTerminate makes TerminateInstance return err
func (c *Compute) FailTerminate(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.terminErr = err
}

// BlockTerminate makes TerminateInstance wait until release is called.
// entered receives once per call that reaches the backend.
func (c *Compute) BlockTerminate() (entered <-chan struct{}, release func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	gate := make(chan struct{})
	c.terminGate = gate
	c.terminEnter = make(chan struct{}, 16)
	return c.terminEnter, func() { close(gate) }
}

// FailDeletePlacementGroup makes DeletePlacementGroup return err
func (c *Compute) FailDeletePlacementGroup(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deletePGErr = err
}

func (c *Compute) GetOffers(ctx context.Context, req models.Requirements) ([]models.InstanceOfferWithAvailability, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.offersErr != nil {
		return nil, c.offersErr
	}
	var out []models.InstanceOfferWithAvailability
	for _, o := range c.offers {
		if req.MaxPrice != nil && o.Price > *req.MaxPrice {
			continue
		}
		if req.Matches(o.Resources) {
			out = append(out, o)
		}
	}
	return out, nil
}

func (c *Compute) RunJob(ctx context.Context, run *models.Run, job *models.Job, offer models.InstanceOfferWithAvailability, group *models.PlacementGroup) (*models.JobProvisioningData, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.runJobCalls++
	if len(c.runJobErrs) > 0 {
		err := c.runJobErrs[0]
		c.runJobErrs = c.runJobErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	c.nextID++
	id := fmt.Sprintf("%s-i-%d", c.Type, c.nextID)
	c.running[id] = true
	data := &models.JobProvisioningData{
		Backend:      c.Type,
		Region:       offer.Region,
		InstanceType: offer.InstanceType,
		InstanceID:   id,
		Hostname:     id + ".internal",
		Price:        offer.Price,
		Resources:    offer.Resources,
	}
	if group != nil {
		data.BackendData = group.Name
	}
	return data, nil
}

func (c *Compute) TerminateInstance(ctx context.Context, instanceID, region, backendData string) error {
	c.mu.Lock()
	gate, enter := c.terminGate, c.terminEnter
	c.mu.Unlock()
	if gate != nil {
		enter <- struct{}{}
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.terminErr != nil {
		return c.terminErr
	}
	c.terminations[instanceID]++
	delete(c.running, instanceID)
	return nil
}

func (c *Compute) CreatePlacementGroup(ctx context.Context, group *models.PlacementGroup) (*models.PlacementGroupProvisioningData, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.createdPGs++
	c.groups[group.Name] = true
	return &models.PlacementGroupProvisioningData{Backend: c.Type, BackendData: group.Name}, nil
}

func (c *Compute) DeletePlacementGroup(ctx context.Context, group *models.PlacementGroup) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.deletePGErr != nil {
		return c.deletePGErr
	}
	c.deletedPGs++
	delete(c.groups, group.Name)
	return nil
}

// RunJobCalls returns the number of RunJob calls so far
func (c *Compute) RunJobCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.runJobCalls
}

// Running reports whether the instance is still up
func (c *Compute) Running(instanceID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running[instanceID]
}

// Terminations returns how many times the instance was terminated
func (c *Compute) Terminations(instanceID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.terminations[instanceID]
}

// PlacementGroupCounts returns the number of created and deleted groups
func (c *Compute) PlacementGroupCounts() (created, deleted int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.createdPGs, c.deletedPGs
}

// Offer builds an offer for tests
func Offer(backend models.BackendType, region, instanceType string, price float64, availability models.Availability, res models.Resources) models.InstanceOfferWithAvailability {
	return models.InstanceOfferWithAvailability{
		InstanceOffer: models.InstanceOffer{
			Backend:      backend,
			Region:       region,
			InstanceType: instanceType,
			Resources:    res,
			Price:        price,
		},
		Availability: availability,
	}
}
