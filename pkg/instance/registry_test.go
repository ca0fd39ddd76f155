package instance

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"pgrestgw/pkg/models"

	"github.com/stretchr/testify/suite"
)

// RegistryTestSuite tests name to instance mapping
type RegistryTestSuite struct {
	suite.Suite
	platform *fakePlatform
	clock    *fakeClock
	observer *recordingObserver
	registry *Registry
}

func (s *RegistryTestSuite) SetupTest() {
	s.platform = newFakePlatform(nil)
	s.clock = newFakeClock()
	s.observer = &recordingObserver{}
	s.registry = NewRegistry(s.platform, s.clock, s.observer)
}

func (s *RegistryTestSuite) TestAcquireIsIdempotent() {
	first := s.registry.Acquire("user-42")
	second := s.registry.Acquire("user-42")

	s.Same(first, second)
	s.Equal(1, s.platform.Opens("user-42"))
	s.Equal("user-42", first.Name())
	s.Equal(models.LivenessCold, first.Liveness())
	s.Equal([]string{"user-42"}, s.observer.registered)
}

func (s *RegistryTestSuite) TestDistinctNamesGetDistinctInstances() {
	read := s.registry.Acquire("user-42")
	update := s.registry.Acquire("update-user-42")

	s.NotSame(read, update)
	s.Equal(2, s.registry.Len())
}

func (s *RegistryTestSuite) TestConcurrentAcquireOpensOnce() {
	const workers = 50
	results := make([]*Instance, workers)

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = s.registry.Acquire("posts")
		}(i)
	}
	wg.Wait()

	for _, inst := range results {
		s.Same(results[0], inst)
	}
	s.Equal(1, s.platform.Opens("posts"))
	s.Equal(1, s.registry.Len())
}

func (s *RegistryTestSuite) TestLookup() {
	_, ok := s.registry.Lookup("schema")
	s.False(ok)

	inst := s.registry.Acquire("schema")
	found, ok := s.registry.Lookup("schema")
	s.True(ok)
	s.Same(inst, found)
}

func (s *RegistryTestSuite) TestRecycledReturnsToCold() {
	inst := s.registry.Acquire("instance-1")
	inst.markReady(s.clock.Now())
	s.Equal(models.LivenessReady, inst.Liveness())

	s.registry.Recycled("instance-1")
	s.registry.Recycled("unknown")

	s.Equal(models.LivenessCold, inst.Liveness())
	s.Equal(1, inst.status(s.clock.Now()).Recycles)
}

func (s *RegistryTestSuite) TestStatusesSortedByName() {
	s.registry.Acquire("users")
	s.registry.Acquire("create-user")
	inst := s.registry.Acquire("health-check")
	inst.recordAttempt(errRefused)
	inst.markUnavailable(errRefused)

	s.clock.Advance(3 * time.Minute)
	statuses := s.registry.Statuses()

	s.Require().Len(statuses, 3)
	s.Equal("create-user", statuses[0].Name)
	s.Equal("health-check", statuses[1].Name)
	s.Equal("users", statuses[2].Name)

	s.Equal(models.LivenessUnavailable, statuses[1].Liveness)
	s.Equal(1, statuses[1].ProbeAttempts)
	s.Equal(errRefused.Error(), statuses[1].LastError)
	s.Equal("3 minutes", statuses[0].Age)
}

func (s *RegistryTestSuite) TestStatusOmitsLastReadyUntilReady() {
	inst := s.registry.Acquire("users")

	data, err := json.Marshal(inst.status(s.clock.Now()))
	s.Require().NoError(err)
	s.NotContains(string(data), "last_ready")

	readyAt := s.clock.Now()
	inst.markReady(readyAt)
	status := inst.status(s.clock.Now())
	s.Require().NotNil(status.LastReady)
	s.True(readyAt.Equal(*status.LastReady))

	data, err = json.Marshal(status)
	s.Require().NoError(err)
	s.Contains(string(data), `"last_ready":`)
}

func TestRegistrySuite(t *testing.T) {
	suite.Run(t, new(RegistryTestSuite))
}
