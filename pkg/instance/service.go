package instance

import (
	"context"

	"pgrestgw/pkg/models"
)

// Service composes registry, prober, forwarder and balancer into the two
// operations the router needs: acquire a ready instance, and proxy to an
// instance or a pool.
type Service struct {
	registry  *Registry
	prober    *Prober
	forwarder *Forwarder
	balancer  *LoadBalancer
}

// NewService wires the core components together.
func NewService(registry *Registry, prober *Prober, forwarder *Forwarder, balancer *LoadBalancer) *Service {
	return &Service{
		registry:  registry,
		prober:    prober,
		forwarder: forwarder,
		balancer:  balancer,
	}
}

// Registry returns the underlying registry.
func (s *Service) Registry() *Registry {
	return s.registry
}

// Ready acquires the instance called name and waits for it to answer.
func (s *Service) Ready(ctx context.Context, name string) (*Instance, error) {
	return s.prober.Ready(ctx, s.registry.Acquire(name))
}

// Proxy forwards req to the instance called name once it is ready.
func (s *Service) Proxy(ctx context.Context, name string, req *models.ProxyRequest) (*models.ProxyResponse, error) {
	inst, err := s.Ready(ctx, name)
	if err != nil {
		return nil, err
	}
	return s.forwarder.Forward(ctx, inst, req)
}

// ProxyPool forwards req to one member of a pool of poolSize.
func (s *Service) ProxyPool(ctx context.Context, poolSize int, req *models.ProxyRequest) (*models.ProxyResponse, error) {
	inst, err := s.balancer.Pick(poolSize)
	if err != nil {
		return nil, err
	}
	inst, err = s.prober.Ready(ctx, inst)
	if err != nil {
		return nil, err
	}
	return s.forwarder.Forward(ctx, inst, req)
}
