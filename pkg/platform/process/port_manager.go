package process

import (
	"fmt"
	"net"
	"strconv"
	"sync"
)

// PortManager hands out TCP ports for instance processes.
type PortManager struct {
	mu            sync.Mutex
	host          string
	minPort       int
	maxPort       int
	allocated     map[int]bool
	nextCandidate int
}

// NewPortManager creates a manager for the inclusive range [minPort, maxPort].
func NewPortManager(host string, minPort, maxPort int) (*PortManager, error) {
	if minPort <= 0 || maxPort <= 0 || minPort > maxPort || maxPort > 65535 {
		return nil, fmt.Errorf("invalid port range: min %d, max %d", minPort, maxPort)
	}
	return &PortManager{
		host:          host,
		minPort:       minPort,
		maxPort:       maxPort,
		allocated:     make(map[int]bool),
		nextCandidate: minPort,
	}, nil
}

// Allocate reserves a port that is free both in the manager and on the host.
func (pm *PortManager) Allocate() (int, error) {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	size := pm.maxPort - pm.minPort + 1
	for i := 0; i < size; i++ {
		port := pm.nextCandidate
		pm.nextCandidate++
		if pm.nextCandidate > pm.maxPort {
			pm.nextCandidate = pm.minPort
		}

		if pm.allocated[port] {
			continue
		}

		l, err := net.Listen("tcp", net.JoinHostPort(pm.host, strconv.Itoa(port)))
		if err != nil {
			continue
		}
		_ = l.Close()
		pm.allocated[port] = true
		return port, nil
	}

	return 0, fmt.Errorf("%w in range [%d-%d]", ErrNoPorts, pm.minPort, pm.maxPort)
}

// Release returns a port to the pool.
func (pm *PortManager) Release(port int) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	delete(pm.allocated, port)
}

// InUse returns the number of allocated ports.
func (pm *PortManager) InUse() int {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	return len(pm.allocated)
}
