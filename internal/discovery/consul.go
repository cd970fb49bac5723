// Package discovery registers a running service with a consul agent so
// callers can find it, with an HTTP check against its /health endpoint.
package discovery

import (
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/hashicorp/consul/api"
	"github.com/rs/zerolog"
)

// Registration describes one service instance.
type Registration struct {
	ID      string
	Name    string
	Tags    []string
	Address string
	Port    int
	// HealthPath is appended to http://Address:Port; empty skips the check.
	HealthPath string
	Interval   time.Duration
	Timeout    time.Duration
	// DeregisterAfter removes an instance that stays critical this long.
	DeregisterAfter time.Duration
}

// Registrar wraps a consul client.
type Registrar struct {
	client *api.Client
	logger zerolog.Logger
}

// New returns a Registrar for the agent at addr (host:port or URL).
func New(addr string, logger zerolog.Logger) (*Registrar, error) {
	cfg := api.DefaultConfig()
	if addr != "" {
		cfg.Address = addr
	}
	client, err := api.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("consul client: %w", err)
	}
	return &Registrar{client: client, logger: logger}, nil
}

// Register adds the instance to the local agent.
func (r *Registrar) Register(reg Registration) error {
	asr := &api.AgentServiceRegistration{
		ID:      reg.ID,
		Name:    reg.Name,
		Tags:    reg.Tags,
		Address: reg.Address,
		Port:    reg.Port,
	}
	if reg.HealthPath != "" {
		interval, timeout, after := reg.Interval, reg.Timeout, reg.DeregisterAfter
		if interval <= 0 {
			interval = 10 * time.Second
		}
		if timeout <= 0 {
			timeout = 3 * time.Second
		}
		if after <= 0 {
			after = time.Minute
		}
		asr.Check = &api.AgentServiceCheck{
			HTTP:                           "http://" + net.JoinHostPort(reg.Address, strconv.Itoa(reg.Port)) + reg.HealthPath,
			Interval:                       interval.String(),
			Timeout:                        timeout.String(),
			DeregisterCriticalServiceAfter: after.String(),
		}
	}
	if err := r.client.Agent().ServiceRegister(asr); err != nil {
		return fmt.Errorf("register %s: %w", reg.ID, err)
	}
	r.logger.Info().Str("id", reg.ID).Str("name", reg.Name).Int("port", reg.Port).Msg("registered with consul")
	return nil
}

// Deregister removes the instance.
func (r *Registrar) Deregister(id string) error {
	if err := r.client.Agent().ServiceDeregister(id); err != nil {
		return fmt.Errorf("deregister %s: %w", id, err)
	}
	r.logger.Info().Str("id", id).Msg("deregistered from consul")
	return nil
}

// ServiceID builds a stable instance id.
func ServiceID(name, address string, port int) string {
	return fmt.Sprintf("%s-%s-%d", name, address, port)
}
