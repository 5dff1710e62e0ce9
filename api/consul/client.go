package consul

import (
	"fmt"
	"time"

	consulapi "github.com/hashicorp/consul/api"
)

const ServiceName = "skuld"

type Client struct {
	api *consulapi.Client
}

func NewClient(addr string) (*Client, error) {
	cfg := consulapi.DefaultConfig()
	cfg.Address = addr

	client, err := consulapi.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("consul client: %w", err)
	}
	return &Client{api: client}, nil
}

// Healthy checks connectivity to Consul.
func (c *Client) Healthy() error {
	_, err := c.api.Status().Leader()
	return err
}

// Registration describes this control-plane instance.
type Registration struct {
	InstanceID string
	Address    string
	Port       int
	TTL        time.Duration
}

func (r Registration) CheckID() string {
	return "service:" + r.InstanceID
}

// Register adds the instance with a TTL check. The check starts critical
// until the first UpdateTTL.
func (c *Client) Register(reg Registration) error {
	err := c.api.Agent().ServiceRegister(&consulapi.AgentServiceRegistration{
		ID:      reg.InstanceID,
		Name:    ServiceName,
		Address: reg.Address,
		Port:    reg.Port,
		Tags:    []string{"control-plane"},
		Check: &consulapi.AgentServiceCheck{
			CheckID:                        reg.CheckID(),
			TTL:                            reg.TTL.String(),
			DeregisterCriticalServiceAfter: (10 * reg.TTL).String(),
		},
	})
	if err != nil {
		return fmt.Errorf("register %s: %w", reg.InstanceID, err)
	}
	return nil
}

// UpdateTTL reports check status: consulapi.HealthPassing, HealthWarning or
// HealthCritical.
func (c *Client) UpdateTTL(checkID, output, status string) error {
	return c.api.Agent().UpdateTTL(checkID, output, status)
}

func (c *Client) Deregister(instanceID string) error {
	return c.api.Agent().ServiceDeregister(instanceID)
}
