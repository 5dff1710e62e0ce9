package registry

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/sirupsen/logrus"

	"skuld/api/model"
	"skuld/api/pubsub"
)

const HeartbeatChannel = "workers:heartbeat"

type relayedHeartbeat struct {
	Instance  string          `json:"instance"`
	Heartbeat model.Heartbeat `json:"heartbeat"`
}

// Relay shares heartbeats between control-plane instances so each local
// registry sees workers that report to any instance.
type Relay struct {
	registry *Registry
	broker   pubsub.Broker
	instance string
	log      logrus.FieldLogger
}

func NewRelay(reg *Registry, broker pubsub.Broker, instanceID string, log logrus.FieldLogger) *Relay {
	return &Relay{
		registry: reg,
		broker:   broker,
		instance: instanceID,
		log:      log.WithField("component", "relay"),
	}
}

func (r *Relay) InstanceID() string { return r.instance }

// Publish forwards a heartbeat this instance accepted.
func (r *Relay) Publish(ctx context.Context, hb model.Heartbeat) error {
	data, err := json.Marshal(relayedHeartbeat{Instance: r.instance, Heartbeat: hb})
	if err != nil {
		return err
	}
	if err := r.broker.Publish(ctx, HeartbeatChannel, string(data)); err != nil {
		return fmt.Errorf("relay heartbeat %s: %w", hb.WorkerID, err)
	}
	return nil
}

// Run applies heartbeats relayed by other instances until ctx is cancelled.
func (r *Relay) Run(ctx context.Context) error {
	return r.broker.Subscribe(ctx, HeartbeatChannel, func(_, message string) {
		r.apply(message)
	})
}

func (r *Relay) apply(message string) {
	var msg relayedHeartbeat
	if err := json.Unmarshal([]byte(message), &msg); err != nil {
		r.log.WithError(err).Warn("relay: dropping malformed heartbeat")
		return
	}
	if msg.Instance == r.instance {
		return
	}
	if err := r.registry.RecordHeartbeat(msg.Heartbeat); err != nil {
		r.log.WithField("from", msg.Instance).WithError(err).Warn("relay: rejected heartbeat")
	}
}
