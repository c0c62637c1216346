package google

import (
	"context"
	"fmt"

	"cloud.google.com/go/pubsub"

	"github.com/tiiuae/fleet-management/devicecloud-bridge/internal/logging"
)

// PubSubIngress pulls device events via the Cloud Pub/Sub subscription
// Cloud IoT Core fans device telemetry out to, an alternative to reading
// them back off the /devices/<id>/events MQTT topic (spec.md §10's
// domain-stack wiring for cloud.google.com/go/pubsub), grounded on the
// teacher's web-backend pullIoTCoreMessages/handleMQTTEvent pair.
type PubSubIngress struct {
	ProjectID      string
	Subscription   string
	OnDeviceEvent  func(deviceID, subFolder string, data []byte)
}

// Run blocks pulling messages until ctx is cancelled or the subscription
// errors out. Each message must carry the deviceId and subFolder
// attributes Cloud IoT Core's Pub/Sub export sets.
func (p *PubSubIngress) Run(ctx context.Context) error {
	client, err := pubsub.NewClient(ctx, p.ProjectID)
	if err != nil {
		return fmt.Errorf("google: pubsub client: %w", err)
	}
	defer client.Close()

	sub := client.Subscription(p.Subscription)
	err = sub.Receive(ctx, func(_ context.Context, msg *pubsub.Message) {
		deviceID, ok := msg.Attributes["deviceId"]
		if !ok {
			logging.Warnf("google: pubsub message %s missing deviceId attribute", msg.ID)
			msg.Ack()
			return
		}
		subFolder := msg.Attributes["subFolder"]
		p.OnDeviceEvent(deviceID, subFolder, msg.Data)
		msg.Ack()
	})
	if err != nil {
		return fmt.Errorf("google: pubsub receive: %w", err)
	}
	return nil
}
