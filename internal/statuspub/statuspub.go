// Package statuspub publishes controller status to an MQTT broker for
// dashboards and range testing. Publishing is best-effort at QoS 0; the
// control path never waits on the broker.
package statuspub

import (
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/sirupsen/logrus"

	"github.com/nuketownada/xbox-elrs/internal/xbox"
)

const (
	topicStatus = "xbelrs/status"
	topicWheel  = "xbelrs/wheel"

	connectTimeout = 5 * time.Second
)

// Publisher forwards controller state summaries to MQTT topics.
type Publisher struct {
	client mqtt.Client
	log    *logrus.Entry
}

// New connects to the broker (e.g. "tcp://host:1883").
func New(broker string) (*Publisher, error) {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(broker)
	opts.SetClientID("xbelrs")
	opts.SetAutoReconnect(true)

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		return nil, fmt.Errorf("statuspub: connect to %s timed out", broker)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("statuspub: connect to %s: %w", broker, err)
	}
	return &Publisher{
		client: client,
		log:    logrus.WithField("component", "statuspub"),
	}, nil
}

// Publish sends one state update. Format on the wheel topic is
// "steer|throttle|brake"; the status topic carries connected/disconnected
// transitions.
func (p *Publisher) Publish(slot xbox.Slot, st xbox.State) {
	if !st.Connected {
		p.client.Publish(topicStatus, 0, true, fmt.Sprintf("slot%d|disconnected", slot))
		return
	}
	p.client.Publish(topicStatus, 0, true, fmt.Sprintf("slot%d|connected", slot))
	msg := fmt.Sprintf("%d|%d|%d", st.LeftStickX, st.RightTrigger, st.LeftTrigger)
	p.client.Publish(topicWheel, 0, false, msg)
}

// Close disconnects from the broker.
func (p *Publisher) Close() {
	p.client.Disconnect(250)
}
