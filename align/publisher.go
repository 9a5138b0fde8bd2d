package align

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// Publisher posts alignment reports to MQTT: the full report to
// <prefix>/alignment and every solved plane to <prefix>/alignment/plane/<id>.
type Publisher struct {
	client        mqtt.Client
	publishPrefix string
	qos           byte
	retain        bool
	timeout       time.Duration
}

// NewPublisher creates a report publisher. The topic prefix comes from
// SVTALIGN_PUBLISH_PREFIX, then prefix, then "svtalign".
func NewPublisher(client mqtt.Client, prefix string) *Publisher {
	if env := os.Getenv("SVTALIGN_PUBLISH_PREFIX"); env != "" {
		prefix = env
	}
	if prefix == "" {
		prefix = "svtalign"
	}
	return &Publisher{
		client:        client,
		publishPrefix: prefix,
		qos:           1,
		retain:        true,
		timeout:       2 * time.Second,
	}
}

// Prefix returns the topic prefix.
func (p *Publisher) Prefix() string {
	return p.publishPrefix
}

// PublishReport implements ReportSink.
func (p *Publisher) PublishReport(report IterationReport) error {
	if p.client == nil || !p.client.IsConnected() {
		return fmt.Errorf("MQTT client not connected")
	}

	if err := p.publishJSON(p.publishPrefix+"/alignment", report); err != nil {
		return err
	}
	for _, sol := range report.Planes {
		msg := struct {
			RunID      string `json:"runId"`
			Iteration  int    `json:"iteration"`
			Generation uint64 `json:"generation"`
			Solution
		}{report.RunID, report.Iteration, report.Generation, sol}

		topic := fmt.Sprintf("%s/alignment/plane/%d", p.publishPrefix, sol.PlaneID)
		if err := p.publishJSON(topic, msg); err != nil {
			return err
		}
	}
	return nil
}

func (p *Publisher) publishJSON(topic string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshaling %s payload: %w", topic, err)
	}
	token := p.client.Publish(topic, p.qos, p.retain, payload)
	if token.WaitTimeout(p.timeout) && token.Error() != nil {
		return fmt.Errorf("publishing to %s: %w", topic, token.Error())
	}
	return nil
}
