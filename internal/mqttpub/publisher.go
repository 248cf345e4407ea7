// Package mqttpub publishes frame outcomes to an MQTT broker so that
// dashboards and loggers elsewhere on the robot can follow the aim loop.
//
// Topics, under a configurable prefix (default "gimbal/aim"):
//
//	<prefix>/frame    every processed frame, QoS 0
//	<prefix>/command  the latest command sent to the gimbal, retained
package mqttpub

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/banshee-data/gimbal.aim/internal/db"
	"github.com/banshee-data/gimbal.aim/internal/monitoring"
	"github.com/banshee-data/gimbal.aim/internal/units"
)

const (
	DefaultTopicPrefix    = "gimbal/aim"
	DefaultClientID       = "gimbal-aim"
	DefaultBuffer         = 256
	DefaultPublishTimeout = 500 * time.Millisecond

	connectTimeout = 5 * time.Second
	quiesceMillis  = 250
)

// Client is the part of mqtt.Client the publisher needs.
type Client interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	Disconnect(quiesce uint)
}

// Options configure Connect.
type Options struct {
	Broker      string // e.g. tcp://localhost:1883
	ClientID    string
	TopicPrefix string
}

// Connect dials the broker and returns a publisher bound to it. The client
// reconnects on its own after the first successful connect.
func Connect(opts Options) (*Publisher, error) {
	if opts.Broker == "" {
		return nil, fmt.Errorf("mqtt broker address is required")
	}
	if opts.ClientID == "" {
		opts.ClientID = DefaultClientID
	}
	co := mqtt.NewClientOptions().
		AddBroker(opts.Broker).
		SetClientID(opts.ClientID).
		SetAutoReconnect(true).
		SetConnectTimeout(connectTimeout)

	client := mqtt.NewClient(co)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("mqtt connect %s: %w", opts.Broker, token.Error())
	}
	return New(client, opts.TopicPrefix), nil
}

// Stats counts publisher activity.
type Stats struct {
	Published int64 `json:"published"`
	Dropped   int64 `json:"dropped"`
	Failed    int64 `json:"failed"`
}

// Publisher queues frame records from the frame loop and publishes them
// from its own goroutine.
type Publisher struct {
	client  Client
	prefix  string
	ch      chan db.FrameRecord
	timeout time.Duration

	published atomic.Int64
	dropped   atomic.Int64
	failed    atomic.Int64
}

func New(client Client, prefix string) *Publisher {
	if prefix == "" {
		prefix = DefaultTopicPrefix
	}
	return &Publisher{
		client:  client,
		prefix:  prefix,
		ch:      make(chan db.FrameRecord, DefaultBuffer),
		timeout: DefaultPublishTimeout,
	}
}

// FrameTopic and CommandTopic are the topics this publisher writes to.
func (p *Publisher) FrameTopic() string   { return p.prefix + "/frame" }
func (p *Publisher) CommandTopic() string { return p.prefix + "/command" }

// Record queues rec for publishing. It never blocks; when the queue is full
// the record is dropped and counted.
func (p *Publisher) Record(rec db.FrameRecord) {
	select {
	case p.ch <- rec:
	default:
		if p.dropped.Add(1) == 1 {
			monitoring.Warnf("mqtt queue full, dropping frame records")
		}
	}
}

// Run publishes queued records until ctx is done, then disconnects.
// Records still queued at shutdown are discarded.
func (p *Publisher) Run(ctx context.Context) error {
	defer p.client.Disconnect(quiesceMillis)
	for {
		select {
		case <-ctx.Done():
			return nil
		case rec := <-p.ch:
			p.publishFrame(rec)
		}
	}
}

// commandMessage is the retained command payload, in degrees for humans.
type commandMessage struct {
	FrameID  uint64  `json:"frame_id"`
	Captured int64   `json:"captured"`
	Mode     string  `json:"mode"`
	TargetID int64   `json:"target_id"`
	YawDeg   float64 `json:"yaw_deg"`
	PitchDeg float64 `json:"pitch_deg"`
}

func (p *Publisher) publishFrame(rec db.FrameRecord) {
	payload, err := json.Marshal(rec)
	if err != nil {
		p.failed.Add(1)
		monitoring.Logf("mqtt: failed to encode frame %d: %v", rec.FrameID, err)
		return
	}
	p.publish(p.FrameTopic(), false, payload)

	if !rec.Sent {
		return
	}
	payload, err = json.Marshal(commandMessage{
		FrameID:  rec.FrameID,
		Captured: rec.Captured,
		Mode:     rec.Mode,
		TargetID: rec.TargetID,
		YawDeg:   units.ToDegrees(rec.Yaw),
		PitchDeg: units.ToDegrees(rec.Pitch),
	})
	if err != nil {
		p.failed.Add(1)
		return
	}
	p.publish(p.CommandTopic(), true, payload)
}

func (p *Publisher) publish(topic string, retained bool, payload []byte) {
	token := p.client.Publish(topic, 0, retained, payload)
	if !token.WaitTimeout(p.timeout) {
		p.failed.Add(1)
		monitoring.Debugf("mqtt publish %s timed out", topic)
		return
	}
	if err := token.Error(); err != nil {
		if p.failed.Add(1) == 1 {
			monitoring.Logf("mqtt publish %s: %v", topic, err)
		}
		return
	}
	p.published.Add(1)
}

func (p *Publisher) Stats() Stats {
	return Stats{
		Published: p.published.Load(),
		Dropped:   p.dropped.Load(),
		Failed:    p.failed.Load(),
	}
}
