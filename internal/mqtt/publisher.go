// Package mqtt broadcasts supervisor status snapshots to an MQTT broker.
package mqtt

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	MQTT "github.com/eclipse/paho.mqtt.golang"

	"ups_failsafe/internal/failsafe"
	"ups_failsafe/internal/logger"
	"ups_failsafe/internal/models"
)

const (
	DefaultClientID = "ups-failsafe"
	DefaultTopic    = "ups/failsafe/status"

	connectTimeout    = 10 * time.Second
	disconnectQuiesce = 250 // ms
)

var ErrNoBroker = errors.New("mqtt broker is not configured")

// Config of the broker connection.
type Config struct {
	Broker   string // tcp://host:1883
	ClientID string
	Topic    string
	Username string
	Password string
}

// client is the subset of MQTT.Client the publisher needs.
type client interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) MQTT.Token
	Disconnect(quiesce uint)
}

// Publisher sends each status snapshot as a retained QoS 1 message, so new
// subscribers see the current state immediately. Snapshots older than the
// last one sent are dropped so a late one never becomes the retained state.
type Publisher struct {
	c     client
	topic string
	log   *logger.Logger

	mu      sync.Mutex
	lastSeq uint64
}

var _ failsafe.StatusObserver = (*Publisher)(nil)

// Connect dials the broker and returns a ready Publisher.
func Connect(cfg Config, log *logger.Logger) (*Publisher, error) {
	if cfg.Broker == "" {
		return nil, ErrNoBroker
	}
	if log == nil {
		log = logger.Nop()
	}
	if cfg.ClientID == "" {
		cfg.ClientID = DefaultClientID
	}

	opts := MQTT.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
	}
	if cfg.Password != "" {
		opts.SetPassword(cfg.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetConnectTimeout(connectTimeout)
	opts.SetOnConnectHandler(func(c MQTT.Client) {
		r := c.OptionsReader()
		log.Infow("mqtt_connected", "client_id", r.ClientID())
	})
	opts.SetConnectionLostHandler(func(_ MQTT.Client, err error) {
		log.Warnw("mqtt_connection_lost", "err", err)
	})

	c := MQTT.NewClient(opts)
	token := c.Connect()
	if !token.WaitTimeout(connectTimeout) {
		return nil, fmt.Errorf("connect %s: timed out", cfg.Broker)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("connect %s: %w", cfg.Broker, err)
	}
	return newPublisher(c, cfg.Topic, log), nil
}

func newPublisher(c client, topic string, log *logger.Logger) *Publisher {
	if topic == "" {
		topic = DefaultTopic
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Publisher{c: c, topic: topic, log: log}
}

// PublishStatus does not wait for the broker acknowledgment; failures are logged.
func (p *Publisher) PublishStatus(st models.SupervisorStatus) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if st.Seq != 0 && st.Seq <= p.lastSeq {
		p.log.Debugw("mqtt_stale_status_dropped", "seq", st.Seq, "last_seq", p.lastSeq)
		return
	}

	payload, err := json.Marshal(st)
	if err != nil {
		p.log.Errorw("mqtt_encode_failed", "err", err)
		return
	}
	p.lastSeq = st.Seq
	token := p.c.Publish(p.topic, 1, true, payload)
	go func() {
		<-token.Done()
		if err := token.Error(); err != nil {
			p.log.Warnw("mqtt_publish_failed", "topic", p.topic, "err", err)
		}
	}()
}

func (p *Publisher) Close() {
	p.c.Disconnect(disconnectQuiesce)
}
