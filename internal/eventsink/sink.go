// Package eventsink publishes the manager's outward events to an MQTT broker.
//
// Listeners only encode and enqueue; a single publisher goroutine drains a
// drop-oldest buffer and waits for broker acknowledgements, so a slow or
// disconnected broker never stalls event delivery. Topics:
//
//	<prefix>/manager/state          retained
//	<prefix>/device/<mac>/state     retained
//	<prefix>/device/<mac>/rw
//	<prefix>/uhoh
package eventsink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/sirupsen/logrus"

	"github.com/srg/blemgr/internal/groutine"
	"github.com/srg/blemgr/internal/manager"
	"github.com/srg/blemgr/internal/ringchan"
	"github.com/srg/blemgr/internal/state"
	"github.com/srg/blemgr/internal/throttle"
	"github.com/srg/blemgr/pkg/config"
)

const (
	connectTimeout    = 10 * time.Second
	publishTimeout    = 5 * time.Second
	disconnectQuiesce = 500 // milliseconds
	keepAlive         = 30 * time.Second
	bufferSize        = 256
)

var (
	ErrConnectionFailed = errors.New("mqtt: connection failed")
	ErrPublishFailed    = errors.New("mqtt: publish failed")
)

// Publisher is the part of a paho client the sink needs.
type Publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) pahomqtt.Token
	Disconnect(quiesce uint)
}

type message struct {
	topic    string
	payload  []byte
	retained bool
}

// Sink forwards manager events to a broker. Create it with Connect or New,
// install it with Listeners and stop it with Close.
type Sink struct {
	client Publisher
	topics Topics
	qos    byte
	logger *logrus.Logger
	now    func() time.Time

	out  *ringchan.RingChannel[message]
	once sync.Once
	done chan struct{}
}

// Connect dials the broker described by cfg and starts publishing.
func Connect(ctx context.Context, cfg config.MQTTConfig, logger *logrus.Logger) (*Sink, error) {
	if logger == nil {
		logger = logrus.New()
	}
	opts := pahomqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetCleanSession(true).
		SetAutoReconnect(true).
		SetConnectTimeout(connectTimeout).
		SetKeepAlive(keepAlive).
		SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
			logger.WithError(err).WithField("broker", cfg.Broker).Warn("MQTT connection lost")
		}).
		SetOnConnectHandler(func(pahomqtt.Client) {
			logger.WithField("broker", cfg.Broker).Info("MQTT connected")
		})

	client := pahomqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		return nil, fmt.Errorf("%w: timeout after %v", ErrConnectionFailed, connectTimeout)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}
	return New(ctx, client, cfg, logger), nil
}

// New starts a sink over an existing client.
func New(ctx context.Context, client Publisher, cfg config.MQTTConfig, logger *logrus.Logger) *Sink {
	if logger == nil {
		logger = logrus.New()
	}
	s := &Sink{
		client: client,
		topics: Topics{Prefix: cfg.TopicPrefix},
		qos:    cfg.QoS,
		logger: logger,
		now:    time.Now,
		out:    ringchan.New[message](bufferSize),
		done:   make(chan struct{}),
	}
	groutine.Go(ctx, "mqtt-publisher", s.pump)
	return s
}

// Listeners returns next with every published event also forwarded to the
// broker. next's own observers still run.
func (s *Sink) Listeners(next manager.Listeners) manager.Listeners {
	l := next
	l.ManagerState = chain(next.ManagerState, func(e state.Event[state.ManagerState]) {
		s.enqueue(s.topics.ManagerState(), true, newStateMessage(e, state.FormatManager, s.now()))
	})
	l.DeviceState = chain(next.DeviceState, func(e state.Event[state.DeviceState]) {
		s.enqueue(s.topics.DeviceState(e.Entity), true, newStateMessage(e, state.FormatDevice, s.now()))
	})
	l.ReadWrite = chain(next.ReadWrite, func(e manager.ReadWriteEvent) {
		s.enqueue(s.topics.DeviceRW(e.MAC), false, newRWMessage(e, s.now()))
	})
	l.UhOh = chain(next.UhOh, func(e throttle.Event) {
		s.enqueue(s.topics.UhOh(), false, newUhOhMessage(e, s.now()))
	})
	return l
}

func chain[E any](first, then func(E)) func(E) {
	if first == nil {
		return then
	}
	return func(e E) {
		first(e)
		then(e)
	}
}

func (s *Sink) enqueue(topic string, retained bool, v any) {
	payload, err := json.Marshal(v)
	if err != nil {
		s.logger.WithError(err).WithField("topic", topic).Error("Failed to encode event")
		return
	}
	if !s.out.Send(message{topic: topic, payload: payload, retained: retained}) {
		s.logger.WithField("topic", topic).Debug("Event sink closed, dropping event")
	}
}

func (s *Sink) pump(context.Context) {
	defer close(s.done)
	for msg := range s.out.C() {
		if err := s.publish(msg); err != nil {
			s.logger.WithError(err).WithField("topic", msg.topic).Warn("Failed to publish event")
		}
	}
}

func (s *Sink) publish(msg message) error {
	token := s.client.Publish(msg.topic, s.qos, msg.retained, msg.payload)
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("%w: timeout after %v", ErrPublishFailed, publishTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("%w: %w", ErrPublishFailed, err)
	}
	return nil
}

// Dropped reports how many events were discarded because the broker fell
// behind.
func (s *Sink) Dropped() int64 { return s.out.Metrics().Overwritten }

// Close flushes buffered events and disconnects from the broker.
func (s *Sink) Close() error {
	s.once.Do(func() {
		s.out.Close()
		<-s.done
		s.client.Disconnect(disconnectQuiesce)
	})
	return nil
}
