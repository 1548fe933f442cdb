// Package mqttsession owns the MQTT connection lifecycle: connect,
// subscribe, publish, reconnect with backoff, and a reactive
// connection-state stream consumed by observability and the offline
// queue's processing trigger.
package mqttsession

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/cenkalti/backoff/v4"

	"github.com/merklekv/mobile/pkg/broker"
	"github.com/merklekv/mobile/pkg/config"
	"github.com/merklekv/mobile/pkg/log"
	"github.com/merklekv/mobile/pkg/metrics"
)

// State is a position in the connection state machine:
// Disconnected -> Connecting -> Connected -> (Disconnecting | ConnectionLost) -> Connecting -> ...
type State string

const (
	StateDisconnected   State = "disconnected"
	StateConnecting     State = "connecting"
	StateConnected      State = "connected"
	StateDisconnecting  State = "disconnecting"
	StateConnectionLost State = "connection_lost"
)

// Handler processes an inbound payload received on a subscribed topic.
type Handler func(payload []byte)

// Session owns one paho MQTT client and the device's reconnect policy.
type Session struct {
	cfg *config.Config

	onCommand     Handler
	onReplication Handler

	client paho.Client

	state       atomic.Value // State
	stateBroker *broker.Broker[State]

	mu    sync.Mutex
	extra map[string]Handler // additional topic -> handler registrations, e.g. anti-entropy sync topics

	keepAliveMul atomic.Value // float64, applied to cfg.KeepAliveS on the next connect

	stopCh   chan struct{}
	stopOnce sync.Once
}

// New builds a Session bound to cfg. onCommand and onReplication are
// invoked for payloads on the device's command topic and the shared
// replication topic respectively.
func New(cfg *config.Config, onCommand, onReplication Handler) *Session {
	s := &Session{
		cfg:           cfg,
		onCommand:     onCommand,
		onReplication: onReplication,
		stateBroker:   broker.New[State](16),
		extra:         make(map[string]Handler),
		stopCh:        make(chan struct{}),
	}
	s.setState(StateDisconnected)
	s.stateBroker.Start()
	s.keepAliveMul.Store(1.0)
	return s
}

// SetKeepAliveMultiplier scales the configured keepalive interval on the
// next connect or reconnect, used by the battery adapter to lengthen
// keepalive under low power. A multiplier <= 0 resets to 1.0.
func (s *Session) SetKeepAliveMultiplier(m float64) {
	if m <= 0 {
		m = 1.0
	}
	s.keepAliveMul.Store(m)
}

// State returns the current connection state.
func (s *Session) State() State {
	return s.state.Load().(State)
}

// StateStream subscribes to connection state transitions.
func (s *Session) StateStream() broker.Subscriber[State] {
	return s.stateBroker.Subscribe(8)
}

func (s *Session) setState(st State) {
	s.state.Store(st)
	s.stateBroker.Publish(st)
	metrics.ConnectionStateTransitions.WithLabelValues(string(st)).Inc()
}

// Connect performs the initial connection attempt within the configured
// connect timeout, then hands off to the background reconnect loop for
// any subsequent disconnection.
func (s *Session) Connect(ctx context.Context) error {
	opts, err := s.buildClientOptions()
	if err != nil {
		return err
	}
	s.client = paho.NewClient(opts)

	s.setState(StateConnecting)
	ctx, cancel := context.WithTimeout(ctx, s.cfg.ConnectTimeout())
	defer cancel()

	token := s.client.Connect()
	done := make(chan struct{})
	go func() { token.Wait(); close(done) }()

	select {
	case <-done:
		if err := token.Error(); err != nil {
			s.setState(StateDisconnected)
			return fmt.Errorf("mqttsession: connect: %w", err)
		}
	case <-ctx.Done():
		return fmt.Errorf("mqttsession: connect timed out after %s", s.cfg.ConnectTimeout())
	}

	return nil
}

// Disconnect performs an explicit, clean shutdown. The reconnect loop
// does not trigger afterward.
func (s *Session) Disconnect() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
	})
	s.setState(StateDisconnecting)
	if s.client != nil && s.client.IsConnected() {
		s.client.Disconnect(250)
	}
	s.setState(StateDisconnected)
	s.stateBroker.Stop()
}

// Publish sends payload to topic at the given QoS with retain=false, the
// single publish pipeline every mutation and replication event shares.
func (s *Session) Publish(topic string, qos byte, payload []byte) error {
	if s.client == nil || !s.client.IsConnected() {
		return fmt.Errorf("mqttsession: not connected")
	}
	token := s.client.Publish(topic, qos, false, payload)
	token.Wait()
	return token.Error()
}

func (s *Session) buildClientOptions() (*paho.ClientOptions, error) {
	scheme := "tcp"
	if s.cfg.UseTLS {
		scheme = "ssl"
	}

	opts := paho.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("%s://%s:%d", scheme, s.cfg.BrokerHost, s.cfg.BrokerPort))
	opts.SetClientID(s.cfg.ClientID)
	opts.SetCleanSession(false) // persistent session: resume in-flight QoS 1 messages
	mul, _ := s.keepAliveMul.Load().(float64)
	if mul <= 0 {
		mul = 1.0
	}
	opts.SetKeepAlive(time.Duration(float64(s.cfg.KeepAliveS)*mul) * time.Second)
	opts.SetAutoReconnect(false) // reconnection is driven by our own backoff policy
	opts.SetOnConnectHandler(s.handleConnected)
	opts.SetConnectionLostHandler(s.handleConnectionLost)

	if s.cfg.Username != "" {
		opts.SetUsername(s.cfg.Username)
		opts.SetPassword(s.cfg.Password)
	}

	if s.cfg.UseTLS {
		tlsCfg, err := buildTLSConfig()
		if err != nil {
			return nil, err
		}
		opts.SetTLSConfig(tlsCfg)
	}

	return opts, nil
}

func buildTLSConfig() (*tls.Config, error) {
	roots, err := x509.SystemCertPool()
	if err != nil || roots == nil {
		roots = x509.NewCertPool()
	}
	return &tls.Config{RootCAs: roots, MinVersion: tls.VersionTLS12}, nil
}

func (s *Session) handleConnected(client paho.Client) {
	s.setState(StateConnected)
	topics := s.cfg.Topics()

	if token := client.Subscribe(topics.Command, 1, s.wrapHandler(s.onCommand)); token.Wait() && token.Error() != nil {
		log.Logger.Error().Err(token.Error()).Str("topic", topics.Command).Msg("mqttsession: subscribe failed")
	}
	if token := client.Subscribe(topics.Replication, 1, s.wrapHandler(s.onReplication)); token.Wait() && token.Error() != nil {
		log.Logger.Error().Err(token.Error()).Str("topic", topics.Replication).Msg("mqttsession: subscribe failed")
	}

	s.mu.Lock()
	extra := make(map[string]Handler, len(s.extra))
	for topic, h := range s.extra {
		extra[topic] = h
	}
	s.mu.Unlock()
	for topic, h := range extra {
		if token := client.Subscribe(topic, 1, s.wrapHandler(h)); token.Wait() && token.Error() != nil {
			log.Logger.Error().Err(token.Error()).Str("topic", topic).Msg("mqttsession: subscribe failed")
		}
	}
}

// Subscribe registers an additional topic/handler pair beyond the fixed
// command and replication topics, used for the anti-entropy sync
// request/response exchange. Call before Connect so the registration is
// picked up by handleConnected; calling after the session is already
// connected also subscribes immediately.
func (s *Session) Subscribe(topic string, h Handler) error {
	s.mu.Lock()
	s.extra[topic] = h
	connected := s.client != nil && s.client.IsConnected()
	s.mu.Unlock()

	if connected {
		token := s.client.Subscribe(topic, 1, s.wrapHandler(h))
		token.Wait()
		return token.Error()
	}
	return nil
}

func (s *Session) wrapHandler(h Handler) paho.MessageHandler {
	return func(_ paho.Client, m paho.Message) {
		if h == nil {
			return
		}
		payload := append([]byte(nil), m.Payload()...)
		h(payload)
	}
}

func (s *Session) handleConnectionLost(_ paho.Client, err error) {
	log.Logger.Warn().Err(err).Msg("mqttsession: connection lost")
	s.setState(StateConnectionLost)
	go s.reconnectLoop()
}

// reconnectLoop retries Connect with exponential backoff and jitter
// (base 1s, cap 60s, unlimited retries) until it succeeds or the session
// is explicitly disconnected.
func (s *Session) reconnectLoop() {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Second
	b.MaxInterval = 60 * time.Second
	b.MaxElapsedTime = 0 // unlimited retries

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-s.stopCh
		cancel()
	}()

	operation := func() error {
		s.setState(StateConnecting)
		return s.Connect(ctx)
	}

	if err := backoff.Retry(operation, backoff.WithContext(b, ctx)); err != nil {
		log.Logger.Warn().Err(err).Msg("mqttsession: reconnect loop exiting")
	}
}
