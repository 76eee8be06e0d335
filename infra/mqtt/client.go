package mqtt

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"github.com/kilianp07/ridedispatch/core/messages"
	coremon "github.com/kilianp07/ridedispatch/core/monitoring"
	"github.com/kilianp07/ridedispatch/core/notify"
	"github.com/kilianp07/ridedispatch/infra/logger"
)

// Config defines the connection parameters for the Paho MQTT client.
type Config struct {
	Enabled     bool            `json:"enabled"`
	Broker      string          `json:"broker"`
	ClientID    string          `json:"client_id"`
	Username    string          `json:"username"`
	Password    string          `json:"password"`
	TopicPrefix string          `json:"topic_prefix"`
	UseTLS      bool            `json:"use_tls"`
	ClientCert  string          `json:"client_cert"`
	ClientKey   string          `json:"client_key"`
	CABundle    string          `json:"ca_bundle"`
	AuthMethod  string          `json:"auth_method"`
	QoS         map[string]byte `json:"qos"`
	LWTTopic    string          `json:"lwt_topic"`
	LWTPayload  string          `json:"lwt_payload"`
	LWTQoS      byte            `json:"lwt_qos"`
	LWTRetain   bool            `json:"lwt_retain"`
	MaxRetries  int             `json:"max_retries"`
	BackoffMS   int             `json:"backoff_ms"`
	// CommandTimeoutMS bounds the handling of one inbound command.
	CommandTimeoutMS int         `json:"command_timeout_ms"`
	TLSConfig        *tls.Config `json:"-"`
}

// SetDefaults applies sane defaults.
func (c *Config) SetDefaults() {
	if c.TopicPrefix == "" {
		c.TopicPrefix = "ridedispatch"
	}
	if c.ClientID == "" {
		c.ClientID = "ridedispatch-" + uuid.NewString()[:8]
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.BackoffMS <= 0 {
		c.BackoffMS = 100
	}
	if c.CommandTimeoutMS <= 0 {
		c.CommandTimeoutMS = 5000
	}
}

// Validate checks mandatory fields.
func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.Broker == "" {
		return fmt.Errorf("mqtt: broker is required")
	}
	if strings.ContainsAny(c.TopicPrefix, "+#") {
		return fmt.Errorf("mqtt: topic_prefix must not contain wildcards")
	}
	return nil
}

type pahoClient interface {
	IsConnected() bool
	Connect() paho.Token
	Disconnect(quiesce uint)
	Publish(topic string, qos byte, retained bool, payload interface{}) paho.Token
	Subscribe(topic string, qos byte, callback paho.MessageHandler) paho.Token
}

// PahoClient delivers outbound messages over MQTT and feeds inbound command
// envelopes to a messages.Handler. It implements notify.Notifier.
type PahoClient struct {
	cli    pahoClient
	topics Topics
	qos    map[string]byte

	mu             sync.RWMutex
	handler        messages.Handler
	logger         logger.Logger
	maxRetries     int
	backoff        time.Duration
	commandTimeout time.Duration
}

var _ notify.Notifier = (*PahoClient)(nil)

var newMQTTClient = func(opts *paho.ClientOptions) pahoClient {
	return paho.NewClient(opts)
}

// NewPahoClient connects to the MQTT broker and subscribes to the command
// topic. Commands received before SetHandler is called are dropped.
func NewPahoClient(cfg Config) (*PahoClient, error) {
	cfg.SetDefaults()
	opts, err := NewClientOptions(cfg)
	if err != nil {
		return nil, err
	}

	log := logger.New("mqtt_client")
	pc := &PahoClient{
		topics:         Topics{Prefix: cfg.TopicPrefix},
		qos:            cfg.QoS,
		logger:         log,
		maxRetries:     cfg.MaxRetries,
		backoff:        time.Duration(cfg.BackoffMS) * time.Millisecond,
		commandTimeout: time.Duration(cfg.CommandTimeoutMS) * time.Millisecond,
	}

	opts.OnConnect = func(c paho.Client) {
		log.Infof("MQTT connected")
		topic := pc.topics.CommandFilter()
		if token := c.Subscribe(topic, pc.qosFor("command"), pc.onCommand); token.Wait() && token.Error() != nil {
			log.Errorf("subscribe %s: %v", topic, token.Error())
		}
	}
	opts.OnConnectionLost = func(_ paho.Client, err error) {
		log.Errorf("connection lost: %v", err)
	}
	opts.OnReconnecting = func(_ paho.Client, _ *paho.ClientOptions) {
		log.Warnf("reconnecting to MQTT broker")
	}
	c := newMQTTClient(opts)
	if token := c.Connect(); token.Wait() && token.Error() != nil {
		return nil, token.Error()
	}
	pc.cli = c
	return pc, nil
}

// NewClientOptions builds mqtt client options from Config.
func NewClientOptions(cfg Config) (*paho.ClientOptions, error) {
	opts := paho.NewClientOptions().AddBroker(cfg.Broker).SetClientID(cfg.ClientID)
	opts.AutoReconnect = true
	if cfg.AuthMethod == "username_password" || cfg.AuthMethod == "both" || cfg.AuthMethod == "" {
		if cfg.Username != "" {
			opts.SetUsername(cfg.Username)
		}
		if cfg.Password != "" {
			opts.SetPassword(cfg.Password)
		}
	}
	if cfg.UseTLS {
		tlsCfg, err := cfg.LoadTLSConfig()
		if err != nil {
			return nil, err
		}
		opts.SetTLSConfig(tlsCfg)
	}
	if cfg.LWTTopic != "" {
		opts.SetWill(cfg.LWTTopic, cfg.LWTPayload, cfg.LWTQoS, cfg.LWTRetain)
	}
	return opts, nil
}

// LoadTLSConfig loads the TLS configuration from the file paths in the config.
func (c Config) LoadTLSConfig() (*tls.Config, error) {
	if c.TLSConfig != nil {
		return c.TLSConfig, nil
	}
	if c.ClientCert == "" || c.ClientKey == "" || c.CABundle == "" {
		return nil, fmt.Errorf("tls config requires client_cert, client_key and ca_bundle")
	}
	cert, err := tls.LoadX509KeyPair(c.ClientCert, c.ClientKey)
	if err != nil {
		return nil, fmt.Errorf("load cert: %w", err)
	}
	caBytes, err := os.ReadFile(c.CABundle)
	if err != nil {
		return nil, fmt.Errorf("read ca: %w", err)
	}
	pool := x509.NewCertPool()
	pool.AppendCertsFromPEM(caBytes)
	cfg := &tls.Config{Certificates: []tls.Certificate{cert}, RootCAs: pool, MinVersion: tls.VersionTLS12}
	return cfg, nil
}

// SetHandler installs the handler for inbound commands.
func (p *PahoClient) SetHandler(h messages.Handler) {
	p.mu.Lock()
	p.handler = h
	p.mu.Unlock()
}

func (p *PahoClient) qosFor(key string) byte {
	if q, ok := p.qos[key]; ok {
		return q
	}
	return 0
}

func (p *PahoClient) onCommand(_ paho.Client, msg paho.Message) {
	cmd, err := p.topics.DecodeCommand(msg.Topic(), msg.Payload())
	if err != nil {
		p.logger.Warnw("dropping inbound command", map[string]any{"topic": msg.Topic(), "error": err.Error()})
		return
	}
	p.mu.RLock()
	h := p.handler
	p.mu.RUnlock()
	if h == nil {
		p.logger.Warnf("no handler for %s", cmd.CommandKind())
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), p.commandTimeout)
	defer cancel()
	if err := h.HandleCommand(ctx, cmd); err != nil {
		p.logger.Debugf("command %s failed: %v", cmd.CommandKind(), err)
	}
}

// Notify publishes msg on the puller's topic for its kind.
func (p *PahoClient) Notify(ctx context.Context, pullerID string, msg messages.Message) error {
	if pullerID == "" {
		return fmt.Errorf("mqtt notify: empty puller id")
	}
	err := p.publish(ctx, p.topics.Puller(pullerID, msg.Kind()), p.qosFor(string(msg.Kind())), msg)
	if err != nil {
		coremon.CaptureException(err, map[string]string{"module": "mqtt", "puller_id": pullerID, "kind": string(msg.Kind())})
	}
	return err
}

// Broadcast publishes msg on the broadcast topic for its kind.
func (p *PahoClient) Broadcast(ctx context.Context, msg messages.Message) error {
	err := p.publish(ctx, p.topics.Broadcast(msg.Kind()), p.qosFor("broadcast"), msg)
	if err != nil {
		coremon.CaptureException(err, map[string]string{"module": "mqtt", "kind": string(msg.Kind())})
	}
	return err
}

func (p *PahoClient) publish(ctx context.Context, topic string, qos byte, msg messages.Message) error {
	payload, err := messages.Encode(msg)
	if err != nil {
		return err
	}
	if p.cli == nil || !p.cli.IsConnected() {
		return fmt.Errorf("mqtt publish %s: %w", topic, notify.ErrNotConnected)
	}
	var publishErr error
	for attempt := 0; attempt <= p.maxRetries; attempt++ {
		token := p.cli.Publish(topic, qos, false, payload)
		token.Wait()
		publishErr = token.Error()
		if publishErr == nil {
			p.logger.Debugf("published %s to %s", msg.Kind(), topic)
			return nil
		}
		p.logger.Errorf("publish attempt %d failed: %v", attempt+1, publishErr)
		if attempt == p.maxRetries {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(p.backoff * time.Duration(1<<attempt)):
		}
	}
	return fmt.Errorf("mqtt publish %s: %w", topic, publishErr)
}

// Disconnect gracefully closes the MQTT connection.
func (p *PahoClient) Disconnect() {
	if p.cli != nil && p.cli.IsConnected() {
		p.cli.Disconnect(250)
	}
}
