package sink

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"example.com/stixgate/internal/common"
	"example.com/stixgate/internal/tctm"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// MQTTConfig configures the MQTT packet publisher.
type MQTTConfig struct {
	Broker      string        `yaml:"broker"`
	ClientID    string        `yaml:"clientId"`
	Username    string        `yaml:"username"`
	Password    string        `yaml:"password"`
	TopicPrefix string        `yaml:"topicPrefix"`
	QoS         byte          `yaml:"qos"`
	Timeout     time.Duration `yaml:"timeout"`
}

// Publisher is the part of an MQTT client the sink uses.
type Publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// MQTT publishes each packet as JSON. Telemetry goes to <prefix>/tm/<spid>,
// telecommands to <prefix>/tc/<name> and the run summary to
// <prefix>/summary.
type MQTT struct {
	pub     Publisher
	client  mqtt.Client
	prefix  string
	qos     byte
	timeout time.Duration
	log     *common.Logger
}

func generateClientID() string {
	b := make([]byte, 8)
	rand.Read(b)
	return "stixgate_" + hex.EncodeToString(b)
}

// DialMQTT connects to the broker.
func DialMQTT(cfg MQTTConfig, log *common.Logger) (*MQTT, error) {
	if strings.TrimSpace(cfg.Broker) == "" {
		return nil, fmt.Errorf("mqtt: broker is empty")
	}
	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	if cfg.ClientID != "" {
		opts.SetClientID(cfg.ClientID)
	} else {
		opts.SetClientID(generateClientID())
	}
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
	}
	if cfg.Password != "" {
		opts.SetPassword(cfg.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(10 * time.Second)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetOnConnectHandler(func(mqtt.Client) {
		log.Infof("MQTT: connected to %s", cfg.Broker)
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		log.Warnf("MQTT: connection lost: %v", err)
	})

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("mqtt: connect to %s: %w", cfg.Broker, token.Error())
	}
	m := NewMQTT(client, cfg, log)
	m.client = client
	return m, nil
}

// NewMQTT publishes through an existing client.
func NewMQTT(pub Publisher, cfg MQTTConfig, log *common.Logger) *MQTT {
	prefix := strings.TrimSuffix(strings.TrimSpace(cfg.TopicPrefix), "/")
	if prefix == "" {
		prefix = "stix"
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &MQTT{pub: pub, prefix: prefix, qos: cfg.QoS, timeout: timeout, log: log}
}

// Topic returns the topic a packet is published on.
func (m *MQTT) Topic(p *tctm.Packet) string {
	if p.Header.IsTelecommand() {
		return m.prefix + "/tc/" + p.Header.Name
	}
	return m.prefix + "/tm/" + strconv.Itoa(p.Header.SPID)
}

func (m *MQTT) Write(p *tctm.Packet) error {
	return m.publish(m.Topic(p), p)
}

// Close publishes the summary and disconnects a client opened by DialMQTT.
func (m *MQTT) Close(s tctm.Summary) error {
	err := m.publish(m.prefix+"/summary", s)
	m.Disconnect()
	return err
}

// Borrow returns a sink that publishes through the same client and leaves
// the connection open on Close.
func (m *MQTT) Borrow() *MQTT {
	c := *m
	c.client = nil
	return &c
}

// Disconnect closes a client opened by DialMQTT.
func (m *MQTT) Disconnect() {
	if m.client != nil {
		m.client.Disconnect(250)
	}
}

func (m *MQTT) publish(topic string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	token := m.pub.Publish(topic, m.qos, false, payload)
	if !token.WaitTimeout(m.timeout) {
		return fmt.Errorf("mqtt: publish to %s timed out", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt: publish to %s: %w", topic, err)
	}
	return nil
}
