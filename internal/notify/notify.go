// Package notify publishes a message when an analysis run finishes. The
// broker URL scheme selects the transport: amqp/amqps go to RabbitMQ, while
// mqtt/mqtts/tcp/ssl/ws/wss go to an MQTT broker.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/andresmejia3/deepscan/internal/analysis"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// Transport is the broker protocol chosen from the URL scheme.
type Transport string

const (
	TransportAMQP Transport = "amqp"
	TransportMQTT Transport = "mqtt"
)

// TransportFor maps a broker URL to its transport.
func TransportFor(raw string) (Transport, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse broker url: %w", err)
	}
	switch strings.ToLower(u.Scheme) {
	case "amqp", "amqps":
		return TransportAMQP, nil
	case "mqtt", "mqtts", "tcp", "ssl", "tls", "ws", "wss":
		return TransportMQTT, nil
	case "":
		return "", fmt.Errorf("broker url %q has no scheme", raw)
	default:
		return "", fmt.Errorf("unsupported broker scheme %q", u.Scheme)
	}
}

// Event is the payload sent for a finished run.
type Event struct {
	RunID                   uuid.UUID        `json:"run_id"`
	VideoPath               string           `json:"video_path"`
	Model                   string           `json:"model"`
	Verdict                 analysis.Verdict `json:"verdict"`
	OverallScore            float64          `json:"overall_score"`
	FramesAnalyzed          int              `json:"frames_analyzed"`
	FacesDetected           int              `json:"faces_detected"`
	TemporalInconsistencies float64          `json:"temporal_inconsistencies"`
	FinishedAt              time.Time        `json:"finished_at"`
}

// NewEvent builds the event for res. Per-face results are left out to keep
// messages small.
func NewEvent(runID uuid.UUID, videoPath, model string, res analysis.Result) Event {
	return Event{
		RunID:                   runID,
		VideoPath:               videoPath,
		Model:                   model,
		Verdict:                 res.Verdict,
		OverallScore:            res.OverallScore,
		FramesAnalyzed:          res.FramesAnalyzed,
		FacesDetected:           res.FacesDetected,
		TemporalInconsistencies: res.TemporalInconsistencies,
		FinishedAt:              time.Now().UTC(),
	}
}

// Publisher delivers events to a broker.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
	Close() error
}

// Options configures a publisher.
type Options struct {
	URL      string
	Topic    string // MQTT topic, or AMQP routing key with '/' turned into '.'
	Exchange string // AMQP only
	ClientID string // MQTT only
	Timeout  time.Duration
	Log      *zap.Logger
}

// New connects to the broker named by opts.URL.
func New(ctx context.Context, opts Options) (Publisher, error) {
	if opts.Log == nil {
		opts.Log = zap.NewNop()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.Topic == "" {
		return nil, errors.New("notify topic is required")
	}
	t, err := TransportFor(opts.URL)
	if err != nil {
		return nil, err
	}
	switch t {
	case TransportAMQP:
		return newAMQPPublisher(ctx, opts)
	default:
		return newMQTTPublisher(ctx, opts)
	}
}

func marshal(ev Event) ([]byte, error) {
	body, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("marshal event: %w", err)
	}
	return body, nil
}

type amqpPublisher struct {
	conn       *amqp.Connection
	channel    *amqp.Channel
	exchange   string
	routingKey string
	log        *zap.Logger
}

// RoutingKey converts an MQTT-style topic into an AMQP routing key.
func RoutingKey(topic string) string {
	return strings.ReplaceAll(strings.Trim(topic, "/"), "/", ".")
}

func newAMQPPublisher(ctx context.Context, opts Options) (*amqpPublisher, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("connect to rabbitmq: %w", err)
	}
	dialer := &net.Dialer{Timeout: opts.Timeout}
	conn, err := amqp.DialConfig(opts.URL, amqp.Config{
		Dial: func(network, addr string) (net.Conn, error) {
			c, err := dialer.DialContext(ctx, network, addr)
			if err != nil {
				return nil, err
			}
			// Bounds the AMQP handshake; cleared once the connection opens.
			if err := c.SetDeadline(time.Now().Add(opts.Timeout)); err != nil {
				c.Close()
				return nil, err
			}
			return c, nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("connect to rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open publisher channel: %w", err)
	}
	if opts.Exchange != "" {
		if err := ch.ExchangeDeclare(opts.Exchange, "topic", true, false, false, false, nil); err != nil {
			conn.Close()
			return nil, fmt.Errorf("declare exchange %s: %w", opts.Exchange, err)
		}
	}
	opts.Log.Debug("connected to rabbitmq", zap.String("exchange", opts.Exchange))
	return &amqpPublisher{
		conn:       conn,
		channel:    ch,
		exchange:   opts.Exchange,
		routingKey: RoutingKey(opts.Topic),
		log:        opts.Log,
	}, nil
}

func (p *amqpPublisher) Publish(ctx context.Context, ev Event) error {
	body, err := marshal(ev)
	if err != nil {
		return err
	}
	err = p.channel.PublishWithContext(ctx,
		p.exchange,
		p.routingKey,
		false, false,
		amqp.Publishing{
			ContentType:  "application/json",
			Body:         body,
			DeliveryMode: amqp.Persistent,
			Timestamp:    ev.FinishedAt,
			MessageId:    ev.RunID.String(),
		},
	)
	if err != nil {
		return fmt.Errorf("publish to rabbitmq: %w", err)
	}
	p.log.Info("result published", zap.String("routing_key", p.routingKey), zap.String("run_id", ev.RunID.String()))
	return nil
}

func (p *amqpPublisher) Close() error {
	return errors.Join(p.channel.Close(), p.conn.Close())
}

type mqttPublisher struct {
	client  mqtt.Client
	topic   string
	timeout time.Duration
	log     *zap.Logger
}

func newMQTTPublisher(ctx context.Context, opts Options) (*mqttPublisher, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("connect to mqtt broker: %w", err)
	}
	u, err := url.Parse(opts.URL)
	if err != nil {
		return nil, err
	}
	clientID := opts.ClientID
	if clientID == "" {
		clientID = "deepscan-" + uuid.NewString()[:8]
	}

	mo := mqtt.NewClientOptions()
	mo.AddBroker(opts.URL)
	mo.SetClientID(clientID)
	if u.User != nil {
		mo.SetUsername(u.User.Username())
		if pw, ok := u.User.Password(); ok {
			mo.SetPassword(pw)
		}
	}
	mo.SetCleanSession(true)
	mo.SetConnectTimeout(opts.Timeout)

	client := mqtt.NewClient(mo)
	token := client.Connect()
	if !token.WaitTimeout(opts.Timeout) {
		client.Disconnect(0)
		return nil, fmt.Errorf("connect to mqtt broker: timeout after %s", opts.Timeout)
	}
	if err := token.Error(); err != nil {
		client.Disconnect(0)
		return nil, fmt.Errorf("connect to mqtt broker: %w", err)
	}
	opts.Log.Debug("connected to mqtt broker", zap.String("client_id", clientID))
	return &mqttPublisher{client: client, topic: opts.Topic, timeout: opts.Timeout, log: opts.Log}, nil
}

func (p *mqttPublisher) Publish(ctx context.Context, ev Event) error {
	body, err := marshal(ev)
	if err != nil {
		return err
	}
	timeout := p.timeout
	if dl, ok := ctx.Deadline(); ok {
		if d := time.Until(dl); d < timeout {
			timeout = d
		}
	}
	token := p.client.Publish(p.topic, 1, false, body)
	if !token.WaitTimeout(timeout) {
		return fmt.Errorf("publish to mqtt: timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish to mqtt: %w", err)
	}
	p.log.Info("result published", zap.String("topic", p.topic), zap.String("run_id", ev.RunID.String()))
	return nil
}

func (p *mqttPublisher) Close() error {
	if p.client.IsConnected() {
		p.client.Disconnect(250)
	}
	return nil
}
