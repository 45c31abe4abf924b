package notify

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"
)

type MQTTOptions struct {
	BrokerURL   string
	ClientID    string
	Username    string
	Password    string
	TopicPrefix string
	Log         zerolog.Logger
}

// MQTTNotifier publishes events as JSON at QoS 1.
type MQTTNotifier struct {
	conn      mqtt.Client
	prefix    string
	connected atomic.Bool
	log       zerolog.Logger
}

func ConnectMQTT(opts MQTTOptions) (*MQTTNotifier, error) {
	n := &MQTTNotifier{
		prefix: opts.TopicPrefix,
		log:    opts.Log.With().Str("component", "notify").Logger(),
	}

	clientOpts := mqtt.NewClientOptions().
		AddBroker(opts.BrokerURL).
		SetClientID(opts.ClientID).
		SetAutoReconnect(true).
		SetConnectRetryInterval(5 * time.Second).
		SetOnConnectHandler(n.onConnect).
		SetConnectionLostHandler(n.onConnectionLost)

	if opts.Username != "" {
		clientOpts.SetUsername(opts.Username)
	}
	if opts.Password != "" {
		clientOpts.SetPassword(opts.Password)
	}

	n.conn = mqtt.NewClient(clientOpts)
	token := n.conn.Connect()
	token.Wait()
	if err := token.Error(); err != nil {
		return nil, err
	}
	return n, nil
}

func (n *MQTTNotifier) onConnect(_ mqtt.Client) {
	n.connected.Store(true)
	n.log.Info().Str("prefix", n.prefix).Msg("mqtt connected")
}

func (n *MQTTNotifier) onConnectionLost(_ mqtt.Client, err error) {
	n.connected.Store(false)
	n.log.Warn().Err(err).Msg("mqtt connection lost, will auto-reconnect")
}

func (n *MQTTNotifier) Publish(ctx context.Context, ev Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		n.log.Error().Err(err).Msg("marshal event")
		return
	}
	topic := Topic(n.prefix, ev)
	token := n.conn.Publish(topic, 1, false, payload)
	select {
	case <-token.Done():
		if err := token.Error(); err != nil {
			n.log.Warn().Err(err).Str("topic", topic).Msg("mqtt publish failed")
		}
	case <-ctx.Done():
	case <-time.After(5 * time.Second):
		n.log.Warn().Str("topic", topic).Msg("mqtt publish timed out")
	}
}

func (n *MQTTNotifier) IsConnected() bool {
	return n.connected.Load()
}

func (n *MQTTNotifier) Close() {
	n.log.Info().Msg("disconnecting mqtt client")
	n.conn.Disconnect(1000)
}
