package mqtt

import (
	"fmt"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
)

// ClientConfig MQTT 连接配置
type ClientConfig struct {
	Broker   string
	ClientID string
	Username string
	Password string
}

// Client MQTT 连接封装
type Client struct {
	client paho.Client
	config ClientConfig
	logger *zap.Logger
}

// NewClient 连接 MQTT broker
func NewClient(config ClientConfig, logger *zap.Logger) (*Client, error) {
	logger = logger.Named("mqtt")

	opts := paho.NewClientOptions()
	opts.AddBroker(config.Broker)
	opts.SetClientID(config.ClientID)
	opts.SetUsername(config.Username)
	opts.SetPassword(config.Password)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(false)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetOnConnectHandler(func(paho.Client) {
		logger.Info("MQTT connection established", zap.String("broker", config.Broker))
	})
	opts.SetConnectionLostHandler(func(_ paho.Client, err error) {
		logger.Warn("MQTT connection lost", zap.Error(err))
	})

	client := paho.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("connect to mqtt broker: %w", token.Error())
	}

	return &Client{
		client: client,
		config: config,
		logger: logger,
	}, nil
}

// Subscribe 以 QoS 1 订阅主题
func (c *Client) Subscribe(topic string, handler func(topic string, payload []byte)) error {
	token := c.client.Subscribe(topic, 1, func(_ paho.Client, msg paho.Message) {
		handler(msg.Topic(), msg.Payload())
	})
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("subscribe %s: %w", topic, token.Error())
	}
	return nil
}

// Close 断开连接
func (c *Client) Close() {
	c.client.Disconnect(250)
	c.logger.Info("MQTT client disconnected")
}
