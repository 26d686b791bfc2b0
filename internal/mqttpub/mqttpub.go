// Package mqttpub publishes the controller's state to an MQTT broker
// as retained JSON messages, one topic for the overall status and one
// per GPU.
package mqttpub

import (
	"encoding/json"
	"fmt"
	"time"

	"codeberg.org/helioz/solarminerctl/internal/errors"
	"codeberg.org/helioz/solarminerctl/internal/logger"
	mqtt "github.com/eclipse/paho.mqtt.golang"
)

const (
	connectRetryInterval = 5 * time.Second
	keepAlive            = 60 * time.Second
	disconnectQuiesceMs  = 250
	publishTimeout       = 5 * time.Second
)

const (
	ErrConnectFailed = errors.ErrorCode("mqtt_connect_failed")
	ErrPublishFailed = errors.ErrorCode("mqtt_publish_failed")
)

type Config struct {
	Broker    string
	ClientID  string
	Username  string
	Password  string
	TopicBase string
}

// StatusMessage is the controller-wide state published per cycle.
type StatusMessage struct {
	State        string    `json:"state"`
	MiningActive bool      `json:"mining_active"`
	ProducedW    float64   `json:"produced_w"`
	ConsumedW    float64   `json:"consumed_w"`
	GridW        float64   `json:"grid_w"`
	AvailableW   float64   `json:"available_w"`
	GPUBusy      bool      `json:"gpu_busy"`
	HashrateHps  float64   `json:"hashrate_hps"`
	Timestamp    time.Time `json:"timestamp"`
}

// DeviceMessage is one GPU's state published per cycle.
type DeviceMessage struct {
	Index          int       `json:"index"`
	Name           string    `json:"name"`
	CoreTempC      float64   `json:"core_temp_c"`
	VRAMTempC      float64   `json:"vram_temp_c"`
	PowerW         float64   `json:"power_w"`
	UtilizationPct float64   `json:"utilization_pct"`
	FanSpeedPct    float64   `json:"fan_speed_pct"`
	TDPPercent     int       `json:"tdp_percent"`
	ThermalAction  string    `json:"thermal_action"`
	Timestamp      time.Time `json:"timestamp"`
}

// Publisher pushes controller state to the broker. Implementations
// never block the control loop beyond the publish timeout.
type Publisher interface {
	PublishStatus(msg StatusMessage) error
	PublishDevice(deviceID string, msg DeviceMessage) error
	Close()
}

type client struct {
	mqtt      mqtt.Client
	topicBase string
	errs      errors.Factory
}

type noopPublisher struct{}

// New connects to the broker and returns a Publisher. A disabled
// configuration returns a no-op publisher.
func New(cfg Config, enabled bool) (Publisher, error) {
	if !enabled {
		logger.Debug().Msg("MQTT publishing disabled")
		return noopPublisher{}, nil
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	opts.SetUsername(cfg.Username)
	opts.SetPassword(cfg.Password)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(connectRetryInterval)
	opts.SetKeepAlive(keepAlive)
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		logger.Warn().Err(err).Msg("MQTT connection lost")
	})
	opts.SetOnConnectHandler(func(mqtt.Client) {
		logger.Info().Msgf("Connected to MQTT broker %s", cfg.Broker)
	})

	c := &client{
		mqtt:      mqtt.NewClient(opts),
		topicBase: cfg.TopicBase,
		errs:      errors.New(),
	}

	if token := c.mqtt.Connect(); token.Wait() && token.Error() != nil {
		return nil, c.errs.Wrap(ErrConnectFailed, token.Error())
	}

	return c, nil
}

func (c *client) PublishStatus(msg StatusMessage) error {
	return c.publish(c.topicBase+"/status", msg)
}

func (c *client) PublishDevice(deviceID string, msg DeviceMessage) error {
	return c.publish(fmt.Sprintf("%s/gpu/%s", c.topicBase, deviceID), msg)
}

func (c *client) publish(topic string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return c.errs.Wrap(ErrPublishFailed, err)
	}

	token := c.mqtt.Publish(topic, 0, true, data)
	if !token.WaitTimeout(publishTimeout) {
		return c.errs.WithData(ErrPublishFailed, "publish timeout: "+topic)
	}
	if token.Error() != nil {
		return c.errs.Wrap(ErrPublishFailed, token.Error()).WithData(topic)
	}

	return nil
}

func (c *client) Close() {
	c.mqtt.Disconnect(disconnectQuiesceMs)
}

func (noopPublisher) PublishStatus(StatusMessage) error          { return nil }
func (noopPublisher) PublishDevice(string, DeviceMessage) error  { return nil }
func (noopPublisher) Close()                                     {}
