package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"github.com/pulseone/pulseone/internal/domain"
)

func init() {
	RegisterFactory(domain.TargetMQTT, func() Handler { return &MQTTHandler{} })
}

type mqttConfig struct {
	BrokerHost            string            `json:"broker_host"`
	BrokerPort            int               `json:"broker_port"`
	ClientID              string            `json:"client_id"`
	Username              string            `json:"username"`
	Password              string            `json:"password"`
	TopicPattern          string            `json:"topic_pattern"`
	QoS                   byte              `json:"qos"`
	Retain                bool              `json:"retain"`
	MessageFormat         string            `json:"message_format"` // json|text
	AutoConnect           bool              `json:"auto_connect"`
	AutoReconnect         bool              `json:"auto_reconnect"`
	ReconnectIntervalSec  int               `json:"reconnect_interval_sec"`
	MaxReconnectAttempts  int               `json:"max_reconnect_attempts"`
	MaxQueueSize          int               `json:"max_queue_size"`
	ConnectTimeoutSec     int               `json:"connect_timeout_sec"`
	IncludeMetadata       bool              `json:"include_metadata"`
	AdditionalFields      map[string]string `json:"additional_fields"`
}

func (c *mqttConfig) withDefaults() {
	if c.ClientID == "" {
		c.ClientID = "pulseone-" + uuid.NewString()
	}
	if c.TopicPattern == "" {
		c.TopicPattern = "pulseone/{building_id}/{point_name}"
	}
	if c.MessageFormat == "" {
		c.MessageFormat = "json"
	}
	if c.ReconnectIntervalSec <= 0 {
		c.ReconnectIntervalSec = 5
	}
	if c.MaxQueueSize <= 0 {
		c.MaxQueueSize = 1000
	}
	if c.ConnectTimeoutSec <= 0 {
		c.ConnectTimeoutSec = 10
	}
}

// MQTTHandler publishes alarm/value payloads to an MQTT broker. While
// disconnected, publishes are buffered in a bounded drop-oldest queue and
// flushed once the connection is restored.
type MQTTHandler struct {
	mu      sync.Mutex
	cfg     mqttConfig
	client  mqtt.Client
	pending [][]byte
	topics  []string

	publishCount int64
	successCount int64
}

func (h *MQTTHandler) Initialize(config json.RawMessage) error {
	var cfg mqttConfig
	if err := json.Unmarshal(config, &cfg); err != nil {
		return fmt.Errorf("mqtt handler: invalid config: %w", err)
	}
	cfg.withDefaults()

	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s:%d", cfg.BrokerHost, cfg.BrokerPort))
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.SetAutoReconnect(cfg.AutoReconnect)
	opts.SetMaxReconnectInterval(time.Duration(cfg.ReconnectIntervalSec) * time.Second)
	opts.SetConnectTimeout(time.Duration(cfg.ConnectTimeoutSec) * time.Second)
	opts.SetConnectionLostHandler(func(c mqtt.Client, err error) {})
	opts.SetOnConnectHandler(func(c mqtt.Client) { h.flushPending() })

	client := mqtt.NewClient(opts)

	h.mu.Lock()
	h.cfg = cfg
	h.client = client
	h.mu.Unlock()

	if cfg.AutoConnect {
		token := client.Connect()
		if !token.WaitTimeout(time.Duration(cfg.ConnectTimeoutSec)*time.Second) || token.Error() != nil {
			if token.Error() != nil {
				return fmt.Errorf("mqtt handler: connect: %w", token.Error())
			}
			return fmt.Errorf("mqtt handler: connect timed out")
		}
	}
	return nil
}

func (h *MQTTHandler) ValidateConfig(config json.RawMessage) []string {
	var cfg mqttConfig
	var errs []string
	if err := json.Unmarshal(config, &cfg); err != nil {
		return []string{fmt.Sprintf("invalid json: %v", err)}
	}
	if cfg.BrokerHost == "" {
		errs = append(errs, "broker_host is required")
	}
	if cfg.QoS > 2 {
		errs = append(errs, "qos must be 0, 1, or 2")
	}
	return errs
}

func (h *MQTTHandler) SendAlarm(ctx context.Context, alarm AlarmPayload) (domain.TargetSendResult, error) {
	vars := templateVarsForAlarm(alarm)
	payload, err := h.encode(vars, map[string]any{
		"occurrence_id": alarm.OccurrenceID,
		"rule_id":       alarm.RuleID,
		"building_id":   alarm.BuildingID,
		"point_name":    alarm.PointName,
		"value":         alarm.Value,
		"severity":      alarm.Severity.String(),
		"state":         alarm.State.String(),
		"timestamp":     alarm.Timestamp.UnixMilli(),
	})
	if err != nil {
		return domain.TargetSendResult{Success: false, ErrorMessage: err.Error()}, err
	}
	return h.publish(vars, payload)
}

func (h *MQTTHandler) SendValue(ctx context.Context, value ValuePayload) (domain.TargetSendResult, error) {
	vars := templateVarsForValue(value)
	payload, err := h.encode(vars, map[string]any{
		"point_id":    value.PointID,
		"field_name":  value.FieldName,
		"building_id": value.BuildingID,
		"point_name":  value.PointName,
		"value":       value.Value,
		"quality":     string(value.Quality),
		"timestamp":   value.Timestamp.UnixMilli(),
	})
	if err != nil {
		return domain.TargetSendResult{Success: false, ErrorMessage: err.Error()}, err
	}
	return h.publish(vars, payload)
}

func (h *MQTTHandler) encode(vars map[string]string, record map[string]any) ([]byte, error) {
	h.mu.Lock()
	cfg := h.cfg
	h.mu.Unlock()

	if cfg.IncludeMetadata {
		for k, v := range cfg.AdditionalFields {
			record[k] = v
		}
	}
	if cfg.MessageFormat == "text" {
		return []byte(fmt.Sprintf("%v", record["value"])), nil
	}
	return json.Marshal(record)
}

func (h *MQTTHandler) publish(vars map[string]string, payload []byte) (domain.TargetSendResult, error) {
	h.mu.Lock()
	cfg := h.cfg
	client := h.client
	h.mu.Unlock()

	topic := expandTemplate(cfg.TopicPattern, vars)

	h.mu.Lock()
	h.publishCount++
	h.mu.Unlock()

	if client == nil || !client.IsConnected() {
		h.enqueuePending(topic, payload, cfg)
		return domain.TargetSendResult{
			Success:      false,
			ErrorMessage: "mqtt handler: not connected, message queued",
			MQTTTopic:    topic,
			ContentSize:  len(payload),
			Timestamp:    time.Now().UnixMilli(),
		}, fmt.Errorf("mqtt handler: not connected")
	}

	start := time.Now()
	token := client.Publish(topic, cfg.QoS, cfg.Retain, payload)
	ok := token.WaitTimeout(5 * time.Second)
	elapsed := time.Since(start).Milliseconds()

	result := domain.TargetSendResult{
		MQTTTopic:    topic,
		ContentSize:  len(payload),
		ResponseTime: elapsed,
		Timestamp:    time.Now().UnixMilli(),
	}
	if !ok || token.Error() != nil {
		result.Success = false
		if token.Error() != nil {
			result.ErrorMessage = token.Error().Error()
			return result, token.Error()
		}
		result.ErrorMessage = "publish timed out"
		return result, fmt.Errorf("mqtt handler: publish timed out")
	}

	h.mu.Lock()
	h.successCount++
	h.mu.Unlock()
	result.Success = true
	return result, nil
}

// enqueuePending buffers a publish attempted while disconnected,
// drop-oldest once max_queue_size is reached.
func (h *MQTTHandler) enqueuePending(topic string, payload []byte, cfg mqttConfig) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.pending) >= cfg.MaxQueueSize {
		h.pending = h.pending[1:]
		h.topics = h.topics[1:]
	}
	h.pending = append(h.pending, payload)
	h.topics = append(h.topics, topic)
}

func (h *MQTTHandler) flushPending() {
	h.mu.Lock()
	cfg := h.cfg
	client := h.client
	pending := h.pending
	topics := h.topics
	h.pending = nil
	h.topics = nil
	h.mu.Unlock()

	for i, payload := range pending {
		if client != nil {
			client.Publish(topics[i], cfg.QoS, cfg.Retain, payload)
		}
	}
}

func (h *MQTTHandler) TestConnection(ctx context.Context) error {
	h.mu.Lock()
	client := h.client
	timeout := h.cfg.ConnectTimeoutSec
	h.mu.Unlock()
	if client == nil {
		return fmt.Errorf("mqtt handler: not initialized")
	}
	if client.IsConnected() {
		return nil
	}
	token := client.Connect()
	if !token.WaitTimeout(time.Duration(timeout)*time.Second) || token.Error() != nil {
		if token.Error() != nil {
			return token.Error()
		}
		return fmt.Errorf("mqtt handler: connect timed out")
	}
	return nil
}

func (h *MQTTHandler) GetStatus() json.RawMessage {
	h.mu.Lock()
	status := map[string]any{
		"publish_count": h.publishCount,
		"success_count": h.successCount,
		"queue_size":    len(h.pending),
	}
	h.mu.Unlock()
	out, _ := json.Marshal(status)
	return out
}

func (h *MQTTHandler) Cleanup() error {
	h.mu.Lock()
	client := h.client
	h.mu.Unlock()
	if client != nil && client.IsConnected() {
		client.Disconnect(250)
	}
	return nil
}
