package handler

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/pulseone/pulseone/internal/domain"
)

func TestMQTTHandlerQueuesPublishWhileDisconnected(t *testing.T) {
	h := &MQTTHandler{}
	cfg := mqttConfig{BrokerHost: "127.0.0.1", BrokerPort: 18830, AutoConnect: false}
	raw, _ := json.Marshal(cfg)
	if err := h.Initialize(raw); err != nil {
		t.Fatalf("initialize: %v", err)
	}

	result, err := h.SendAlarm(context.Background(), AlarmPayload{
		BuildingID: "B1", PointName: "temp", Value: 1,
		Severity: domain.SeverityLow, State: domain.AlarmStateActive, Timestamp: time.Now(),
	})
	if err == nil {
		t.Fatal("expected error while disconnected")
	}
	if result.Success {
		t.Fatal("expected Success=false while queued")
	}
	if result.MQTTTopic != "pulseone/B1/temp" {
		t.Fatalf("expected topic from default pattern, got %q", result.MQTTTopic)
	}

	var status struct {
		QueueSize int `json:"queue_size"`
	}
	json.Unmarshal(h.GetStatus(), &status)
	if status.QueueSize != 1 {
		t.Fatalf("expected 1 queued message, got %d", status.QueueSize)
	}
}

func TestMQTTHandlerEnqueuePendingDropsOldestWhenFull(t *testing.T) {
	h := &MQTTHandler{cfg: mqttConfig{MaxQueueSize: 2}}
	h.enqueuePending("t1", []byte("a"), h.cfg)
	h.enqueuePending("t2", []byte("b"), h.cfg)
	h.enqueuePending("t3", []byte("c"), h.cfg)

	if len(h.pending) != 2 {
		t.Fatalf("expected queue capped at 2, got %d", len(h.pending))
	}
	if h.topics[0] != "t2" || h.topics[1] != "t3" {
		t.Fatalf("expected oldest entry dropped, got topics %v", h.topics)
	}
}

func TestMQTTHandlerTextFormatEncodesBareValue(t *testing.T) {
	h := &MQTTHandler{cfg: mqttConfig{MessageFormat: "text"}}
	payload, err := h.encode(map[string]string{}, map[string]any{"value": 42.5})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if string(payload) != "42.5" {
		t.Fatalf("expected bare value text, got %q", string(payload))
	}
}

func TestMQTTHandlerValidateConfigRejectsBadQoS(t *testing.T) {
	h := &MQTTHandler{}
	raw, _ := json.Marshal(mqttConfig{BrokerHost: "localhost", QoS: 5})
	errs := h.ValidateConfig(raw)
	if len(errs) == 0 {
		t.Fatal("expected validation error for qos > 2")
	}
}

func TestMQTTHandlerValidateConfigRequiresBrokerHost(t *testing.T) {
	h := &MQTTHandler{}
	raw, _ := json.Marshal(map[string]any{})
	errs := h.ValidateConfig(raw)
	if len(errs) == 0 {
		t.Fatal("expected validation error for missing broker_host")
	}
}

func TestMQTTHandlerCleanupOnUnconnectedClientIsNoop(t *testing.T) {
	h := &MQTTHandler{}
	cfg := mqttConfig{BrokerHost: "127.0.0.1", BrokerPort: 18830, AutoConnect: false}
	raw, _ := json.Marshal(cfg)
	h.Initialize(raw)
	if err := h.Cleanup(); err != nil {
		t.Fatalf("Cleanup: %v", err)
	}
}
