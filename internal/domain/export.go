package domain

import "encoding/json"

// TargetKind enumerates the supported export target types.
type TargetKind string

const (
	TargetHTTP  TargetKind = "HTTP"
	TargetS3    TargetKind = "S3"
	TargetFile  TargetKind = "FILE"
	TargetMQTT  TargetKind = "MQTT"
)

// DynamicTarget is a runtime-assembled export destination.
type DynamicTarget struct {
	ID               int64           `json:"id"`
	Name             string          `json:"name"`
	Type             TargetKind      `json:"type"`
	Enabled          bool            `json:"enabled"`
	ExecutionOrder   int             `json:"execution_order"`
	ExecutionDelayMS int             `json:"execution_delay_ms"`
	Priority         int             `json:"priority"`
	Config           json.RawMessage `json:"config"`
	Description      string          `json:"description,omitempty"`
}

// PointMapping holds the per-point field/site overrides and scale/offset
// applied by the target runner before a send.
type PointMapping struct {
	FieldName      string
	OverrideSiteID string
	Scale          float64
	Offset         float64
}

// DefaultPointMapping returns the identity mapping (scale 1, offset 0).
func DefaultPointMapping() PointMapping {
	return PointMapping{Scale: 1.0, Offset: 0.0}
}

// TargetMappings is the in-memory mapping set for a single target,
// materialized by the target registry from persisted mapping rows.
type TargetMappings struct {
	// PointField maps point_id -> external field name.
	PointField map[int64]string
	// PointSiteOverride maps point_id -> override site id.
	PointSiteOverride map[int64]string
	// SiteBuilding maps site_id -> external building id.
	SiteBuilding map[string]string
	// PointScale / PointOffset map point_id -> numeric transform, default 1/0.
	PointScale  map[int64]float64
	PointOffset map[int64]float64
}

// NewTargetMappings returns an empty mapping set.
func NewTargetMappings() *TargetMappings {
	return &TargetMappings{
		PointField:        make(map[int64]string),
		PointSiteOverride: make(map[int64]string),
		SiteBuilding:      make(map[string]string),
		PointScale:        make(map[int64]float64),
		PointOffset:       make(map[int64]float64),
	}
}

// FieldName returns the external field name for a point, or "" if unmapped.
func (m *TargetMappings) FieldName(pointID int64) (string, bool) {
	v, ok := m.PointField[pointID]
	return v, ok
}

// Scale returns the scale factor for a point, defaulting to 1.0.
func (m *TargetMappings) Scale(pointID int64) float64 {
	if v, ok := m.PointScale[pointID]; ok {
		return v
	}
	return 1.0
}

// Offset returns the offset for a point, defaulting to 0.0.
func (m *TargetMappings) Offset(pointID int64) float64 {
	if v, ok := m.PointOffset[pointID]; ok {
		return v
	}
	return 0.0
}

// TargetSendResult captures the outcome of one handler send, in the
// wire-stable shape shared across HTTP/S3/File/MQTT handlers.
type TargetSendResult struct {
	Success      bool          `json:"success"`
	Skipped      bool          `json:"skipped"`
	ErrorMessage string        `json:"error_message,omitempty"`
	ResponseTime int64         `json:"response_time_ms"`
	ContentSize  int           `json:"content_size"`
	RetryCount   int           `json:"retry_count"`
	TargetID     int64         `json:"target_id"`
	TargetName   string        `json:"target_name"`
	TargetType   TargetKind    `json:"target_type"`
	SentPayload  string        `json:"sent_payload,omitempty"`
	StatusCode   int           `json:"status_code,omitempty"`
	ResponseBody string        `json:"response_body,omitempty"`
	FilePath     string        `json:"file_path,omitempty"`
	S3ObjectKey  string        `json:"s3_object_key,omitempty"`
	MQTTTopic    string        `json:"mqtt_topic,omitempty"`
	Timestamp    int64         `json:"timestamp"`
}
