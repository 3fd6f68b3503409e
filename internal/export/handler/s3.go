package handler

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/pulseone/pulseone/internal/domain"
)

func init() {
	RegisterFactory(domain.TargetS3, func() Handler { return &S3Handler{} })
}

type s3Config struct {
	BucketName        string            `json:"bucket_name"`
	Endpoint          string            `json:"endpoint"`
	Region            string            `json:"region"`
	AccessKey         string            `json:"access_key"`
	SecretKey         string            `json:"secret_key"`
	ObjectKeyTemplate string            `json:"object_key_template"`
	StorageClass      string            `json:"storage_class"`
	CompressionOn     bool              `json:"compression_enabled"`
	CompressionLevel  int               `json:"compression_level"`
	CustomMetadata    map[string]string `json:"custom_metadata"`
	VerifySSL         *bool             `json:"verify_ssl"`
	ConnectTimeoutSec int               `json:"connect_timeout_sec"`
	UploadTimeoutSec  int               `json:"upload_timeout_sec"`
	MaxRetries        int               `json:"max_retries"`
}

func (c *s3Config) withDefaults() {
	if c.ObjectKeyTemplate == "" {
		c.ObjectKeyTemplate = "{year}/{month}/{day}/{point_name}_{timestamp}.json"
	}
	if c.Region == "" {
		c.Region = "us-east-1"
	}
	if c.UploadTimeoutSec <= 0 {
		c.UploadTimeoutSec = 30
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.CompressionLevel <= 0 {
		c.CompressionLevel = gzip.DefaultCompression
	}
}

// s3ClientCache shares *s3.Client instances across handler instances keyed
// by endpoint+access key+region, since constructing a client re-resolves the AWS
// config chain every time (spec §4.10: "shared client cache keyed by
// endpoint+credentials").
var s3ClientCache = struct {
	mu      sync.Mutex
	clients map[string]*s3.Client
}{clients: make(map[string]*s3.Client)}

func getOrCreateS3Client(ctx context.Context, cfg s3Config) (*s3.Client, error) {
	key := cfg.Endpoint + "|" + cfg.AccessKey + "|" + cfg.Region
	s3ClientCache.mu.Lock()
	defer s3ClientCache.mu.Unlock()
	if client, ok := s3ClientCache.clients[key]; ok {
		return client, nil
	}

	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.AccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("s3 handler: load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = &cfg.Endpoint
		}
		o.UsePathStyle = cfg.Endpoint != ""
	})
	s3ClientCache.clients[key] = client
	return client, nil
}

// S3Handler uploads alarm/value payloads as objects, with optional gzip
// compression and templated object keys.
type S3Handler struct {
	mu         sync.Mutex
	cfg        s3Config
	client     *s3.Client
	uploadCnt  int64
	successCnt int64
}

func (h *S3Handler) Initialize(config json.RawMessage) error {
	var cfg s3Config
	if err := json.Unmarshal(config, &cfg); err != nil {
		return fmt.Errorf("s3 handler: invalid config: %w", err)
	}
	cfg.withDefaults()

	client, err := getOrCreateS3Client(context.Background(), cfg)
	if err != nil {
		return err
	}

	h.mu.Lock()
	h.cfg = cfg
	h.client = client
	h.mu.Unlock()
	return nil
}

func (h *S3Handler) ValidateConfig(config json.RawMessage) []string {
	var cfg s3Config
	var errs []string
	if err := json.Unmarshal(config, &cfg); err != nil {
		return []string{fmt.Sprintf("invalid json: %v", err)}
	}
	if cfg.BucketName == "" {
		errs = append(errs, "bucket_name is required")
	}
	return errs
}

func (h *S3Handler) SendAlarm(ctx context.Context, alarm AlarmPayload) (domain.TargetSendResult, error) {
	vars := templateVarsForAlarm(alarm)
	vars["alarm_state"] = alarm.State.String()
	payload, err := json.Marshal(map[string]any{
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
	metadata := map[string]string{
		"building-id": alarm.BuildingID,
		"point-name":  alarm.PointName,
		"alarm-state": alarm.State.String(),
	}
	return h.upload(ctx, vars, payload, metadata)
}

func (h *S3Handler) SendValue(ctx context.Context, value ValuePayload) (domain.TargetSendResult, error) {
	vars := templateVarsForValue(value)
	payload, err := json.Marshal(map[string]any{
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
	metadata := map[string]string{
		"building-id": value.BuildingID,
		"point-name":  value.PointName,
	}
	return h.upload(ctx, vars, payload, metadata)
}

func (h *S3Handler) upload(ctx context.Context, vars map[string]string, payload []byte, metadata map[string]string) (domain.TargetSendResult, error) {
	h.mu.Lock()
	cfg := h.cfg
	client := h.client
	h.mu.Unlock()

	if client == nil {
		err := fmt.Errorf("s3 handler: not initialized")
		return domain.TargetSendResult{Success: false, ErrorMessage: err.Error()}, err
	}

	key := expandTemplate(cfg.ObjectKeyTemplate, vars)
	body := payload
	if cfg.CompressionOn {
		var buf bytes.Buffer
		gz, err := gzip.NewWriterLevel(&buf, cfg.CompressionLevel)
		if err != nil {
			return domain.TargetSendResult{Success: false, ErrorMessage: err.Error()}, err
		}
		if _, err := gz.Write(payload); err != nil {
			return domain.TargetSendResult{Success: false, ErrorMessage: err.Error()}, err
		}
		if err := gz.Close(); err != nil {
			return domain.TargetSendResult{Success: false, ErrorMessage: err.Error()}, err
		}
		body = buf.Bytes()
		key += ".gz"
	}

	uploadCtx, cancel := context.WithTimeout(ctx, time.Duration(cfg.UploadTimeoutSec)*time.Second)
	defer cancel()

	meta := make(map[string]string, len(metadata)+len(cfg.CustomMetadata))
	for k, v := range metadata {
		meta[k] = v
	}
	for k, v := range cfg.CustomMetadata {
		meta[k] = v
	}

	h.mu.Lock()
	h.uploadCnt++
	h.mu.Unlock()

	start := time.Now()
	_, err := client.PutObject(uploadCtx, &s3.PutObjectInput{
		Bucket:   &cfg.BucketName,
		Key:      &key,
		Body:     bytes.NewReader(body),
		Metadata: meta,
	})
	elapsed := time.Since(start).Milliseconds()

	result := domain.TargetSendResult{
		ResponseTime: elapsed,
		ContentSize:  len(body),
		S3ObjectKey:  key,
		Timestamp:    time.Now().UnixMilli(),
	}
	if err != nil {
		result.Success = false
		result.ErrorMessage = err.Error()
		return result, err
	}
	h.mu.Lock()
	h.successCnt++
	h.mu.Unlock()
	result.Success = true
	return result, nil
}

func (h *S3Handler) TestConnection(ctx context.Context) error {
	h.mu.Lock()
	cfg := h.cfg
	client := h.client
	h.mu.Unlock()
	if client == nil {
		return fmt.Errorf("s3 handler: not initialized")
	}
	probeKey := "pulseone-probe/.keepalive"
	probeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	_, err := client.PutObject(probeCtx, &s3.PutObjectInput{
		Bucket: &cfg.BucketName,
		Key:    &probeKey,
		Body:   bytes.NewReader([]byte("ok")),
	})
	return err
}

func (h *S3Handler) GetStatus() json.RawMessage {
	h.mu.Lock()
	uploads, successes := h.uploadCnt, h.successCnt
	h.mu.Unlock()
	out, _ := json.Marshal(map[string]int64{"upload_count": uploads, "success_count": successes})
	return out
}

func (h *S3Handler) Cleanup() error { return nil }
