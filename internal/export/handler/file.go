package handler

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pulseone/pulseone/internal/domain"
)

func init() {
	RegisterFactory(domain.TargetFile, func() Handler { return &FileHandler{} })
}

type fileConfig struct {
	BasePath          string `json:"base_path"`
	FileFormat        string `json:"file_format"` // json|csv|txt|xml
	DirectoryTemplate string `json:"directory_template"`
	FilenameTemplate  string `json:"filename_template"`
	AppendMode        bool   `json:"append_mode"`
	AtomicWrite       bool   `json:"atomic_write"`
	BackupOnOverwrite bool   `json:"backup_on_overwrite"`
	CreateDirectories bool   `json:"create_directories"`
	CSVAddHeader      bool   `json:"csv_add_header"`
	TextFormat        string `json:"text_format"` // default|syslog
	FilePermissions   string `json:"file_permissions"`
}

func (c *fileConfig) withDefaults() {
	if c.FileFormat == "" {
		c.FileFormat = "json"
	}
	if c.FilenameTemplate == "" {
		c.FilenameTemplate = "{point_name}_{timestamp}"
	}
	if c.TextFormat == "" {
		c.TextFormat = "default"
	}
}

func (c *fileConfig) permissions() os.FileMode {
	if c.FilePermissions == "" {
		return 0644
	}
	if v, err := strconv.ParseUint(c.FilePermissions, 8, 32); err == nil {
		return os.FileMode(v)
	}
	return 0644
}

// FileHandler writes alarm/value records to the local filesystem, one file
// per alarm or appended to a rolling log depending on append_mode.
type FileHandler struct {
	mu         sync.Mutex
	cfg        fileConfig
	writeCount int64
}

func (h *FileHandler) Initialize(config json.RawMessage) error {
	var cfg fileConfig
	if err := json.Unmarshal(config, &cfg); err != nil {
		return fmt.Errorf("file handler: invalid config: %w", err)
	}
	cfg.withDefaults()
	if cfg.CreateDirectories {
		if err := os.MkdirAll(cfg.BasePath, 0755); err != nil {
			return fmt.Errorf("file handler: create base path: %w", err)
		}
	}
	h.mu.Lock()
	h.cfg = cfg
	h.mu.Unlock()
	return nil
}

func (h *FileHandler) ValidateConfig(config json.RawMessage) []string {
	var cfg fileConfig
	var errs []string
	if err := json.Unmarshal(config, &cfg); err != nil {
		return []string{fmt.Sprintf("invalid json: %v", err)}
	}
	if cfg.BasePath == "" {
		errs = append(errs, "base_path is required")
	}
	switch cfg.FileFormat {
	case "", "json", "csv", "txt", "xml":
	default:
		errs = append(errs, "file_format must be one of json, csv, txt, xml")
	}
	return errs
}

func (h *FileHandler) SendAlarm(ctx context.Context, alarm AlarmPayload) (domain.TargetSendResult, error) {
	vars := templateVarsForAlarm(alarm)
	record := map[string]any{
		"occurrence_id": alarm.OccurrenceID,
		"rule_id":       alarm.RuleID,
		"building_id":   alarm.BuildingID,
		"point_name":    alarm.PointName,
		"value":         alarm.Value,
		"severity":      alarm.Severity.String(),
		"state":         alarm.State.String(),
		"message":       alarm.Message,
		"timestamp":     alarm.Timestamp.UnixMilli(),
	}
	return h.write(vars, record)
}

func (h *FileHandler) SendValue(ctx context.Context, value ValuePayload) (domain.TargetSendResult, error) {
	vars := templateVarsForValue(value)
	record := map[string]any{
		"point_id":    value.PointID,
		"field_name":  value.FieldName,
		"building_id": value.BuildingID,
		"point_name":  value.PointName,
		"value":       value.Value,
		"quality":     string(value.Quality),
		"timestamp":   value.Timestamp.UnixMilli(),
	}
	return h.write(vars, record)
}

func (h *FileHandler) write(vars map[string]string, record map[string]any) (domain.TargetSendResult, error) {
	h.mu.Lock()
	cfg := h.cfg
	h.mu.Unlock()

	dir := cfg.BasePath
	if cfg.DirectoryTemplate != "" {
		dir = filepath.Join(cfg.BasePath, expandTemplate(cfg.DirectoryTemplate, vars))
	}
	if cfg.CreateDirectories {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return domain.TargetSendResult{Success: false, ErrorMessage: err.Error()}, err
		}
	}

	filename := sanitizeFilename(expandTemplate(cfg.FilenameTemplate, vars))
	filename += fileExtension(cfg.FileFormat)
	fullPath := filepath.Join(dir, filename)

	payload, err := encodeRecord(cfg, record)
	if err != nil {
		return domain.TargetSendResult{Success: false, ErrorMessage: err.Error()}, err
	}

	if cfg.BackupOnOverwrite && !cfg.AppendMode {
		if _, statErr := os.Stat(fullPath); statErr == nil {
			_ = os.Rename(fullPath, fullPath+".bak")
		}
	}

	if err := h.writeFile(fullPath, payload, cfg); err != nil {
		return domain.TargetSendResult{Success: false, ErrorMessage: err.Error()}, err
	}

	h.mu.Lock()
	h.writeCount++
	h.mu.Unlock()

	return domain.TargetSendResult{
		Success:     true,
		ContentSize: len(payload),
		FilePath:    fullPath,
		Timestamp:   time.Now().UnixMilli(),
	}, nil
}

func (h *FileHandler) writeFile(path string, payload []byte, cfg fileConfig) error {
	if cfg.AppendMode {
		f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, cfg.permissions())
		if err != nil {
			return err
		}
		defer f.Close()
		if _, err := f.Write(payload); err != nil {
			return err
		}
		if _, err := f.Write([]byte("\n")); err != nil {
			return err
		}
		return nil
	}

	if !cfg.AtomicWrite {
		return os.WriteFile(path, payload, cfg.permissions())
	}

	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, cfg.permissions())
	if err != nil {
		return err
	}
	if _, err := f.Write(payload); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}

func fileExtension(format string) string {
	switch format {
	case "csv":
		return ".csv"
	case "xml":
		return ".xml"
	case "txt":
		return ".txt"
	default:
		return ".json"
	}
}

func encodeRecord(cfg fileConfig, record map[string]any) ([]byte, error) {
	switch cfg.FileFormat {
	case "csv":
		return encodeCSV(record, cfg.CSVAddHeader)
	case "xml":
		return encodeXML(record)
	case "txt":
		return encodeText(record, cfg.TextFormat), nil
	default:
		return json.Marshal(record)
	}
}

func encodeCSV(record map[string]any, addHeader bool) ([]byte, error) {
	keys := sortedKeys(record)
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if addHeader {
		if err := w.Write(keys); err != nil {
			return nil, err
		}
	}
	row := make([]string, len(keys))
	for i, k := range keys {
		row[i] = fmt.Sprintf("%v", record[k])
	}
	if err := w.Write(row); err != nil {
		return nil, err
	}
	w.Flush()
	return buf.Bytes(), w.Error()
}

func encodeXML(record map[string]any) ([]byte, error) {
	keys := sortedKeys(record)
	var buf bytes.Buffer
	buf.WriteString("<record>")
	for _, k := range keys {
		val := escapeXML(fmt.Sprintf("%v", record[k]))
		fmt.Fprintf(&buf, "<%s>%s</%s>", k, val, k)
	}
	buf.WriteString("</record>")
	return buf.Bytes(), nil
}

func escapeXML(s string) string {
	replacer := strings.NewReplacer(
		"&", "&amp;",
		"<", "&lt;",
		">", "&gt;",
		`"`, "&quot;",
		"'", "&apos;",
	)
	return replacer.Replace(s)
}

func encodeText(record map[string]any, textFormat string) []byte {
	keys := sortedKeys(record)
	if textFormat == "syslog" {
		var parts []string
		for _, k := range keys {
			parts = append(parts, fmt.Sprintf("%s=%v", k, record[k]))
		}
		return []byte(fmt.Sprintf("<13>%s pulseone: %s", time.Now().Format(time.RFC3339), strings.Join(parts, " ")))
	}
	var parts []string
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, record[k]))
	}
	return []byte(strings.Join(parts, " "))
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	for i := 1; i < len(keys); i++ {
		for j := i; j > 0 && keys[j-1] > keys[j]; j-- {
			keys[j-1], keys[j] = keys[j], keys[j-1]
		}
	}
	return keys
}

func (h *FileHandler) TestConnection(ctx context.Context) error {
	h.mu.Lock()
	cfg := h.cfg
	h.mu.Unlock()
	probe := filepath.Join(cfg.BasePath, ".pulseone_probe")
	if err := os.WriteFile(probe, []byte("ok"), 0644); err != nil {
		return fmt.Errorf("file handler: base_path not writable: %w", err)
	}
	return os.Remove(probe)
}

func (h *FileHandler) GetStatus() json.RawMessage {
	h.mu.Lock()
	count := h.writeCount
	h.mu.Unlock()
	out, _ := json.Marshal(map[string]int64{"write_count": count})
	return out
}

func (h *FileHandler) Cleanup() error { return nil }
