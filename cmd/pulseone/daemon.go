package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/pulseone/pulseone/internal/alarm"
	"github.com/pulseone/pulseone/internal/backendformat"
	"github.com/pulseone/pulseone/internal/config"
	"github.com/pulseone/pulseone/internal/domain"
	"github.com/pulseone/pulseone/internal/export/registry"
	"github.com/pulseone/pulseone/internal/export/runner"
	"github.com/pulseone/pulseone/internal/export/subscriber"
	"github.com/pulseone/pulseone/internal/gatewaysvc"
	"github.com/pulseone/pulseone/internal/logging"
	"github.com/pulseone/pulseone/internal/metrics"
	"github.com/pulseone/pulseone/internal/observability"
	"github.com/pulseone/pulseone/internal/persistence"
	"github.com/pulseone/pulseone/internal/pipeline"
	"github.com/pulseone/pulseone/internal/redisdata"
	"github.com/pulseone/pulseone/internal/script"
	"github.com/pulseone/pulseone/internal/storepg"
	"github.com/pulseone/pulseone/internal/vpoint"
)

// runnerDispatcher adapts export/runner.Runner to gatewaysvc.Dispatcher:
// an admitted alarm event is mapped to a runner.AlarmSource and sent to
// every target bound to it (spec §4.13's subscriber -> runner hand-off).
type runnerDispatcher struct {
	runner *runner.Runner
}

func (d runnerDispatcher) DispatchAlarm(event backendformat.AlarmEventData) {
	var pointID int64
	if event.PointID != nil {
		pointID = *event.PointID
	}
	rawValue, _ := strconv.ParseFloat(event.TriggerValue, 64)
	d.runner.SendAlarm(context.Background(), runner.AlarmSource{
		OccurrenceID: event.OccurrenceID,
		RuleID:       event.RuleID,
		TenantID:     event.TenantID,
		PointID:      pointID,
		RawValue:     rawValue,
		Severity:     event.Severity,
		State:        event.State,
		Message:      event.Message,
		Timestamp:    time.UnixMilli(event.Timestamp),
	})
}

// gatewayCommand is the cmd:gateway:<id> envelope; only "manual_export" is
// interpreted today (spec §4.12's "manual-export commands").
type gatewayCommand struct {
	Command  string          `json:"command"`
	TargetID int64           `json:"target_id"`
	Payload  json.RawMessage `json:"payload"`
}

type manualExportPayload struct {
	PointID   int64         `json:"point_id"`
	SiteID    string        `json:"site_id"`
	PointName string        `json:"point_name"`
	RawValue  float64       `json:"raw_value"`
	Quality   domain.Quality `json:"quality"`
}

// DispatchCommand handles cmd:gateway:<id> messages (spec §4.12's
// dedicated command-channel dispatcher handler, grounded on the original's
// EventDispatcher::handleCommandEvent/handleManualExport).
func (d runnerDispatcher) DispatchCommand(channel, payload string) {
	var cmd gatewayCommand
	if err := json.Unmarshal([]byte(payload), &cmd); err != nil {
		logging.Op().Warn("gateway: malformed command payload", "channel", channel, "error", err)
		return
	}

	switch cmd.Command {
	case "manual_export":
		var value manualExportPayload
		if err := json.Unmarshal(cmd.Payload, &value); err != nil {
			logging.Op().Warn("gateway: malformed manual export payload", "channel", channel, "error", err)
			return
		}
		result, ok := d.runner.SendValueToTargetID(context.Background(), cmd.TargetID, runner.ValueSource{
			PointID:   value.PointID,
			SiteID:    value.SiteID,
			PointName: value.PointName,
			RawValue:  value.RawValue,
			Quality:   value.Quality,
			Timestamp: time.Now(),
		})
		if !ok {
			logging.Op().Warn("gateway: manual export target not found", "target_id", cmd.TargetID)
			return
		}
		logging.Op().Info("gateway: manual export sent", "target_id", cmd.TargetID, "success", result.Success)
	default:
		logging.Op().Warn("gateway: unknown command", "channel", channel, "command", cmd.Command)
	}
}

// DispatchSchedule handles schedule:* control events. PulseOne has no
// schedule-driven export logic of its own yet; the handler exists so the
// channel is routed rather than silently dropped, per spec §4.12.
func (d runnerDispatcher) DispatchSchedule(channel, payload string) {
	logging.Op().Info("gateway: schedule event received", "channel", channel)
}

// DispatchSystem handles system:* control events, same rationale as
// DispatchSchedule.
func (d runnerDispatcher) DispatchSystem(channel, payload string) {
	logging.Op().Info("gateway: system event received", "channel", channel)
}

func daemonCmd() *cobra.Command {
	var (
		logLevel  string
		gatewayID int64
	)

	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Run the PulseOne data plane daemon",
		Long:  "Run PulseOne's ingestion pipeline, alarm engine, persistence queues, and export gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.DefaultConfig()
			if configFile != "" {
				var err error
				cfg, err = config.LoadFromFile(configFile)
				if err != nil {
					return fmt.Errorf("load config: %w", err)
				}
			}
			config.LoadFromEnv(cfg)

			if cmd.Flags().Changed("pg-dsn") {
				cfg.Postgres.DSN = pgDSN
			}
			if cmd.Flags().Changed("log-level") {
				cfg.Daemon.LogLevel = logLevel
			}
			if cmd.Flags().Changed("gateway-id") {
				cfg.Gateway.ID = gatewayID
			}

			logging.SetLevelFromString(cfg.Daemon.LogLevel)
			logging.InitStructured(cfg.Observability.Logging.Format, cfg.Observability.Logging.Level)

			if err := observability.Init(context.Background(), observability.Config{
				Enabled:     cfg.Observability.Tracing.Enabled,
				Exporter:    cfg.Observability.Tracing.Exporter,
				Endpoint:    cfg.Observability.Tracing.Endpoint,
				ServiceName: cfg.Observability.Tracing.ServiceName,
				SampleRate:  cfg.Observability.Tracing.SampleRate,
			}); err != nil {
				return fmt.Errorf("init tracing: %w", err)
			}
			defer observability.Shutdown(context.Background())

			var metricsSrv *http.Server
			if cfg.Observability.Metrics.Enabled {
				metrics.InitPrometheus(cfg.Observability.Metrics.Namespace, cfg.Observability.Metrics.HistogramBuckets)

				mux := http.NewServeMux()
				mux.Handle("/metrics", observability.HTTPMiddleware(metrics.PrometheusHandler()))
				metricsSrv = &http.Server{Addr: cfg.Observability.Metrics.ListenAddr, Handler: mux}
				go func() {
					if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
						logging.Op().Error("metrics server failed", "error", err)
					}
				}()
				defer func() {
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					metricsSrv.Shutdown(shutdownCtx)
				}()
			}

			redisClient := redis.NewClient(&redis.Options{
				Addr:     cfg.Redis.Addr,
				Password: cfg.Redis.Password,
				DB:       cfg.Redis.DB,
			})
			defer redisClient.Close()

			store, err := storepg.New(context.Background(), cfg.Postgres.DSN)
			if err != nil {
				return fmt.Errorf("connect postgres: %w", err)
			}
			defer store.Close()

			rdWriter := redisdata.New(redisClient, cfg.Daemon.Location)

			scriptExec := script.New(cfg.Script)

			stateCache := alarm.NewStateCache()
			ruleRegistry := alarm.NewRegistry(store)
			if err := ruleRegistry.LoadRules(context.Background(), cfg.Daemon.TenantID); err != nil {
				logging.Op().Warn("alarm registry: initial load failed, starting empty", "error", err)
			}
			evaluator := alarm.NewEvaluator(stateCache, scriptExec)
			issuer := &alarm.IDIssuer{}
			recovery := alarm.NewRecovery(store, rdWriter, cfg.Alarm.Recovery).WithPointValueSource(store, rdWriter)

			vpointEngine := vpoint.New(scriptExec)
			if err := vpointEngine.LoadFromSource(cfg.Daemon.TenantID, store); err != nil {
				logging.Op().Warn("virtual point engine: initial load failed, starting empty", "error", err)
			}

			persistenceManager := persistence.NewManager(cfg.Persistence)
			persistenceManager.Start(cfg.Persistence,
				store.DeviceMessageSink(context.Background()),
				store.DeviceMessageSink(context.Background()),
				store.CommStatsSink(context.Background()),
			)
			defer persistenceManager.Stop(5 * time.Second)

			targetRegistry := registry.New(store)
			if err := targetRegistry.Reload(context.Background()); err != nil {
				logging.Op().Warn("export registry: initial load failed, starting empty", "error", err)
			}
			targetRunner := runner.New(targetRegistry, cfg.Export.DefaultBreaker)

			cfg.Gateway.Subscriber.GatewayID = cfg.Gateway.ID
			sub := subscriber.New(redisClient, cfg.Gateway.Subscriber)

			gateway := gatewaysvc.New(cfg.Gateway.ID, targetRegistry, targetRunner, redisClient, sub,
				store, store, runnerDispatcher{runner: targetRunner})

			pipelineManager := pipeline.NewManager(cfg.Pipeline,
				&pipeline.EnrichmentStage{Engine: vpointEngine},
				&pipeline.AlarmStage{
					Rules:  ruleRegistry,
					Eval:   evaluator,
					Cache:  stateCache,
					Issuer: issuer,
					Source: cfg.Daemon.Location,
				},
				&pipeline.PersistenceStage{
					Redis:       rdWriter,
					Queues:      persistenceManager,
					Occurrences: store,
				},
			)

			pipelineManager.Start()
			defer pipelineManager.Stop()

			if err := gateway.Start(context.Background()); err != nil {
				return fmt.Errorf("start gateway service: %w", err)
			}
			defer gateway.Stop()

			if pointStats, err := recovery.RecoverLatestPointValues(context.Background(), cfg.Daemon.TenantID); err != nil {
				logging.Op().Warn("point value warm startup failed", "error", err)
			} else {
				logging.Op().Info("point value warm startup complete", "devices", pointStats.DevicesSeen, "published", pointStats.Published)
			}

			if stats, err := recovery.RecoverActiveAlarms(context.Background()); err != nil {
				logging.Op().Warn("alarm recovery failed", "error", err)
			} else {
				logging.Op().Info("alarm recovery complete", "published", stats.SuccessfullyPublished, "skipped", stats.Skipped)
			}

			logging.Op().Info("PulseOne daemon started", "gateway_id", cfg.Gateway.ID, "tenant_id", cfg.Daemon.TenantID)

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			<-sigCh
			logging.Op().Info("shutdown signal received")

			return nil
		},
	}

	cmd.Flags().StringVar(&logLevel, "log-level", "info", "Log level")
	cmd.Flags().Int64Var(&gatewayID, "gateway-id", 0, "Gateway instance id")

	return cmd
}
