package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/flowsentry/flowsentry/internal/api"
	"github.com/flowsentry/flowsentry/internal/classifier"
	"github.com/flowsentry/flowsentry/internal/config"
	"github.com/flowsentry/flowsentry/internal/engine"
	"github.com/flowsentry/flowsentry/internal/metrics"
	"github.com/flowsentry/flowsentry/internal/models"
	"github.com/flowsentry/flowsentry/internal/registry"
	"github.com/flowsentry/flowsentry/internal/schema"
	"github.com/flowsentry/flowsentry/internal/service"
	"github.com/flowsentry/flowsentry/internal/sink"
	"github.com/flowsentry/flowsentry/internal/utils"
)

func main() {
	// A local .env is optional; absence is not an error.
	_ = godotenv.Load()

	root := &cobra.Command{
		Use:   "detect-engine",
		Short: "Real-time network flow intrusion detection engine",
	}

	root.AddCommand(newServeCmd())
	root.AddCommand(newCheckModelCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func newServeCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the detection API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to configuration file")
	return cmd
}

func runServe(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := utils.NewLogger(cfg.Logging.Level, cfg.Logging.JSON)
	logger.Info("starting detect-engine", slog.String("address", cfg.Server.Address))

	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}

	sch, err := loadSchema(cfg.Schema.Path)
	if err != nil {
		return fmt.Errorf("load schema: %w", err)
	}

	reg := registry.New(logger, sch, cfg.Models.Dir)
	if count, err := reg.Reload(); err != nil {
		// An empty or broken artifact directory is survivable: detections
		// fail open to unknown until a reload succeeds.
		logger.Warn("initial model load failed", slog.Any("error", err))
		metrics.ObserveReload(false)
	} else {
		logger.Info("models loaded", slog.Int("count", count))
		metrics.ObserveReload(true)
	}

	var resultSink service.Sink
	var asyncSink *sink.Async
	if cfg.Sink.Enabled {
		store, err := sink.Open(cfg.Sink.Path)
		if err != nil {
			return fmt.Errorf("open detection sink: %w", err)
		}
		defer store.Close()
		asyncSink = sink.NewAsync(logger, store, cfg.Sink.Buffer)
		resultSink = asyncSink
		logger.Info("detection sink enabled", slog.String("path", cfg.Sink.Path))
	}

	scorer := engine.NewScorer(logger, engine.ScorerOptions{
		PerModelTimeout: cfg.Detection.PerModelTimeout,
		TieBreakLabel:   models.Label(cfg.Detection.TieBreakLabel),
		AttackCutoff:    cfg.Detection.AttackCutoff,
	})
	risk := engine.NewRiskClassifier(engine.RiskOptions{
		MediumAt:        cfg.Risk.MediumAt,
		HighAt:          cfg.Risk.HighAt,
		CriticalAt:      cfg.Risk.CriticalAt,
		CountLimit:      cfg.Risk.CountLimit,
		SrvCountLimit:   cfg.Risk.SrvCountLimit,
		ErrorRateLimit:  cfg.Risk.ErrorRateLimit,
		PacketRateLimit: cfg.Risk.PacketRateLimit,
	})
	detector := service.NewDetector(logger, sch, reg, scorer, risk, resultSink, service.Options{
		Budget:           cfg.Detection.Budget,
		BatchConcurrency: cfg.Detection.BatchConcurrency,
	})

	handler := api.NewHandler(logger, detector, &reloadObserver{reg: reg})
	server, err := api.NewServer(cfg.Server, handler)
	if err != nil {
		return fmt.Errorf("create server: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var metricsServer *http.Server
	if cfg.Server.MetricsAddress != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsServer = &http.Server{
			Addr:         cfg.Server.MetricsAddress,
			Handler:      mux,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 15 * time.Second,
		}
		go func() {
			logger.Info("metrics server listening", slog.String("address", cfg.Server.MetricsAddress))
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server exited", slog.Any("error", err))
				stop()
			}
		}()
	}

	go func() {
		if serveErr := server.Start(); serveErr != nil {
			logger.Error("server exited", slog.Any("error", serveErr))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.GracefulTimeout)
	defer cancel()
	server.Shutdown(shutdownCtx)

	if metricsServer != nil {
		metricsCtx, cancelMetrics := context.WithTimeout(context.Background(), 5*time.Second)
		if err := metricsServer.Shutdown(metricsCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("metrics server shutdown", slog.Any("error", err))
		}
		cancelMetrics()
	}

	if asyncSink != nil {
		asyncSink.Close()
	}

	logger.Info("detect-engine stopped")
	return nil
}

func newCheckModelCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "check-model <artifact.json>",
		Short: "Validate a model artifact offline",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("read artifact: %w", err)
			}

			artifact, err := classifier.ParseArtifact(data)
			if err != nil {
				return fmt.Errorf("parse artifact: %w", err)
			}
			if _, err := classifier.Build(artifact, schema.Default()); err != nil {
				return fmt.Errorf("build model: %w", err)
			}

			out, err := json.MarshalIndent(map[string]any{
				"model_id": artifact.ModelID,
				"kind":     artifact.Kind,
				"version":  artifact.Version,
				"accuracy": artifact.TrainedAccuracy,
				"weight":   artifact.EffectiveWeight(),
			}, "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(out))
			return nil
		},
	}
	return cmd
}

func loadSchema(path string) (*schema.Schema, error) {
	if path == "" {
		return schema.Default(), nil
	}
	return schema.Load(path)
}

// reloadObserver counts reload outcomes alongside the registry.
type reloadObserver struct {
	reg *registry.Registry
}

func (o *reloadObserver) Reload() (int, error) {
	count, err := o.reg.Reload()
	metrics.ObserveReload(err == nil)
	return count, err
}

func (o *reloadObserver) Status() (uint64, time.Time, []registry.ModelStatus) {
	return o.reg.Status()
}
