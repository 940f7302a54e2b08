package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ChamsBouzaiene/pdn/internal/config"
	"github.com/ChamsBouzaiene/pdn/internal/metrics"
)

var (
	chatSession     string
	chatUser        string
	chatMetricsAddr string
	chatEphemeral   bool
)

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Start or resume an assessment in the terminal",
	Long: `Start an interactive assessment.

Inside the chat:
  /stage <id> <message>  send a message after jumping to a stage
  /info                  show the current stage and history length
  /history               print the transcript
  /reset                 start the session over
  /quit                  leave

Once the final report is ready, "review", "save" and "done" are accepted.`,
	RunE: runChat,
}

func init() {
	chatCmd.Flags().StringVar(&chatSession, "session", "", "Session ID (default: a new random ID)")
	chatCmd.Flags().StringVar(&chatUser, "user", "", "Username recorded in the assessment snapshot")
	chatCmd.Flags().BoolVar(&chatEphemeral, "ephemeral", false, "Keep assessment snapshots in memory only")
	chatCmd.Flags().StringVar(&chatMetricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address (overrides METRICS_ADDR)")
}

func runChat(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	cfg, err := loadConfig(logger)
	if err != nil {
		return err
	}
	if chatMetricsAddr != "" {
		cfg.MetricsAddr = chatMetricsAddr
	}
	if chatEphemeral {
		cfg.Storage.Backend = config.BackendMemory
	}

	var recorder metrics.Recorder = metrics.Nop{}
	if cfg.MetricsAddr != "" {
		reg := prometheus.NewRegistry()
		recorder = metrics.NewPrometheusRecorder(reg)
		shutdown := serveMetrics(cfg.MetricsAddr, reg)
		defer shutdown()
	}

	env, err := prepareRuntimeEnv(ctx, cfg, recorder, logger)
	if err != nil {
		return err
	}
	defer env.Close()

	sessionID := chatSession
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	if chatUser != "" {
		if err := env.Store.SetUser(sessionID, chatUser); err != nil {
			return err
		}
	}
	logger.Info("chat session started", zap.String("session_id", sessionID))

	r := &repl{
		orch:      env.Orchestrator,
		sessionID: sessionID,
		chatbot:   env.Chatbot,
		in:        cmd.InOrStdin(),
		out:       cmd.OutOrStdout(),
		log:       logger,
	}
	return r.run(ctx)
}

func serveMetrics(addr string, reg *prometheus.Registry) (shutdown func()) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		logger.Info("serving metrics", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", zap.Error(err))
		}
	}()

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
}
