package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"gitasahayak/internal/api"
	"gitasahayak/internal/guidance"
	"gitasahayak/internal/metrics"
	"gitasahayak/internal/speech"
	"gitasahayak/internal/telemetry"
)

var serveAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP server",
	Long: `Run the chat, history and audio endpoints.

Remote history sync is enabled when remote_driver is set in the config.
Prometheus metrics are served on /metrics.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "Listen address (overrides basic_config.server_address)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, logCloser, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer logCloser.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tracer, meter, shutdownTelemetry, err := telemetry.InitTelemetry(ctx, filepath.Join(cfg.Log.Dir, "telemetry"))
	if err != nil {
		return err
	}
	defer shutdownTelemetry()

	a, err := newApp(cfg, logger, appOptions{background: true, tracer: tracer, meter: meter})
	if err != nil {
		return err
	}
	defer a.Close()

	guideOpts := []guidance.Option{guidance.WithLogger(logger)}
	search := guidance.NewWebSearchTool(ctx, guidance.SearchConfig{
		GoogleAPIKey:         cfg.Guidance.GoogleAPIKey,
		GoogleSearchEngineID: cfg.Guidance.GoogleSearchEngineID,
	}, logger)
	if search != nil {
		guideOpts = append(guideOpts, guidance.WithTools(ctx, search))
	}
	guide, err := guidance.NewService(ctx, cfg, guideOpts...)
	if err != nil {
		return fmt.Errorf("init guidance: %w", err)
	}

	var speaker api.Speaker
	synth, err := speech.NewSynthesizer(ctx, cfg.Speech, speech.WithLogger(logger), speech.WithTracer(tracer))
	if err != nil {
		logger.Warn("speech synthesis disabled", "error", err)
	} else {
		speaker = synth
	}

	handlers := api.NewHandler(api.Options{
		History:  a.history,
		Guide:    guide,
		Speaker:  speaker,
		Audio:    a.audio,
		Auth:     a.auth,
		Logger:   logger,
		Language: cfg.Guidance.Language,
	})

	if !verbose {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	handlers.RegisterRoutes(router)
	router.GET("/metrics", gin.WrapH(metrics.Handler(a.registry)))

	addr := serveAddr
	if addr == "" {
		addr = cfg.BasicConfig.ServerAddress
	}
	if addr == "" {
		addr = ":8090"
	}
	srv := &http.Server{Addr: addr, Handler: router, ReadHeaderTimeout: 10 * time.Second}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server listening", "addr", addr, "remote", cfg.RemoteDriver, "snapshot", cfg.Snapshot.Backend)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server stopped: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown server: %w", err)
	}
	return nil
}
