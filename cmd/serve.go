package cmd

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Perceptus-Labs/sos-scanner/config"
	"github.com/Perceptus-Labs/sos-scanner/handlers"
	"github.com/Perceptus-Labs/sos-scanner/utils"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve scan sessions over websocket",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd.Context(), cfg)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(ctx context.Context, cfg config.Config) error {
	log := zap.L()
	log.Info("Starting scanner",
		zap.String("endpoint", cfg.Endpoint),
		zap.Float64("confidence_threshold", cfg.ConfidenceThreshold),
		zap.Strings("allowed_labels", cfg.AllowedLabels),
		zap.Duration("interval", cfg.Interval),
		zap.String("confirm_policy", string(cfg.ConfirmPolicy)))

	redisClient, err := utils.NewRedisClient(ctx, cfg.Redis)
	if err != nil {
		return err
	}

	var catalog handlers.PlacementCatalog = utils.NewStaticCatalog(cfg.Placements)
	var observers []handlers.StateObserver
	if redisClient != nil {
		defer redisClient.Close()
		log.Info("Successfully connected to Redis")

		publisher := utils.NewRedisPublisher(redisClient, cfg.Redis.ChannelPrefix)
		defer publisher.Close()
		observers = append(observers, publisher.Observe)

		if len(cfg.Placements) == 0 {
			catalog = utils.NewRedisCatalog(redisClient, cfg.Redis.PlacementPrefix)
		}
	}

	detector := utils.NewDetectionClient(utils.DetectorConfig{
		Endpoint: cfg.Endpoint,
		Timeout:  cfg.RequestTimeout,
	})
	encoder := utils.NewFrameEncoder(cfg.JPEGQuality, cfg.DefaultWidth, cfg.DefaultHeight)
	device := cfg.CameraDevice()

	factory := func(id string, extra ...handlers.StateObserver) *handlers.ScanSession {
		return handlers.NewScanSession(id, handlers.ScanConfigFrom(cfg), handlers.ScanDeps{
			OpenDevice: func(ctx context.Context) (handlers.CaptureDevice, error) {
				cam, err := utils.OpenCamera(ctx, device, cfg.Camera.AcquireTimeout, zap.L().With(zap.String("session_id", id)))
				if err != nil {
					return nil, err
				}
				return cam, nil
			},
			Encoder:   encoder,
			Detector:  detector,
			Policy:    cfg.Policy(),
			Catalog:   catalog,
			Observers: append(append([]handlers.StateObserver(nil), observers...), extra...),
		})
	}

	scanner := handlers.NewScannerServer(factory)
	server := &http.Server{
		Addr:              net.JoinHostPort("", cfg.Port),
		Handler:           handlers.NewRouter(scanner),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serverExit := make(chan error, 1)
	go func() {
		log.Info("Starting server", zap.String("addr", server.Addr))
		serverExit <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		log.Info("Shutting down server...")
	case err := <-serverExit:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		log.Info("Server exited unexpectedly...")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	scanner.Shutdown(shutdownCtx)
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn("Server shutdown incomplete", zap.Error(err))
	}

	log.Info("Server shut down gracefully")
	return nil
}
