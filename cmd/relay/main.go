package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/RenatoCabral2022/WhatsWebService/meeting-relay/internal/auth"
	"github.com/RenatoCabral2022/WhatsWebService/meeting-relay/internal/config"
	"github.com/RenatoCabral2022/WhatsWebService/meeting-relay/internal/events"
	"github.com/RenatoCabral2022/WhatsWebService/meeting-relay/internal/health"
	"github.com/RenatoCabral2022/WhatsWebService/meeting-relay/internal/relay"
	"github.com/RenatoCabral2022/WhatsWebService/meeting-relay/internal/storage"
	"github.com/RenatoCabral2022/WhatsWebService/meeting-relay/internal/transcribe"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		bootLogger, _ := zap.NewProduction()
		bootLogger.Fatal("failed to load config", zap.Error(err))
	}

	logger := newLogger(cfg.Log.Level)
	defer logger.Sync()

	logger.Info("meeting-relay starting",
		zap.String("listen", cfg.ListenAddr()),
		zap.String("metrics", cfg.Server.MetricsAddr),
		zap.String("wsPath", cfg.Server.WSPath),
		zap.String("region", cfg.AWS.Region),
		zap.Bool("recordByDefault", cfg.Recording.DefaultEnabled),
		zap.Bool("failFast", cfg.Failure.FailFast),
	)

	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(), awsconfig.WithRegion(cfg.AWS.Region))
	if err != nil {
		logger.Fatal("failed to load aws config", zap.Error(err))
	}

	rl := relay.New(cfg, logger, relay.Deps{
		Verifier:    newVerifier(cfg, logger),
		Transcriber: newTranscriber(cfg, awsCfg, logger),
		Publisher:   newPublisher(cfg, awsCfg, logger),
		Uploader:    newUploader(cfg, awsCfg, logger),
		Health:      health.NewReporter(cfg.Health.CPUThreshold, cfg.Health.LogInterval, health.SystemLoad, logger.Named("health")),
	})

	srv := &http.Server{
		Addr:              cfg.ListenAddr(),
		Handler:           rl.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	internal := &http.Server{
		Addr:         cfg.Server.MetricsAddr,
		Handler:      rl.InternalHandler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 20 * time.Second,
	}

	go func() {
		logger.Info("relay listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("relay server failed", zap.Error(err))
		}
	}()
	go func() {
		logger.Info("internal API listening", zap.String("addr", internal.Addr))
		if err := internal.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("internal API failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 2*cfg.Recording.FinalizeTimeout+5*time.Second)
	defer cancel()
	srv.Shutdown(ctx)
	if err := rl.Shutdown(ctx); err != nil {
		logger.Warn("sessions did not finalize before deadline", zap.Error(err))
	}
	internal.Shutdown(ctx)
}

func newLogger(level string) *zap.Logger {
	zcfg := zap.NewProductionConfig()
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		lvl = zapcore.InfoLevel
	}
	zcfg.Level = zap.NewAtomicLevelAt(lvl)
	logger, err := zcfg.Build()
	if err != nil {
		logger = zap.NewNop()
	}
	return logger.Named("relay")
}

func newVerifier(cfg *config.Config, logger *zap.Logger) auth.Verifier {
	if cfg.Auth.Issuer != "" {
		logger.Info("auth: jwks", zap.String("issuer", cfg.Auth.Issuer), zap.String("jwks", cfg.JWKSEndpoint()))
		return auth.NewJWKSVerifier(cfg.Auth.Issuer, cfg.JWKSEndpoint(), cfg.Auth.ClientID)
	}
	logger.Warn("auth: static dev token in use")
	return auth.StaticVerifier{Token: cfg.Auth.DevToken}
}

func newTranscriber(cfg *config.Config, awsCfg aws.Config, logger *zap.Logger) transcribe.Client {
	if !cfg.Transcribe.Enabled {
		logger.Info("transcription disabled")
		return transcribe.Disabled{}
	}
	return transcribe.NewAWSClient(awsCfg)
}

func newPublisher(cfg *config.Config, awsCfg aws.Config, logger *zap.Logger) events.Publisher {
	if cfg.Events.StreamName == "" {
		logger.Info("no call events stream configured, logging events only")
		return events.LogPublisher{Logger: logger.Named("events")}
	}
	return events.NewKinesisPublisher(awsCfg, cfg.Events.StreamName)
}

func newUploader(cfg *config.Config, awsCfg aws.Config, logger *zap.Logger) storage.Uploader {
	if cfg.Recording.Bucket == "" {
		logger.Warn("no recordings bucket configured, recording uploads will fail")
	}
	return storage.NewS3Uploader(awsCfg, cfg.Recording.Bucket)
}
