// Package main runs the exam-proctoring SFU: signaling server, track
// forwarder, recording sidecar, and event sink, behind one gin router.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/proctorsfu/core/config"
	"github.com/proctorsfu/core/internal/eventsink"
	"github.com/proctorsfu/core/internal/middleware"
	"github.com/proctorsfu/core/internal/objectstore"
	"github.com/proctorsfu/core/internal/recorder"
	"github.com/proctorsfu/core/internal/recordingstore"
	"github.com/proctorsfu/core/internal/sfu"
	"github.com/proctorsfu/core/internal/signaling"
	"github.com/proctorsfu/core/pkg/database"
	"github.com/proctorsfu/core/pkg/queue"
	"github.com/proctorsfu/core/pkg/redis"
	"github.com/proctorsfu/core/pkg/response"
)

func main() {
	logger := newLogger()
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("load config", zap.Error(err))
	}

	ctx := context.Background()
	pool, err := database.NewPostgresPool(ctx, cfg.Database.DSN(), logger)
	if err != nil {
		logger.Fatal("database", zap.Error(err))
	}
	defer pool.Close()

	if err := database.Migrate(ctx, pool); err != nil {
		logger.Fatal("migrate", zap.Error(err))
	}

	rdb, err := redis.NewClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, logger)
	if err != nil {
		logger.Fatal("redis", zap.Error(err))
	}
	defer rdb.Close()

	api, err := sfu.NewAPI()
	if err != nil {
		logger.Fatal("webrtc api", zap.Error(err))
	}
	iceServers := sfu.BuildICEServers(sfu.ICEConfig{
		STUNURL:        cfg.WebRTC.STUNURL,
		TURNURL:        cfg.WebRTC.TURNURL,
		TURNUsername:   cfg.WebRTC.TURNUsername,
		TURNCredential: cfg.WebRTC.TURNCredential,
	})

	rooms := sfu.NewRoomRegistry()
	tracks := sfu.NewTrackManager()

	var uploader recorder.Uploader
	if cfg.IPFS.Enabled {
		objectStore := objectstore.NewClient(objectstore.Config{
			APIURL:     cfg.IPFS.APIURL,
			GatewayURL: cfg.IPFS.GatewayURL,
			Timeout:    cfg.IPFS.UploadTimeout,
		})
		if objectStore != nil {
			uploader = objectStore
		} else {
			logger.Warn("ipfs enabled but no api url configured, uploads disabled")
		}
	}
	artifactStore := recordingstore.NewRepository(pool)
	recorderSvc := recorder.NewService(cfg.Recording.OutputDir, cfg.Recording.Format, uploader, artifactStore, logger)

	var ledger eventsink.Ledger
	if cfg.AssetHub.Enabled {
		assetHub := eventsink.NewAssetHubClient(eventsink.AssetHubConfig{
			RPCURL:          cfg.AssetHub.RPCURL,
			PrivateKey:      cfg.AssetHub.PrivateKey,
			ContractAddress: cfg.AssetHub.ContractAddress,
			GasLimit:        cfg.AssetHub.GasLimit,
			Timeout:         cfg.AssetHub.SubmissionTimeout,
		})
		if assetHub != nil {
			ledger = assetHub
		} else {
			logger.Warn("asset hub enabled but no rpc url configured, ledger submissions disabled")
		}
	}
	dlq := queue.NewQueue(rdb.Client, logger)
	events := eventsink.New(ledger, dlq, cfg.AssetHub.RetryCount, logger)

	server := sfu.NewServer(logger, api, iceServers, rooms, tracks, recorderSvc, events)
	hub := signaling.NewHub(logger, server, rooms, recorderSvc, events)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CORS(cfg.Server.CORSAllowedOrigins))
	router.Use(middleware.Logger(logger))

	router.GET("/health", func(c *gin.Context) { response.OK(c, gin.H{"status": "ok"}) })

	signaling.RegisterRoutes(router, hub, server, logger, signaling.PublicConfig{
		SignalingURL: cfg.Server.SignalingURL(),
		STUNURL:      cfg.WebRTC.STUNURL,
		TURNURL:      cfg.WebRTC.TURNURL,
		UIURL:        cfg.Server.UIURL,
		ProctorUIURL: cfg.Server.ProctorUIURL,
		Recording: signaling.RecordingFeature{
			Enabled: cfg.Recording.Enabled,
			Format:  cfg.Recording.Format,
		},
		IPFS: signaling.IPFSFeature{
			Enabled:    cfg.IPFS.Enabled,
			GatewayURL: cfg.IPFS.GatewayURL,
		},
		Blockchain: signaling.BlockchainFeature{
			Enabled:         cfg.AssetHub.Enabled,
			ContractAddress: cfg.AssetHub.ContractAddress,
		},
	})

	srv := &http.Server{
		Addr:         cfg.Server.Host + ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
	}

	go func() {
		logger.Info("server starting", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", zap.Error(err))
	}
	logger.Info("server stopped")
}

func newLogger() *zap.Logger {
	config := zap.NewProductionConfig()
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, _ := config.Build()
	return logger
}
