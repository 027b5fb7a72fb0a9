package cmd

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"example.com/monosecom/services/telemetry/config"
	"example.com/monosecom/services/telemetry/internal/api"
	"example.com/monosecom/services/telemetry/internal/core"
	"example.com/monosecom/services/telemetry/internal/infrastructure"
	"example.com/monosecom/services/telemetry/internal/notify"
	"example.com/monosecom/services/telemetry/internal/protocol"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Starts the telemetry service",
	Long:  `Launches the uplink ingestion pipeline, the judgment engine, the remote control path and the HTTP API.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServer() error {
	logger.Info("Initializing Telemetry Service...")

	// --- Infrastructure Setup ---
	logger.Info("Connecting to database...")
	db, err := infrastructure.NewDatabase(cfg.Database)
	if err != nil {
		return fmt.Errorf("database connection failed: %w", err)
	}
	defer db.Close()

	logger.Info("Connecting to cache...")
	cache, err := infrastructure.NewCache(cfg.Redis)
	if err != nil {
		return fmt.Errorf("cache connection failed: %w", err)
	}
	defer cache.Close()

	logger.Info("Connecting to messaging service...")
	var publisher core.EventPublisher
	messaging, err := infrastructure.NewMessaging(cfg.ServiceBus)
	if err != nil {
		logger.Warn("Messaging service unavailable, continuing without it")
	} else {
		defer messaging.Close()
		publisher = messaging
	}

	deadLetter, err := infrastructure.NewDeadLetterLog(cfg.Storage.DeadLetterPath)
	if err != nil {
		return fmt.Errorf("dead-letter log open failed: %w", err)
	}
	defer deadLetter.Close()

	broker, err := infrastructure.NewMQTTBroker(brokerConfig(cfg.MQTT), logger)
	if err != nil {
		return fmt.Errorf("mqtt broker setup failed: %w", err)
	}

	// --- Service Layer Setup ---
	dataStore := core.NewDataStore(db.DB)
	classifier := signalClassifier(cfg.Protocol)
	engine := core.NewJudgmentEngine(classifier, cfg.History.Retention)

	var notifier core.Notifier
	if webhook := notify.NewWebhookNotifier(cfg.Notifier, logger); webhook != nil {
		notifier = webhook
	}

	devices := core.NewDeviceService(dataStore, cache, logger)
	ingest := core.NewIngestService(dataStore, devices, engine, publisher, notifier,
		deadLetter, cfg.Control.CorrelationWindow, logger)
	control := core.NewControlService(dataStore, cache, broker, publisher,
		cfg.Control.AckTimeout, cfg.Control.LinkTimeout, cfg.Control.PollInterval, logger)
	health := core.NewHealthService(dataStore, publisher, notifier, cfg.History.Retention, logger)
	auth := core.NewAuthenticationService(dataStore, logger)

	services := &core.ServiceRegistry{
		Devices: devices,
		Ingest:  ingest,
		Control: control,
		Health:  health,
		Auth:    auth,
	}

	// --- Background Workers ---
	workerCtx, stopWorkers := context.WithCancel(context.Background())
	defer stopWorkers()

	broker.SetUplinkHandler(func(ctx context.Context, iccid string, payload []byte) error {
		if _, err := ingest.HandleUplink(ctx, iccid, payload); err != nil {
			logger.WithError(err).WithField("iccid", iccid).Warn("Uplink rejected")
			return err
		}
		return nil
	})
	if err := broker.Start(); err != nil {
		return fmt.Errorf("mqtt broker start failed: %w", err)
	}
	defer broker.Stop()

	go health.Run(workerCtx, cfg.Health.SweepInterval)
	go func() {
		ticker := time.NewTicker(cfg.Control.AckTimeout)
		defer ticker.Stop()
		for {
			select {
			case <-workerCtx.Done():
				return
			case <-ticker.C:
				if err := control.SweepExpired(workerCtx); err != nil {
					logger.WithError(err).Error("Control sweep failed")
				}
			}
		}
	}()

	// --- API Layer Setup ---
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()

	handlers := api.NewAPIHandlers(services)
	api.SetupRoutes(router, handlers, services, logger)

	// --- HTTP Server ---
	serverAddr := fmt.Sprintf(":%d", cfg.Server.Port)
	server := &http.Server{
		Addr:         serverAddr,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	// --- Graceful Shutdown ---
	shutdownChan := make(chan os.Signal, 1)
	signal.Notify(shutdownChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		logger.Infof("Telemetry API listening on %s", serverAddr)
		logger.Info("Service started successfully")

		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("Server failed to start: %v", err)
		}
	}()

	<-shutdownChan

	logger.Warn("Shutdown signal received, initiating graceful shutdown...")
	stopWorkers()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	logger.Info("Service stopped")
	return nil
}

func brokerConfig(cfg config.MQTTConfig) infrastructure.MQTTConfig {
	return infrastructure.MQTTConfig{
		BrokerURL:         cfg.BrokerURL,
		ClientID:          cfg.ClientID,
		Username:          cfg.Username,
		Password:          cfg.Password,
		QoS:               cfg.QoS,
		CleanSession:      cfg.CleanSession,
		UplinkTopic:       cfg.UplinkTopic,
		KeepAlive:         cfg.KeepAlive,
		ConnectTimeout:    cfg.ConnectTimeout,
		MaxReconnectDelay: cfg.MaxReconnectDelay,
	}
}

func signalClassifier(cfg config.ProtocolConfig) *protocol.SignalClassifier {
	return protocol.NewSignalClassifier(
		protocol.SignalRanges{
			High: protocol.SignalRange{Min: cfg.RSSI.High.Min, Max: cfg.RSSI.High.Max},
			Mid:  protocol.SignalRange{Min: cfg.RSSI.Mid.Min, Max: cfg.RSSI.Mid.Max},
			Low:  protocol.SignalRange{Min: cfg.RSSI.Low.Min, Max: cfg.RSSI.Low.Max},
		},
		protocol.SignalRanges{
			High: protocol.SignalRange{Min: cfg.SINR.High.Min, Max: cfg.SINR.High.Max},
			Mid:  protocol.SignalRange{Min: cfg.SINR.Mid.Min, Max: cfg.SINR.Mid.Max},
			Low:  protocol.SignalRange{Min: cfg.SINR.Low.Min, Max: cfg.SINR.Low.Max},
		},
	)
}
