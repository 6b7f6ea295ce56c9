package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"face-detect-go/config"
	"face-detect-go/internal/api/handlers"
	"face-detect-go/internal/integrations/homeassistant"
	"face-detect-go/internal/integrations/mqtt"
	"face-detect-go/internal/integrations/provider"
	"face-detect-go/internal/logger"
	"face-detect-go/internal/utils"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
)

const defaultConfigPath = "/config/config.yaml"

func main() {
	configPath := flag.String("config", defaultConfigPath, "path to the configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	if err := logger.Init(cfg.Log); err != nil {
		log.Errorf("Failed to initialize logger completely: %v", err)
	}

	if !log.IsLevelEnabled(log.DebugLevel) {
		gin.SetMode(gin.ReleaseMode)
	}

	service, err := provider.CreateService(cfg)
	if err != nil {
		log.Fatalf("Failed to create face detection service: %v", err)
	}

	mqttClient := mqtt.NewClient(cfg.MQTT)
	if err := mqttClient.Start(service.EngineName()); err != nil {
		log.Warnf("Failed to start MQTT client: %v. Continuing without MQTT.", err)
	}
	defer mqttClient.Stop()

	if cfg.MQTT.Enabled && cfg.MQTT.HomeAssistant {
		discovery := homeassistant.NewDiscoveryManager(mqttClient, cfg.MQTT.DiscoveryPrefix, cfg.MQTT.ClientID)
		if err := discovery.Register(service.EngineName()); err != nil {
			log.WithError(err).Warn("Home Assistant discovery failed")
		}
	}

	if !cfg.Detector.Lazy {
		// Warmup failures are not fatal, the next request retries
		go func() {
			if err := service.Warmup(context.Background()); err != nil {
				log.WithError(err).Warn("Face detector warmup failed")
				return
			}
			if err := mqttClient.PublishState(service.EngineName(), true); err != nil {
				log.WithError(err).Warn("Failed to publish detector state")
			}
		}()
	}

	var publisher handlers.EventPublisher
	if mqttClient.Enabled() {
		publisher = mqttClient
	}
	apiHandler := handlers.NewAPIHandler(service, publisher, int64(cfg.Server.MaxUploadMB)<<20)
	metrics := service.Registry()
	if err := utils.RegisterCollectors(metrics); err != nil {
		log.WithError(err).Warn("Failed to register system metrics")
	}
	router := handlers.NewRouter(apiHandler, metrics, cfg.Server)

	serverAddr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:              serverAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Infof("Starting server on %s", serverAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("Server failed to start: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Errorf("Server shutdown failed: %v", err)
	}

	if err := service.Close(); err != nil {
		log.Errorf("Failed to release face detector: %v", err)
	}
	if err := mqttClient.PublishState(service.EngineName(), false); err != nil {
		log.WithError(err).Debug("Failed to publish detector state")
	}

	log.Info("Server stopped.")
}
