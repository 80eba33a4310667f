package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/opsledger/be-validation-workflow/internal/client"
	"github.com/opsledger/be-validation-workflow/internal/config"
	"github.com/opsledger/be-validation-workflow/internal/database"
	"github.com/opsledger/be-validation-workflow/internal/handler"
	"github.com/opsledger/be-validation-workflow/internal/logger"
	"github.com/opsledger/be-validation-workflow/internal/middleware"
	"github.com/opsledger/be-validation-workflow/internal/repository"
	"github.com/opsledger/be-validation-workflow/internal/service"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	log := logger.New(logger.Config{
		Level:       os.Getenv("LOG_LEVEL"),
		Environment: cfg.Service.Environment,
		ServiceName: cfg.Service.Name,
		Version:     cfg.Service.Version,
	})

	log.Info().
		Str("service", cfg.Service.Name).
		Str("version", cfg.Service.Version).
		Str("environment", cfg.Service.Environment).
		Msg("Starting Validation Workflow Service")

	// Create context
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize database
	db, err := database.New(ctx, database.Config{
		Host:        cfg.Database.Host,
		Port:        cfg.Database.Port,
		User:        cfg.Database.User,
		Password:    cfg.Database.Password,
		Database:    cfg.Database.Database,
		SSLMode:     cfg.Database.SSLMode,
		MaxConns:    cfg.Database.MaxConns,
		MinConns:    cfg.Database.MinConns,
		MaxConnTime: cfg.Database.MaxConnTime,
		MaxIdleTime: cfg.Database.MaxIdleTime,
		HealthCheck: cfg.Database.HealthCheck,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer db.Close()
	log.Info().Msg("Database connection established")

	// Optional NATS connection for outbound notifications
	var natsConn *nats.Conn
	if cfg.NATS.URL != "" {
		natsConn, err = nats.Connect(cfg.NATS.URL,
			nats.Name(cfg.Service.Name),
			nats.MaxReconnects(-1),
			nats.ReconnectWait(2*time.Second),
		)
		if err != nil {
			log.Warn().Err(err).Str("url", cfg.NATS.URL).Msg("NATS unavailable; notifications disabled")
			natsConn = nil
		} else {
			defer natsConn.Close()
			log.Info().Str("url", cfg.NATS.URL).Msg("NATS connection established")
		}
	}

	// Pluggable capabilities
	var geocoder service.Geocoder = client.NoopGeocoder{}
	if cfg.Geocoder.Enabled {
		geocoder = client.NewHTTPGeocoder(cfg.Geocoder.BaseURL, cfg.Geocoder.Timeout)
		log.Info().Str("url", cfg.Geocoder.BaseURL).Msg("Reverse geocoding enabled")
	}

	identityClient := client.NewIdentityClient(cfg.Identity.BaseURL)
	notifier := client.NewNotificationPublisher(natsConn, identityClient, log.Logger)

	// Initialize repositories
	thresholdRepo := repository.NewThresholdRepository(db)
	requestRepo := repository.NewRequestRepository(db)
	statsRepo := repository.NewStatsRepository(db)

	// Initialize services
	thresholdService := service.NewThresholdService(thresholdRepo, statsRepo, log)
	workflowService := service.NewWorkflowService(requestRepo, thresholdService, statsRepo, geocoder, notifier, log)

	// Setup HTTP routes
	httpHandler := handler.NewHTTPHandler(thresholdService, workflowService, log)
	mux := http.NewServeMux()

	// Health check
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		if err := db.Ping(r.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(`{"status":"unhealthy"}`))
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"healthy"}`))
	})

	// Threshold routes
	mux.HandleFunc("/api/v1/thresholds", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			httpHandler.CreateThreshold(w, r)
		default:
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		}
	})
	mux.HandleFunc("/api/v1/thresholds/get", httpHandler.GetThreshold)
	mux.HandleFunc("/api/v1/thresholds/update", httpHandler.UpdateThreshold)
	mux.HandleFunc("/api/v1/thresholds/default", httpHandler.GetOrCreateDefaultThreshold)
	mux.HandleFunc("/api/v1/thresholds/clone", httpHandler.CloneThreshold)
	mux.HandleFunc("/api/v1/thresholds/validate", httpHandler.ValidateWorkspaceThresholds)
	mux.HandleFunc("/api/v1/thresholds/stats", httpHandler.GetThresholdUsageStats)

	// Validation workflow routes
	mux.HandleFunc("/api/v1/validations", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			httpHandler.CreateValidationRequest(w, r)
		default:
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		}
	})
	mux.HandleFunc("/api/v1/validations/get", httpHandler.GetValidationRequest)
	mux.HandleFunc("/api/v1/validations/process", httpHandler.ProcessValidation)
	mux.HandleFunc("/api/v1/validations/pending", httpHandler.GetPendingValidations)
	mux.HandleFunc("/api/v1/validations/history", httpHandler.GetValidationHistory)
	mux.HandleFunc("/api/v1/validations/validator-stats", httpHandler.GetValidatorStats)

	// Apply middleware
	var h http.Handler = mux
	h = middleware.Logger(&log.Logger)(h)
	h = middleware.RequestID(h)
	h = middleware.Recovery(&log.Logger)(h)
	h = middleware.CORS([]string{"*"})(h)
	h = middleware.Timeout(30 * time.Second)(h)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      h,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		log.Info().Int("port", cfg.Server.Port).Msg("Starting HTTP server")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("HTTP server failed")
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown failed")
	}

	log.Info().Msg("Server stopped")
}
