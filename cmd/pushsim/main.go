package main

import (
	"errors"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"pushattest/internal/backendsim"
	"pushattest/internal/config"
	"pushattest/internal/engine"
	"pushattest/internal/observability/logging"
	"pushattest/internal/observability/metrics"
)

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn("pushsim: .env not loaded", "error", err)
	}
	cfg, err := config.Load()
	if err != nil {
		slog.Error("pushsim: config", "error", err)
		os.Exit(1)
	}
	log := logging.NewLogger(logging.Config{
		ServiceName: "pushsim",
		Environment: cfg.Environment,
		Level:       cfg.LogLevel,
	})
	slog.SetDefault(log)
	metrics.MustRegister("pushsim")

	backend := backendsim.New(backendsim.Config{
		JWTSecret: cfg.SimJWTSecret,
		Issuer:    envOr("SIM_ISSUER", ""),
		Logger:    log,
	})
	if cfg.SimJWTSecret != "" {
		log.Info("pushsim: using HS256 shared-secret token validation")
		if acct := os.Getenv("SIM_DEV_ACCOUNT"); acct != "" {
			tok, err := backend.IssueToken(acct, 24*time.Hour)
			if err != nil {
				log.Error("pushsim: issue dev token", "error", err)
				os.Exit(1)
			}
			log.Info("pushsim: dev access token", "account_id", acct, "token", tok)
		}
	}

	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(httprate.LimitByIP(cfg.SimRateLimit, 1*time.Minute))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: cfg.CORSOrigins(),
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{
			"Authorization", "Content-Type", "X-Request-Id",
			engine.HeaderKeyID, engine.HeaderChallenge, engine.HeaderAssertion,
			engine.HeaderClientData, engine.HeaderAttestation, engine.HeaderBodyDigest,
		},
		MaxAge: 300,
	}))

	r.Handle("/metrics", promhttp.Handler())
	r.Mount("/", backend.Router())

	srv := &http.Server{
		Addr:              cfg.SimAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	log.Info("pushsim listening", "addr", cfg.SimAddr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Error("pushsim: server stopped", "error", err)
		os.Exit(1)
	}
}

func envOr(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
