package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"pushattest/internal/attest"
	"pushattest/internal/config"
	"pushattest/internal/observability/logging"
	"pushattest/internal/store"
	transporthttp "pushattest/internal/transport/http"
	"pushattest/pkg/pushclient"

	"gorm.io/gorm"
)

// session is one CLI invocation: config, durable key state and enclave.
type session struct {
	cfg     config.Config
	db      *gorm.DB
	log     *slog.Logger
	client  *pushclient.Client
	enclave *attest.Enclave
}

func openSession() (*session, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	log := logging.NewLogger(logging.Config{
		ServiceName: "pushctl",
		Environment: cfg.Environment,
		Level:       cfg.LogLevel,
		Output:      os.Stderr,
	})
	slog.SetDefault(log)

	accountID := cfg.AccountID
	if accountID == "" {
		if cfg.AccessToken == "" {
			return nil, errors.New("set ACCOUNT_ID or ACCESS_TOKEN")
		}
		if accountID, err = transporthttp.AccountIDFromToken(cfg.AccessToken); err != nil {
			return nil, err
		}
	}

	db, err := store.Open(cfg.StateDSN, cfg.LogLevel == "debug")
	if err != nil {
		return nil, fmt.Errorf("open state store: %w", err)
	}
	enclave, err := loadEnclave(cfg, log)
	if err != nil {
		_ = store.Close(db)
		return nil, err
	}

	pc := pushclient.ConfigFrom(cfg)
	pc.AccountID = accountID
	pc.Primitive = enclave
	pc.Store = store.New(db).KeyStates(accountID)
	pc.Logger = log
	client, err := pushclient.New(pc)
	if err != nil {
		_ = store.Close(db)
		return nil, err
	}
	return &session{cfg: cfg, db: db, log: log, client: client, enclave: enclave}, nil
}

func loadEnclave(cfg config.Config, log *slog.Logger) (*attest.Enclave, error) {
	if cfg.EnclaveSecret == "" {
		log.Warn("ENCLAVE_SECRET not set; device keys live in memory only")
		return attest.NewEnclave(), nil
	}
	data, err := os.ReadFile(cfg.EnclavePath)
	if errors.Is(err, os.ErrNotExist) {
		return attest.NewEnclave(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read enclave: %w", err)
	}
	return attest.OpenEnclave(data, []byte(cfg.EnclaveSecret))
}

// close releases the state store.
func (s *session) close() {
	if err := store.Close(s.db); err != nil {
		s.log.Warn("close state store failed", "error", err)
	}
}

// persist seals the enclave back to disk so keys survive the next run.
func (s *session) persist() error {
	if s.cfg.EnclaveSecret == "" {
		return nil
	}
	data, err := s.enclave.Seal([]byte(s.cfg.EnclaveSecret))
	if err != nil {
		return fmt.Errorf("seal enclave: %w", err)
	}
	return os.WriteFile(s.cfg.EnclavePath, data, 0o600)
}

func (s *session) deviceToken(flagValue string) string {
	if v := strings.TrimSpace(flagValue); v != "" {
		return v
	}
	return strings.TrimSpace(s.cfg.DeviceToken)
}

func (s *session) context() (context.Context, context.CancelFunc) {
	timeout := 4*s.cfg.HTTPTimeout + 5*time.Second
	return context.WithTimeout(context.Background(), timeout)
}
