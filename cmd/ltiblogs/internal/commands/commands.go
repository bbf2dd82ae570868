package commands

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/mind-engage/lti-blogs/internal/config"
	"github.com/mind-engage/lti-blogs/internal/db"
	"github.com/mind-engage/lti-blogs/internal/logger"
)

type Globals struct {
	Debug   bool
	Version string
}

func configureHTTPServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       time.Minute,
		WriteTimeout:      time.Minute,
		IdleTimeout:       5 * time.Minute,
		MaxHeaderBytes:    16 * 1024, // id_tokens ride in forms, cookies stay small
	}
}

// setup loads the configuration, builds the logger and opens the database
// with the schema applied. Callers close the returned handle.
func setup(ctx context.Context, globals *Globals) (config.Config, zerolog.Logger, *sql.DB, error) {
	cfg, err := config.Load()
	if err != nil {
		return config.Config{}, zerolog.Nop(), nil, err
	}
	cfg.Debug = cfg.Debug || globals.Debug
	log := logger.Setup(cfg.Debug)

	driver, err := db.ParseDriver(cfg.DBDriver)
	if err != nil {
		return config.Config{}, log, nil, err
	}
	h, err := db.Open(ctx, driver, cfg.DBDSN)
	if err != nil {
		return config.Config{}, log, nil, err
	}
	if err := db.Migrate(ctx, h, driver); err != nil {
		_ = h.Close()
		return config.Config{}, log, nil, fmt.Errorf("migrate: %w", err)
	}
	return cfg, log, h, nil
}
