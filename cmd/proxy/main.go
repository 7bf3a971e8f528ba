package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/common-nighthawk/go-figure"
	"github.com/jrsteele09/go-oauth-flows/discovery"
	"github.com/jrsteele09/go-oauth-flows/internal/config"
	"github.com/jrsteele09/go-oauth-flows/internal/logging"
	"github.com/jrsteele09/go-oauth-flows/internal/secretbox"
	"github.com/jrsteele09/go-oauth-flows/server"
	"github.com/jrsteele09/go-oauth-flows/server/clientregistry"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	for {
		if err := run(); err != nil {
			log.Fatal().Err(err).Msg("Error running proxy")
			time.Sleep(1 * time.Second)
		} else {
			break
		}
	}
	log.Info().Msg("Proxy stopped")
}

func run() (returnError error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Bytes("stack", debug.Stack()).Msg("Recovered from panic")
			returnError = errors.New("panic recovered")
		}
	}()

	c := config.New()
	logger := logging.New(os.Stderr, c.GetLogLevel(), c.GetEnv())
	log.Logger = logger
	displayAppname(c.GetAppName())

	registry, err := loadRegistry(c)
	if err != nil {
		return err
	}
	resolver := discovery.NewResolver(discovery.WithLogger(logger))
	handler := server.New(c, registry, resolver, server.WithLogger(logger))

	srv := &http.Server{Addr: c.GetPort(), Handler: handler, ReadHeaderTimeout: 10 * time.Second}
	errCh := make(chan error, 1)
	go func() { errCh <- listenAndServe(srv, logger) }()

	select {
	case err := <-errCh:
		return err
	case <-waitForStopSignal():
	}
	return shutdown(srv)
}

// loadRegistry reads the client file and seals every secret in memory with
// the vault key.
func loadRegistry(c config.Config) (*clientregistry.Registry, error) {
	box, err := secretbox.New(c.GetVaultKey())
	if err != nil {
		return nil, fmt.Errorf("secretbox.New: %w", err)
	}
	registry := clientregistry.New(box)
	path := c.GetClientsFile()
	if err := registry.LoadFile(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			log.Warn().Str("file", path).Msg("No client registry file, every request will be rejected")
			return registry, nil
		}
		return nil, fmt.Errorf("registry.LoadFile: %w", err)
	}
	return registry, nil
}

func listenAndServe(srv *http.Server, logger zerolog.Logger) error {
	logger.Info().Str("addr", srv.Addr).Msg("Proxy listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server.ListenAndServe %w", err)
	}
	return nil
}

func waitForStopSignal() <-chan os.Signal {
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	return stop
}

func shutdown(srv *http.Server) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("server.Shutdown: %w", err)
	}
	return nil
}

func displayAppname(appname string) {
	myFigure := figure.NewFigure(appname, "cybermedium", true)
	myFigure.Print()
	fmt.Println()
}
