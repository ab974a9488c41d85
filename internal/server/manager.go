// Package server runs http.Servers with graceful shutdown.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Config configures one listener.
type Config struct {
	Name            string
	Addr            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	MaxHeaderBytes  int
	ShutdownTimeout time.Duration
}

// DefaultConfig returns the listener defaults.
func DefaultConfig() Config {
	return Config{
		Name:            "http",
		Addr:            ":8501",
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    30 * time.Second,
		IdleTimeout:     120 * time.Second,
		MaxHeaderBytes:  1 << 20,
		ShutdownTimeout: 30 * time.Second,
	}
}

// Manager owns one http.Server.
type Manager struct {
	server   *http.Server
	listener net.Listener
	errCh    chan error
	config   Config
	logger   *zap.Logger
	mu       sync.RWMutex
	closed   bool
}

// NewManager creates a manager serving handler.
func NewManager(handler http.Handler, config Config, logger *zap.Logger) *Manager {
	if "" == config.Name {
		config.Name = "http"
	}

	server := &http.Server{
		Addr:              config.Addr,
		Handler:           handler,
		ReadTimeout:       config.ReadTimeout,
		ReadHeaderTimeout: config.ReadTimeout,
		WriteTimeout:      config.WriteTimeout,
		IdleTimeout:       config.IdleTimeout,
		MaxHeaderBytes:    config.MaxHeaderBytes,
		ErrorLog:          zap.NewStdLog(logger.Named(config.Name)),
	}

	return &Manager{
		server: server,
		errCh:  make(chan error, 1),
		config: config,
		logger: logger.With(zap.String("component", "server"), zap.String("server", config.Name)),
	}
}

// Start listens and serves in the background.
func (m *Manager) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return errors.New("server is closed")
	}

	if nil != m.listener {
		return errors.New("server already started")
	}

	listener, err := net.Listen("tcp", m.config.Addr)
	if nil != err {
		return fmt.Errorf("listen on %s: %w", m.config.Addr, err)
	}

	m.listener = listener
	m.logger.Info("server listening", zap.String("addr", listener.Addr().String()))

	go m.serve(listener)

	return nil
}

func (m *Manager) serve(listener net.Listener) {
	if err := m.server.Serve(listener); nil != err && !errors.Is(err, http.ErrServerClosed) {
		m.logger.Error("server failed", zap.Error(err))
		select {
		case m.errCh <- err:
		default:
		}
	}
}

// Shutdown stops accepting connections and waits for in-flight requests,
// at most ShutdownTimeout. Calling it again is a no-op.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil
	}
	m.closed = true

	if 0 < m.config.ShutdownTimeout {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.config.ShutdownTimeout)
		defer cancel()
	}

	if err := m.server.Shutdown(ctx); nil != err {
		m.logger.Error("server shutdown failed", zap.Error(err))
		return err
	}

	m.listener = nil
	m.logger.Info("server stopped")

	return nil
}

// Errors delivers the error that stopped the server unexpectedly.
func (m *Manager) Errors() <-chan error {
	return m.errCh
}

// Addr returns the bound address once started, the configured one otherwise.
func (m *Manager) Addr() string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if nil != m.listener {
		return m.listener.Addr().String()
	}

	return m.config.Addr
}

// IsRunning reports whether the server is started and not shut down.
func (m *Manager) IsRunning() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return nil != m.listener && !m.closed
}
