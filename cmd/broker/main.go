// Package main runs the cothub message broker: a TLS websocket server
// routing structured messages between authenticated endpoints, backed by a
// durable spool for accept and redelivery queues.
//
// Startup order matters: the spool opens first (a queue backend fault is
// fatal), then registry and inventory, then the broker's consumers, and
// finally the web server with the websocket mount point and the
// operational endpoints.
//
// Called by: external processes (CLI, containers, service managers)
package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"

	"github.com/cothub/broker/internal/broker"
	"github.com/cothub/broker/internal/config"
	"github.com/cothub/broker/internal/inventory"
	"github.com/cothub/broker/internal/registry"
	"github.com/cothub/broker/internal/spool"
	"github.com/cothub/broker/internal/transport"
	"github.com/cothub/broker/internal/uri"
)

const defaultConfigPath = "config/broker.yaml"

func main() {
	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	cfg := loadConfig(log)
	if cfg.Debug {
		log.SetLevel(logrus.DebugLevel)
	}

	// Queue backend first; a fault here halts the process.
	sp, err := spool.OpenBadger(cfg.BrokerSpool, log)
	if err != nil {
		log.WithError(err).Fatal("failed to open broker spool")
	}
	defer sp.Close()

	inv := inventory.New()
	reg := registry.New(cfg.Scheme, inv)

	b := broker.New(broker.Config{
		Scheme:            cfg.Scheme,
		AcceptConsumers:   cfg.AcceptConsumers,
		DeliveryConsumers: cfg.DeliveryConsumers,
		Logger:            log,
	}, reg, inv, sp)

	if err := b.Start(); err != nil {
		log.WithError(err).Fatal("failed to start broker")
	}
	defer b.Close()

	startedAt := time.Now()

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Handle(cfg.WSPath, transport.NewHandler(b, nil, log))

	// Operational endpoints, not part of the message pipeline.
	r.Get("/status", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"server":   b.ServerAddress(),
			"uptime":   time.Since(startedAt).String(),
			"sessions": reg.SessionCount(),
		})
	})
	r.Get("/inventory", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"uris": inv.All(),
		})
	})

	srv := &http.Server{
		Addr:    cfg.Listen,
		Handler: r,
	}

	errs := make(chan error, 1)
	if cfg.SSLCert != "" {
		tlsConfig, identity, err := serverTLS(cfg)
		if err != nil {
			log.WithError(err).Fatal("failed to load TLS configuration")
		}
		srv.TLSConfig = tlsConfig
		log.WithFields(logrus.Fields{
			"listen": cfg.Listen,
			"path":   cfg.WSPath,
			"server": uri.Build(cfg.Scheme, identity, "server"),
		}).Info("broker listening")
		go func() { errs <- srv.ListenAndServeTLS("", "") }()
	} else {
		// Plain HTTP is only for local development; peers cannot present
		// certificates, so the websocket handler rejects them.
		log.WithField("listen", cfg.Listen).Warn("broker listening without TLS, endpoints cannot authenticate")
		go func() { errs <- srv.ListenAndServe() }()
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		log.WithField("signal", sig.String()).Info("shutting down")
	case err := <-errs:
		if err != nil && err != http.ErrServerClosed {
			log.WithError(err).Fatal("web server failed")
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("web server shutdown timed out")
	}
}

// loadConfig resolves the configuration source: command line argument,
// then the default file, then built-in defaults.
func loadConfig(log *logrus.Logger) *config.Config {
	if len(os.Args) >= 2 {
		cfg, err := config.Load(os.Args[1])
		if err != nil {
			log.WithError(err).Fatalf("failed to load config from %s", os.Args[1])
		}
		log.WithField("source", os.Args[1]).Info("configuration loaded")
		return cfg
	}

	if _, err := os.Stat(defaultConfigPath); err == nil {
		cfg, err := config.Load(defaultConfigPath)
		if err != nil {
			log.WithError(err).Fatalf("failed to load config from %s", defaultConfigPath)
		}
		log.WithField("source", defaultConfigPath).Info("configuration loaded")
		return cfg
	}

	log.Info("no config file found, using built-in defaults")
	return config.Default()
}

// serverTLS builds the listener's TLS configuration with required client
// certificate verification, and returns the server certificate's common
// name, which seeds the broker's advertised server URI.
func serverTLS(cfg *config.Config) (*tls.Config, string, error) {
	cert, err := tls.LoadX509KeyPair(cfg.SSLCert, cfg.SSLKey)
	if err != nil {
		return nil, "", err
	}

	leaf, err := x509.ParseCertificate(cert.Certificate[0])
	if err != nil {
		return nil, "", err
	}

	tlsConfig := &tls.Config{
		Certificates: []tls.Certificate{cert},
		ClientAuth:   tls.RequireAndVerifyClientCert,
		MinVersion:   tls.VersionTLS12,
	}

	if cfg.SSLCACert != "" {
		caData, err := os.ReadFile(cfg.SSLCACert)
		if err != nil {
			return nil, "", err
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caData) {
			return nil, "", fmt.Errorf("no certificates found in %s", cfg.SSLCACert)
		}
		tlsConfig.ClientCAs = pool
	}

	return tlsConfig, leaf.Subject.CommonName, nil
}
