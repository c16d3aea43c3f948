package natsserver

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats-server/v2/server"

	"github.com/loqalabs/lectern/internal/config"
)

const readyTimeout = 5 * time.Second

// EmbeddedServer is an in-process broker for single-binary deployments where
// the API and the audio workers share one process or one host.
type EmbeddedServer struct {
	ns  *server.Server
	log *slog.Logger
}

// Start runs an embedded NATS server when cfg asks for one and returns nil
// otherwise. A port of -1 picks a random free port. Credentials in cfg are
// enforced by the server so that the bus client configuration works unchanged
// against an external broker.
func Start(cfg config.BusConfig, logger *slog.Logger) (*EmbeddedServer, error) {
	if !cfg.Embedded {
		return nil, nil
	}
	log := logger.With(slog.String("component", "nats-embedded"))

	opts := &server.Options{
		ServerName: "lectern-embedded",
		Host:       "127.0.0.1",
		Port:       cfg.Port,
		StoreDir:   cfg.StoreDir,
		NoSigs:     true,
		NoLog:      true,
	}
	if cfg.MaxPayload > 0 {
		opts.MaxPayload = int32(cfg.MaxPayload)
	}
	switch {
	case cfg.Token != "":
		opts.Authorization = cfg.Token
	case cfg.Username != "":
		opts.Username = cfg.Username
		opts.Password = cfg.Password
	}

	ns, err := server.NewServer(opts)
	if err != nil {
		return nil, fmt.Errorf("create embedded NATS server: %w", err)
	}
	go ns.Start()

	if !ns.ReadyForConnections(readyTimeout) {
		ns.Shutdown()
		return nil, fmt.Errorf("embedded NATS server not ready within %s", readyTimeout)
	}
	log.Info("embedded NATS server started",
		slog.String("url", ns.ClientURL()),
		slog.Int("max_payload", int(opts.MaxPayload)))
	return &EmbeddedServer{ns: ns, log: log}, nil
}

// ClientURL is the address clients connect to.
func (e *EmbeddedServer) ClientURL() string {
	if e == nil || e.ns == nil {
		return ""
	}
	return e.ns.ClientURL()
}

// Shutdown stops the server and waits until it has released its port.
func (e *EmbeddedServer) Shutdown() {
	if e == nil || e.ns == nil {
		return
	}
	e.log.Info("shutting down embedded NATS server")
	e.ns.Shutdown()
	e.ns.WaitForShutdown()
}
