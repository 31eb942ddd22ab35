package iptcpstack

import (
	"log/slog"
	"math"
	"math/rand"
	"time"
)

const (
	DefaultSendQueueSize = 1024
	DefaultReceiveWindow = 4096
	DefaultPollTimeout   = time.Millisecond
	DefaultTimeWait      = 2 * time.Second
	DefaultOrphanTimeout = time.Minute
)

// Config tunes an Interface. Zero fields take the defaults above.
type Config struct {
	// SendQueueSize bounds bytes written by the application but not yet
	// acknowledged by the peer.
	SendQueueSize int
	// ReceiveWindow is the capacity of each connection's incoming queue and
	// therefore the largest window advertised. At most 65535.
	ReceiveWindow int
	// PollTimeout is how long the worker waits for a frame before running
	// the connection timers.
	PollTimeout time.Duration
	// TimeWait is how long a closed connection lingers in TIME_WAIT.
	TimeWait time.Duration
	// OrphanTimeout removes a closed Stream's connection whose peer stops
	// making progress, e.g. one stuck in FIN_WAIT_2.
	OrphanTimeout time.Duration
	// CloseOnEstablish sends our FIN as soon as the handshake completes,
	// after any data already queued.
	CloseOnEstablish bool
	// ISS picks the initial send sequence number of a new connection.
	ISS    func() uint32
	Logger *slog.Logger
}

func (cfg Config) withDefaults() Config {
	if cfg.SendQueueSize <= 0 {
		cfg.SendQueueSize = DefaultSendQueueSize
	}
	if cfg.ReceiveWindow <= 0 {
		cfg.ReceiveWindow = DefaultReceiveWindow
	}
	if cfg.ReceiveWindow > math.MaxUint16 {
		cfg.ReceiveWindow = math.MaxUint16
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = DefaultPollTimeout
	}
	if cfg.TimeWait <= 0 {
		cfg.TimeWait = DefaultTimeWait
	}
	if cfg.OrphanTimeout <= 0 {
		cfg.OrphanTimeout = DefaultOrphanTimeout
	}
	if cfg.ISS == nil {
		cfg.ISS = rand.Uint32
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return cfg
}
