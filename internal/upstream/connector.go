// Package upstream opens and maintains the live connections between the
// panel and a game server's console and log endpoints. It hides protocol
// details behind the channel package's Connector and Handle interfaces.
package upstream

import (
	"context"
	"io"
	"time"

	"pkt.systems/pslog"

	"github.com/packpanel/backend/internal/channel"
)

// Dialer establishes the raw byte stream for a channel. The directory
// package provides the production implementation: TCP for consoles, a
// follow-mode file reader for log pipes.
type Dialer interface {
	Dial(ctx context.Context, ref channel.ServerRef, kind channel.Kind) (io.ReadWriteCloser, error)
}

// CredentialResolver supplies the console authentication secret for a
// server. ok is false when no secret is provisioned.
type CredentialResolver interface {
	ResolveAuthSecret(ref channel.ServerRef) (secret string, ok bool)
}

// Connector implements channel.Connector for real game servers. Open
// classifies every failure: terminal conditions come back as sentinel
// errors, network failures as channel.TransportError so the session's
// retry policy can tell them apart.
type Connector struct {
	dialer Dialer
	creds  CredentialResolver
	proc   channel.ProcessState
	log    pslog.Logger

	dialTimeout time.Duration
	authTimeout time.Duration
}

// ConnectorConfig carries the dial and handshake deadlines.
type ConnectorConfig struct {
	DialTimeout time.Duration
	AuthTimeout time.Duration
}

func NewConnector(dialer Dialer, creds CredentialResolver, proc channel.ProcessState, cfg ConnectorConfig, log pslog.Logger) *Connector {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	if cfg.AuthTimeout <= 0 {
		cfg.AuthTimeout = 5 * time.Second
	}
	if log == nil {
		log = pslog.Ctx(context.Background())
	}
	return &Connector{
		dialer:      dialer,
		creds:       creds,
		proc:        proc,
		log:         log,
		dialTimeout: cfg.DialTimeout,
		authTimeout: cfg.AuthTimeout,
	}
}

// Open establishes the upstream connection for (ref, kind). It blocks for
// at most the configured dial plus handshake deadlines.
func (c *Connector) Open(ctx context.Context, ref channel.ServerRef, kind channel.Kind) (channel.Handle, error) {
	switch kind {
	case channel.Console:
		return c.openConsole(ctx, ref)
	case channel.LogStream:
		return c.openLogStream(ctx, ref)
	}
	return nil, channel.ErrNotRunning
}

func (c *Connector) dial(ctx context.Context, ref channel.ServerRef, kind channel.Kind) (io.ReadWriteCloser, error) {
	dctx, cancel := context.WithTimeout(ctx, c.dialTimeout)
	defer cancel()
	conn, err := c.dialer.Dial(dctx, ref, kind)
	if err != nil {
		return nil, &channel.TransportError{Err: err}
	}
	return conn, nil
}
