package client

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/net/websocket"
)

// DialConfig controls how Dial reaches the server.
type DialConfig struct {
	// MaxElapsed bounds the total time spent retrying. Zero means one try.
	MaxElapsed time.Duration
	// Timeout bounds each individual attempt.
	Timeout time.Duration
}

// Dial connects to addr, retrying with exponential backoff until the server
// answers or cfg.MaxElapsed passes. An addr with a ws:// or wss:// scheme is
// dialed as the admin server's WebSocket session endpoint; anything else is a
// plain TCP host:port.
func Dial(ctx context.Context, addr string, cfg DialConfig) (io.ReadWriteCloser, error) {
	attempt := func() (io.ReadWriteCloser, error) {
		actx := ctx
		if cfg.Timeout > 0 {
			var cancel context.CancelFunc
			actx, cancel = context.WithTimeout(ctx, cfg.Timeout)
			defer cancel()
		}
		if strings.HasPrefix(addr, "ws://") || strings.HasPrefix(addr, "wss://") {
			return dialWebSocket(actx, addr)
		}
		var d net.Dialer
		return d.DialContext(actx, "tcp", addr)
	}

	if cfg.MaxElapsed <= 0 {
		return attempt()
	}
	return backoff.Retry(ctx, attempt,
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxElapsedTime(cfg.MaxElapsed),
	)
}

func dialWebSocket(ctx context.Context, addr string) (io.ReadWriteCloser, error) {
	u, err := url.Parse(addr)
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("parse %s: %w", addr, err))
	}
	origin := "http://" + u.Host
	if u.Scheme == "wss" {
		origin = "https://" + u.Host
	}
	wcfg, err := websocket.NewConfig(addr, origin)
	if err != nil {
		return nil, backoff.Permanent(err)
	}
	conn, err := wcfg.DialContext(ctx)
	if err != nil {
		return nil, err
	}
	conn.PayloadType = websocket.BinaryFrame
	return conn, nil
}
