package stream

import (
	"context"
	"net"
	"net/url"
	"time"

	"github.com/rs/zerolog"
)

// NetworkWatcher receives connectivity transitions
type NetworkWatcher interface {
	OnOnline(ctx context.Context)
	OnOffline(ctx context.Context)
}

// Probe dials the stream host periodically and reports online/offline
// transitions, standing in for the browser's network events.
type Probe struct {
	addr     string
	interval time.Duration
	timeout  time.Duration
	watcher  NetworkWatcher
	logger   zerolog.Logger

	dial func(ctx context.Context, network, addr string) (net.Conn, error)
}

// NewProbe creates a probe for the host of streamURL
func NewProbe(streamURL string, interval time.Duration, watcher NetworkWatcher, logger zerolog.Logger) (*Probe, error) {
	u, err := url.Parse(streamURL)
	if err != nil {
		return nil, err
	}
	port := u.Port()
	if port == "" {
		port = "443"
		if u.Scheme == "ws" || u.Scheme == "http" {
			port = "80"
		}
	}

	d := &net.Dialer{}
	return &Probe{
		addr:     net.JoinHostPort(u.Hostname(), port),
		interval: interval,
		timeout:  5 * time.Second,
		watcher:  watcher,
		logger:   logger.With().Str("component", "probe").Logger(),
		dial:     d.DialContext,
	}, nil
}

// Run probes until ctx is done. The first result only sets the baseline.
func (p *Probe) Run(ctx context.Context) {
	if p.interval <= 0 {
		return
	}

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	online := p.check(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := p.check(ctx)
			if now == online {
				continue
			}
			online = now
			if online {
				p.logger.Info().Str("addr", p.addr).Msg("Network back online")
				p.watcher.OnOnline(ctx)
			} else {
				p.watcher.OnOffline(ctx)
			}
		}
	}
}

func (p *Probe) check(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	conn, err := p.dial(ctx, "tcp", p.addr)
	if err != nil {
		p.logger.Debug().Err(err).Msg("Probe failed")
		return false
	}
	_ = conn.Close()
	return true
}
