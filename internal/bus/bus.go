// Package bus publishes reconciliation events to NATS so other tooling
// (bots, dashboards, ban sync) can react without polling the servers
// themselves.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"

	"github.com/ernie/warden/internal/domain"
)

// Options configures the event publisher
type Options struct {
	// URL of the NATS server to connect to. Ignored when Embedded is set.
	URL string
	// Embedded runs an in-process NATS server on a random port
	Embedded bool
	// SubjectPrefix is prepended to every subject, default "warden"
	SubjectPrefix string
}

// Publisher forwards domain events onto NATS subjects of the form
// <prefix>.events.<serverID>.
type Publisher struct {
	nc     *nats.Conn
	prefix string
	srv    *server.Server
}

// Connect establishes the NATS connection, starting an embedded server
// first when requested.
func Connect(opts Options) (*Publisher, error) {
	if opts.SubjectPrefix == "" {
		opts.SubjectPrefix = "warden"
	}

	p := &Publisher{prefix: opts.SubjectPrefix}
	url := opts.URL

	if opts.Embedded {
		srv, err := server.NewServer(&server.Options{
			Port:   server.RANDOM_PORT,
			NoLog:  true,
			NoSigs: true,
		})
		if err != nil {
			return nil, fmt.Errorf("creating embedded nats server: %w", err)
		}
		go srv.Start()
		if !srv.ReadyForConnections(5 * time.Second) {
			srv.Shutdown()
			return nil, fmt.Errorf("embedded nats server not ready")
		}
		p.srv = srv
		url = srv.ClientURL()
		log.Printf("bus: embedded nats server on %s", url)
	}

	nc, err := nats.Connect(url,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		if p.srv != nil {
			p.srv.Shutdown()
		}
		return nil, fmt.Errorf("connecting to nats at %s: %w", url, err)
	}
	p.nc = nc
	return p, nil
}

// URL returns the address clients can use to reach the connected server
func (p *Publisher) URL() string {
	if p.srv != nil {
		return p.srv.ClientURL()
	}
	return p.nc.ConnectedUrl()
}

// Publish sends one event. Marshalling or publish failures are returned;
// the caller decides whether they matter.
func (p *Publisher) Publish(ev domain.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encoding event: %w", err)
	}
	subject := fmt.Sprintf("%s.events.%d", p.prefix, ev.ServerID)
	if err := p.nc.Publish(subject, payload); err != nil {
		return fmt.Errorf("publishing to %s: %w", subject, err)
	}
	return nil
}

// Run pumps events from a channel until the context ends. Publish failures
// are logged and skipped; the stream must not stall the reconcilers.
func (p *Publisher) Run(ctx context.Context, events <-chan domain.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := p.Publish(ev); err != nil {
				log.Printf("bus: %v", err)
			}
		}
	}
}

// Close flushes and tears down the connection and any embedded server
func (p *Publisher) Close() {
	if p.nc != nil {
		p.nc.Flush()
		p.nc.Close()
	}
	if p.srv != nil {
		p.srv.Shutdown()
	}
}
