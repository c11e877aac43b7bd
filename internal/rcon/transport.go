// Package rcon implements the request/response remote-console channel to a
// single game server over UDP, and the semantic client built on top of it.
package rcon

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	headerMagic = "\xff\xff\xff\xff"

	// correlation IDs are zero-padded 4-character decimal strings prepended
	// ahead of the magic bytes and echoed back as the first 4 bytes of the
	// response
	idWidth = 4
	idSpace = 10000

	maxDatagram = 65535

	// DefaultTimeout bounds a single command round-trip
	DefaultTimeout = 2 * time.Second
)

var (
	// ErrTimeout is returned when no reply arrives before the deadline
	ErrTimeout = errors.New("rcon: command timed out")

	// ErrClosed is returned for sends on a closed transport
	ErrClosed = errors.New("rcon: transport closed")
)

// pending is the single-use completion handle for one in-flight command
type pending struct {
	command string // literal command text, kept for diagnostics
	ch      chan string
}

// Transport multiplexes concurrent commands over one UDP socket to one
// (host, port, password) endpoint. Outbound writes are serialized; replies
// are matched to waiters by correlation ID as datagrams arrive.
type Transport struct {
	addr     string
	password string
	conn     *net.UDPConn
	limiter  *rate.Limiter
	debug    bool

	wmu sync.Mutex // serializes socket writes

	mu      sync.Mutex
	pending map[string]*pending
	nextID  int
	ready   bool
	closed  bool

	done chan struct{}
}

// Option configures a Transport
type Option func(*Transport)

// WithDebug enables diagnostic logging of discarded datagrams
func WithDebug(debug bool) Option {
	return func(t *Transport) { t.debug = debug }
}

// WithSendRate caps outbound commands per second. Game servers drop flooded
// rcon traffic, so the default is deliberately conservative.
func WithSendRate(perSecond float64, burst int) Option {
	return func(t *Transport) { t.limiter = rate.NewLimiter(rate.Limit(perSecond), burst) }
}

// Dial binds a UDP socket to the given rcon endpoint and starts the read
// loop. The password is sent with every command, as the protocol requires.
func Dial(host string, port int, password string) (*Transport, error) {
	return DialWith(host, port, password)
}

// DialWith is Dial with options
func DialWith(host string, port int, password string, opts ...Option) (*Transport, error) {
	addr := fmt.Sprintf("%s:%d", host, port)
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("resolving %s: %w", addr, err)
	}

	conn, err := net.DialUDP("udp", nil, udpAddr)
	if err != nil {
		return nil, fmt.Errorf("binding rcon socket for %s: %w", addr, err)
	}

	t := &Transport{
		addr:     addr,
		password: password,
		conn:     conn,
		limiter:  rate.NewLimiter(rate.Limit(10), 5),
		pending:  make(map[string]*pending),
		ready:    true,
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}

	go t.readLoop()
	return t, nil
}

// Addr returns the remote endpoint address
func (t *Transport) Addr() string { return t.addr }

// Ready reports whether the transport can accept new commands. It turns
// false on socket errors; the owner is expected to recreate the transport.
func (t *Transport) Ready() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ready && !t.closed
}

// Close tears down the socket and fails all pending requests
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.ready = false
	close(t.done)
	for id, p := range t.pending {
		close(p.ch)
		delete(t.pending, id)
	}
	t.mu.Unlock()

	return t.conn.Close()
}

// Send writes one framed command and blocks until its reply arrives or the
// timeout elapses. Concurrent callers are safe: each send owns a distinct
// correlation ID and an independent timer.
func (t *Transport) Send(ctx context.Context, command string, timeout time.Duration) (string, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	id, p, err := t.register(command)
	if err != nil {
		return "", err
	}

	frame := id + headerMagic + "rcon " + t.password + " " + command

	// One frame in flight at a time keeps the ID-to-write pairing atomic.
	t.wmu.Lock()
	if err := t.limiter.Wait(ctx); err != nil {
		t.wmu.Unlock()
		t.unregister(id)
		return "", err
	}
	_, err = t.conn.Write([]byte(frame))
	t.wmu.Unlock()

	if err != nil {
		t.unregister(id)
		t.markNotReady()
		return "", fmt.Errorf("sending %q to %s: %w", command, t.addr, err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case payload, ok := <-p.ch:
		if !ok {
			return "", ErrClosed
		}
		return payload, nil
	case <-timer.C:
		t.unregister(id)
		return "", fmt.Errorf("%w after %s (%q)", ErrTimeout, timeout, command)
	case <-ctx.Done():
		t.unregister(id)
		return "", ctx.Err()
	case <-t.done:
		return "", ErrClosed
	}
}

// register allocates the next free correlation ID and records the waiter.
// The counter wraps; IDs still in flight are skipped so no two pending
// requests ever share one.
func (t *Transport) register(command string) (string, *pending, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return "", nil, ErrClosed
	}
	if len(t.pending) >= idSpace {
		return "", nil, fmt.Errorf("rcon: correlation ID space exhausted (%d in flight)", len(t.pending))
	}

	var id string
	for {
		id = fmt.Sprintf("%0*d", idWidth, t.nextID)
		t.nextID = (t.nextID + 1) % idSpace
		if _, busy := t.pending[id]; !busy {
			break
		}
	}

	p := &pending{command: command, ch: make(chan string, 1)}
	t.pending[id] = p
	return id, p, nil
}

// unregister removes a waiter after timeout or cancellation so the ID can
// be reused; a reply arriving later is then unmatched and discarded.
func (t *Transport) unregister(id string) {
	t.mu.Lock()
	delete(t.pending, id)
	t.mu.Unlock()
}

func (t *Transport) markNotReady() {
	t.mu.Lock()
	t.ready = false
	t.mu.Unlock()
}

// readLoop delivers every inbound datagram to the waiter whose correlation
// ID it carries. Unmatched and malformed datagrams are dropped.
func (t *Transport) readLoop() {
	buf := make([]byte, maxDatagram)
	for {
		n, err := t.conn.Read(buf)
		if err != nil {
			select {
			case <-t.done:
				return
			default:
			}
			// ICMP port-unreachable surfaces here on linux; the pending
			// request will time out on its own terms
			t.debugf("read error from %s: %v", t.addr, err)
			continue
		}
		if n < idWidth {
			t.debugf("discarding short datagram (%d bytes) from %s", n, t.addr)
			continue
		}

		id := string(buf[:idWidth])
		payload := string(buf[idWidth:n])

		t.mu.Lock()
		p, ok := t.pending[id]
		if ok {
			delete(t.pending, id)
		}
		t.mu.Unlock()

		if !ok {
			t.debugf("discarding unmatched reply id=%s (%d bytes) from %s", id, n, t.addr)
			continue
		}
		p.ch <- payload
	}
}

func (t *Transport) debugf(format string, args ...interface{}) {
	if t.debug {
		log.Printf("rcon: "+format, args...)
	}
}
