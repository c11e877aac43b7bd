package rcon

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/ernie/warden/internal/dialect"
	"github.com/ernie/warden/internal/domain"
)

// Client turns transport-level request/response into game-administration
// semantics using a dialect. A failed parse is "no data", never an error;
// errors mean the transport call itself failed.
type Client struct {
	t       *Transport
	d       dialect.Dialect
	timeout time.Duration
}

// NewClient wraps a transport with a dialect
func NewClient(t *Transport, d dialect.Dialect) *Client {
	return &Client{t: t, d: d, timeout: DefaultTimeout}
}

// SetTimeout overrides the per-command timeout
func (c *Client) SetTimeout(d time.Duration) {
	if d > 0 {
		c.timeout = d
	}
}

// Dialect returns the engine dialect this client speaks
func (c *Client) Dialect() dialect.Dialect { return c.d }

// Ready reports whether the underlying transport can accept commands
func (c *Client) Ready() bool { return c.t.Ready() }

// Close tears down the underlying transport
func (c *Client) Close() error { return c.t.Close() }

// Raw sends a literal command and returns the normalized response text
func (c *Client) Raw(ctx context.Context, command string) (string, error) {
	raw, err := c.t.Send(ctx, command, c.timeout)
	if err != nil {
		return "", err
	}
	return normalize(raw), nil
}

// Status queries and parses the server's player table. An unreachable
// server is an error; a reachable server with zero players is not.
func (c *Client) Status(ctx context.Context) (*domain.GameStatus, error) {
	raw, err := c.Raw(ctx, c.d.StatusCommand())
	if err != nil {
		return nil, fmt.Errorf("status query failed: %w", err)
	}
	return c.d.ParseStatus(raw), nil
}

// GetCvar reads a server variable. The bool is false when the response
// matched no known format, which callers treat as "no data".
func (c *Client) GetCvar(ctx context.Context, name string) (string, bool, error) {
	raw, err := c.Raw(ctx, c.d.GetCvarCommand(name))
	if err != nil {
		return "", false, err
	}
	value, ok := c.d.ParseCvar(raw)
	if !ok {
		log.Printf("rcon: unparsable cvar response for %q from %s", name, c.t.Addr())
	}
	return value, ok, nil
}

// SetCvar writes a server variable. Fire-and-acknowledge: the new value is
// not read back.
func (c *Client) SetCvar(ctx context.Context, name, value string) error {
	_, err := c.t.Send(ctx, c.d.SetCvarCommand(name, value), c.timeout)
	return err
}

// Say broadcasts a message to all players, chunking long messages on word
// boundaries. Chunks are sent sequentially, each awaited before the next,
// so ordering at the recipient is guaranteed by this sequencing.
func (c *Client) Say(ctx context.Context, message string) error {
	for _, chunk := range chunkMessage(message, c.d.MaxLineLength()) {
		if _, err := c.t.Send(ctx, c.d.SayCommand(chunk), c.timeout); err != nil {
			return err
		}
	}
	return nil
}

// Tell messages one player by slot number, with the same chunking and
// sequencing discipline as Say.
func (c *Client) Tell(ctx context.Context, slot int, message string) error {
	for _, chunk := range chunkMessage(message, c.d.MaxLineLength()) {
		if _, err := c.t.Send(ctx, c.d.TellCommand(slot, chunk), c.timeout); err != nil {
			return err
		}
	}
	return nil
}

// Kick disconnects a player by slot number or name. One-shot: the server
// may not confirm synchronously, so the caller removes local state itself.
func (c *Client) Kick(ctx context.Context, target, reason string) error {
	_, err := c.t.Send(ctx, c.d.KickCommand(target, reason), c.timeout)
	return err
}

// normalize strips the response framing game servers wrap around payload
// text: magic byte runs and "print" markers, in any order, plus CRLF.
func normalize(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	for {
		switch {
		case strings.HasPrefix(s, headerMagic):
			s = s[len(headerMagic):]
		case strings.HasPrefix(s, "print\n"):
			s = s[len("print\n"):]
		default:
			return strings.TrimRight(s, "\n\x00")
		}
	}
}

// chunkMessage splits a message into word-boundary chunks no longer than
// max runes. Whitespace runs collapse to single spaces; a single word
// longer than max becomes its own chunk rather than being split.
func chunkMessage(message string, max int) []string {
	words := strings.Fields(message)
	if len(words) == 0 {
		return nil
	}
	if max <= 0 {
		return []string{strings.Join(words, " ")}
	}

	var chunks []string
	current := words[0]
	for _, word := range words[1:] {
		if utf8.RuneCountInString(current)+1+utf8.RuneCountInString(word) > max {
			chunks = append(chunks, current)
			current = word
			continue
		}
		current += " " + word
	}
	return append(chunks, current)
}
