// Package lookup drives a STUN Binding transaction over an unreliable
// transport until it yields the caller's public address or the retry
// budget runs out.
//
// A lookup goes Start -> Sending -> Awaiting -> Validating and ends in
// Success or Exhausted. A failed round (timeout, malformed or unexpected
// response) doubles the receive timeout and sends the same request again,
// with the same transaction id. Datagrams from other senders or for other
// transactions are dropped without ending the round.
package lookup

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/netip"
	"time"

	"go.uber.org/zap"

	"github.com/treemana/iplookup/log"
	"github.com/treemana/iplookup/model"
	"github.com/treemana/iplookup/resolver"
	"github.com/treemana/iplookup/stun"
)

const (
	DefaultInitialTimeout = time.Second
	DefaultBudget         = 31 * time.Second
)

// Transport sends and receives datagrams on one local endpoint.
// Receive must return an error matching os.ErrDeadlineExceeded (or a
// net.Error with Timeout) when nothing arrives within timeout.
type Transport interface {
	Send(ctx context.Context, to netip.AddrPort, b []byte) error
	Receive(ctx context.Context, timeout time.Duration) ([]byte, netip.AddrPort, error)
}

type Client struct {
	transport Transport
	resolver  resolver.Resolver
	logger    *zap.Logger
	initial   time.Duration
	budget    time.Duration
	random    io.Reader
	now       func() time.Time
}

type Option func(*Client)

func WithResolver(r resolver.Resolver) Option {
	return func(c *Client) { c.resolver = r }
}

// WithLogger sets the diagnostics logger. Sent and received datagrams
// and backoff decisions are logged at debug level.
func WithLogger(l *zap.Logger) Option {
	return func(c *Client) { c.logger = l }
}

func WithInitialTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.initial = d
		}
	}
}

// WithBudget bounds the total time spent waiting for responses.
func WithBudget(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.budget = d
		}
	}
}

// WithRandom sets the source of transaction ids. Ids only need to be
// unique, crypto/rand is the default.
func WithRandom(r io.Reader) Option {
	return func(c *Client) { c.random = r }
}

// WithClock replaces time.Now for round deadlines.
func WithClock(now func() time.Time) Option {
	return func(c *Client) { c.now = now }
}

func New(transport Transport, opts ...Option) *Client {
	c := &Client{
		transport: transport,
		resolver:  resolver.System{},
		logger:    zap.NewNop(),
		initial:   DefaultInitialTimeout,
		budget:    DefaultBudget,
		random:    rand.Reader,
		now:       time.Now,
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// Lookup asks server ("host[:port]") for our public address. Only the
// terminal outcome is returned: ErrResolution, ErrTransport, ErrTimeout,
// ErrCancelled, or the result.
func (c *Client) Lookup(ctx context.Context, server string) (*model.Result, error) {
	start := c.now()

	candidates, err := c.resolver.Resolve(ctx, server)
	if err != nil {
		if ctx.Err() != nil {
			return nil, cancelled(ctx)
		}
		return nil, fmt.Errorf("%w: %v", ErrResolution, err)
	}
	if len(candidates) == 0 {
		return nil, fmt.Errorf("%w: %s: %v", ErrResolution, server, resolver.ErrNoAddress)
	}

	id, err := stun.NewTransactionID(c.random)
	if err != nil {
		return nil, err
	}

	logger := c.logger.With(zap.String("server", server), log.TxID(id))
	logger.Debug("lookup started",
		zap.String("candidates", fmt.Sprint(candidates)),
		zap.Durations("schedule", Schedule(c.initial, c.budget)))

	request := stun.EncodeBindingRequest(id)
	a := newAttempt(c.initial, c.budget)

	var dest netip.AddrPort
	for {
		if dest, err = c.send(ctx, logger, candidates, dest, request); err != nil {
			return nil, err
		}
		a.sent++

		public, err := c.await(ctx, logger, dest, id, a.interval)
		if err == nil {
			logger.Debug("lookup succeeded", zap.Stringer("public", public), zap.Int("attempts", a.sent))
			return &model.Result{
				Server:   dest,
				Public:   public,
				Attempts: a.sent,
				Waited:   a.waited,
				Elapsed:  c.now().Sub(start),
			}, nil
		}

		if errors.Is(err, ErrTransport) || errors.Is(err, ErrCancelled) {
			return nil, err
		}

		spent := a.interval
		if !a.next() {
			logger.Info(fmt.Sprintf("timed out after %dms, giving up", spent.Milliseconds()), zap.NamedError("last", err))
			return nil, fmt.Errorf("%w: no usable response from %s after %d attempts in %s", ErrTimeout, dest, a.sent, a.waited)
		}

		if errors.Is(err, errRoundTimeout) {
			logger.Info(fmt.Sprintf("timed out after %dms, trying %s again", spent.Milliseconds(), dest))
		} else {
			logger.Warn(fmt.Sprintf("bad response, trying %s again", dest), zap.Error(err))
		}
		logger.Debug("backoff", zap.Int("attempt", a.sent), zap.Duration("next", a.interval), zap.Duration("waited", a.waited))
	}
}

// send transmits the request to dest, or on the first round to the first
// candidate that accepts it.
func (c *Client) send(ctx context.Context, logger *zap.Logger, candidates []netip.AddrPort, dest netip.AddrPort, request []byte) (netip.AddrPort, error) {
	if dest.IsValid() {
		candidates = []netip.AddrPort{dest}
	}

	var lastErr error
	for _, ep := range candidates {
		logger.Debug("send", zap.Stringer("to", ep), zap.String("bytes", hex.EncodeToString(request)))

		err := c.transport.Send(ctx, ep, request)
		if err == nil {
			return ep, nil
		}
		if ctx.Err() != nil {
			return ep, cancelled(ctx)
		}

		logger.Debug("send failed", zap.Stringer("to", ep), zap.Error(err))
		lastErr = err
	}

	return netip.AddrPort{}, fmt.Errorf("%w: send: %v", ErrTransport, lastErr)
}

// await waits for a response to id from dest until the round ends.
// Datagrams that do not belong to this transaction leave the round
// deadline untouched.
func (c *Client) await(ctx context.Context, logger *zap.Logger, dest netip.AddrPort, id stun.TransactionID, interval time.Duration) (netip.AddrPort, error) {
	deadline := c.now().Add(interval)
	for {
		remaining := deadline.Sub(c.now())
		if remaining <= 0 {
			return netip.AddrPort{}, errRoundTimeout
		}

		packet, from, err := c.transport.Receive(ctx, remaining)
		if err != nil {
			switch {
			case ctx.Err() != nil:
				return netip.AddrPort{}, cancelled(ctx)
			case isTimeout(err):
				return netip.AddrPort{}, errRoundTimeout
			default:
				return netip.AddrPort{}, fmt.Errorf("%w: receive: %v", ErrTransport, err)
			}
		}

		logger.Debug("received", zap.Stringer("from", from), zap.Int("size", len(packet)), zap.String("bytes", hex.EncodeToString(packet)))

		if from != dest {
			logger.Info(fmt.Sprintf("response origin %s doesn't match request target %s", from, dest))
			continue
		}

		m, err := stun.Decode(packet)
		if err != nil {
			var ute *stun.UnexpectedTypeError
			if errors.As(err, &ute) && ute.TransactionID != id {
				logger.Debug("dropped message for another transaction", zap.Stringer("txid", ute.TransactionID))
				continue
			}
			return netip.AddrPort{}, err
		}

		if m.TransactionID != id {
			logger.Debug("dropped response for another transaction", zap.Stringer("txid", m.TransactionID))
			continue
		}

		return stun.Extract(m, id)
	}
}
