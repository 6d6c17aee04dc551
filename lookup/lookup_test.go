package lookup

import (
	"bytes"
	"context"
	"errors"
	"net/netip"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/treemana/iplookup/resolver"
	"github.com/treemana/iplookup/stun"
)

var (
	serverAddr = netip.MustParseAddrPort("192.0.2.1:3478")
	publicAddr = netip.MustParseAddrPort("203.0.113.7:54321")
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time { return c.t }

type reply struct {
	delay  time.Duration
	from   netip.AddrPort
	packet []byte
}

// fakeTransport answers from a queue filled by onSend and moves the fake
// clock by the time each Receive would have blocked.
type fakeTransport struct {
	clock    *fakeClock
	sent     []netip.AddrPort
	requests [][]byte
	timeouts []time.Duration
	queue    []reply

	onSend  func(n int, to netip.AddrPort, req []byte) ([]reply, error)
	recvErr error
}

func newFakeTransport(onSend func(n int, to netip.AddrPort, req []byte) ([]reply, error)) *fakeTransport {
	return &fakeTransport{clock: &fakeClock{t: time.Unix(1600000000, 0)}, onSend: onSend}
}

func (f *fakeTransport) Send(ctx context.Context, to netip.AddrPort, b []byte) error {
	if f.onSend != nil {
		replies, err := f.onSend(len(f.sent)+1, to, b)
		if err != nil {
			return err
		}
		f.queue = append(f.queue, replies...)
	}
	f.sent = append(f.sent, to)
	f.requests = append(f.requests, b)
	return nil
}

func (f *fakeTransport) Receive(ctx context.Context, timeout time.Duration) ([]byte, netip.AddrPort, error) {
	f.timeouts = append(f.timeouts, timeout)
	if err := ctx.Err(); err != nil {
		return nil, netip.AddrPort{}, err
	}
	if f.recvErr != nil {
		return nil, netip.AddrPort{}, f.recvErr
	}

	if len(f.queue) > 0 && f.queue[0].delay <= timeout {
		r := f.queue[0]
		f.queue = f.queue[1:]
		f.clock.t = f.clock.t.Add(r.delay)
		return r.packet, r.from, nil
	}

	f.clock.t = f.clock.t.Add(timeout)
	return nil, netip.AddrPort{}, os.ErrDeadlineExceeded
}

func (f *fakeTransport) totalWait() time.Duration {
	var total time.Duration
	for _, d := range f.timeouts {
		total += d
	}
	return total
}

type resolverFunc func(ctx context.Context, server string) ([]netip.AddrPort, error)

func (f resolverFunc) Resolve(ctx context.Context, server string) ([]netip.AddrPort, error) {
	return f(ctx, server)
}

func newTestClient(f *fakeTransport, opts ...Option) *Client {
	base := []Option{
		WithResolver(resolver.Static{Hosts: map[string][]string{"stun.example.test": {serverAddr.String()}}}),
		WithClock(f.clock.Now),
	}
	return New(f, append(base, opts...)...)
}

func requestID(req []byte) stun.TransactionID {
	var id stun.TransactionID
	copy(id[:], req[8:stun.HeaderSize])
	return id
}

func successFor(id stun.TransactionID, public netip.AddrPort) []byte {
	m := &stun.Message{Type: stun.TypeBindingSuccess, TransactionID: id}
	m.Attributes = append(m.Attributes, stun.NewXORMappedAddress(public, id))
	return m.Encode()
}

func answerOn(attempt int) func(n int, to netip.AddrPort, req []byte) ([]reply, error) {
	return func(n int, to netip.AddrPort, req []byte) ([]reply, error) {
		if n != attempt {
			return nil, nil
		}
		return []reply{{delay: 20 * time.Millisecond, from: to, packet: successFor(requestID(req), publicAddr)}}, nil
	}
}

func TestLookupFirstAttempt(t *testing.T) {
	f := newFakeTransport(answerOn(1))

	got, err := newTestClient(f).Lookup(context.Background(), "stun.example.test:19302")
	require.NoError(t, err)
	assert.Equal(t, publicAddr, got.Public)
	assert.Equal(t, serverAddr, got.Server)
	assert.Equal(t, 1, got.Attempts)
	assert.Equal(t, time.Duration(0), got.Waited)
	assert.Equal(t, 20*time.Millisecond, got.Elapsed)

	require.Len(t, f.requests, 1)
	assert.Len(t, f.requests[0], stun.HeaderSize)
}

func TestLookupNeverResponds(t *testing.T) {
	f := newFakeTransport(nil)
	start := f.clock.Now()

	got, err := newTestClient(f).Lookup(context.Background(), "stun.example.test")
	assert.Nil(t, got)
	assert.ErrorIs(t, err, ErrTimeout)

	s := time.Second
	assert.Equal(t, []time.Duration{1 * s, 2 * s, 4 * s, 8 * s, 16 * s}, f.timeouts)
	assert.Len(t, f.sent, 5)
	assert.Equal(t, DefaultBudget, f.totalWait())

	elapsed := f.clock.Now().Sub(start)
	assert.True(t, elapsed >= DefaultBudget && elapsed <= DefaultBudget+16*s, "elapsed %s", elapsed)

	// retries carry the same transaction id
	for _, req := range f.requests[1:] {
		assert.Equal(t, f.requests[0], req)
	}
}

func TestLookupThirdAttempt(t *testing.T) {
	f := newFakeTransport(answerOn(3))

	got, err := newTestClient(f).Lookup(context.Background(), "stun.example.test")
	require.NoError(t, err)
	assert.Equal(t, publicAddr, got.Public)
	assert.Equal(t, 3, got.Attempts)
	assert.Len(t, f.sent, 3)
	assert.Equal(t, 3*time.Second, got.Waited)
	assert.Equal(t, f.requests[0], f.requests[2])
}

func TestLookupOtherInitialTimeout(t *testing.T) {
	f := newFakeTransport(nil)

	_, err := newTestClient(f, WithInitialTimeout(3*time.Second)).Lookup(context.Background(), "stun.example.test")
	assert.ErrorIs(t, err, ErrTimeout)

	s := time.Second
	assert.Equal(t, []time.Duration{3 * s, 6 * s, 12 * s, 10 * s}, f.timeouts)
	assert.Equal(t, DefaultBudget, f.totalWait())
}

func TestLookupIgnoresStrayMessages(t *testing.T) {
	other := stun.TransactionID{9, 9, 9}
	errorForOther := &stun.Message{Type: stun.TypeBindingError, TransactionID: other}

	f := newFakeTransport(func(n int, to netip.AddrPort, req []byte) ([]reply, error) {
		return []reply{
			{delay: 100 * time.Millisecond, from: to, packet: successFor(other, netip.MustParseAddrPort("198.51.100.66:1"))},
			{delay: 100 * time.Millisecond, from: to, packet: errorForOther.Encode()},
			{delay: 100 * time.Millisecond, from: netip.MustParseAddrPort("198.51.100.99:3478"), packet: successFor(requestID(req), netip.MustParseAddrPort("198.51.100.77:2"))},
			{delay: 100 * time.Millisecond, from: to, packet: successFor(requestID(req), publicAddr)},
		}, nil
	})

	got, err := newTestClient(f).Lookup(context.Background(), "stun.example.test")
	require.NoError(t, err)
	assert.Equal(t, publicAddr, got.Public)
	assert.Equal(t, 1, got.Attempts)

	// the round deadline is kept across dropped datagrams
	ms := time.Millisecond
	assert.Equal(t, []time.Duration{1000 * ms, 900 * ms, 800 * ms, 700 * ms}, f.timeouts)
}

func TestLookupStrayThenTimeout(t *testing.T) {
	f := newFakeTransport(func(n int, to netip.AddrPort, req []byte) ([]reply, error) {
		if n > 1 {
			return nil, nil
		}
		return []reply{{delay: 400 * time.Millisecond, from: to, packet: successFor(stun.TransactionID{1}, publicAddr)}}, nil
	})

	_, err := newTestClient(f, WithBudget(3*time.Second)).Lookup(context.Background(), "stun.example.test")
	assert.ErrorIs(t, err, ErrTimeout)

	ms := time.Millisecond
	assert.Equal(t, []time.Duration{1000 * ms, 600 * ms, 2000 * ms}, f.timeouts)
	assert.Len(t, f.sent, 2)
}

func TestLookupBadResponsesFailRounds(t *testing.T) {
	tests := []struct {
		name   string
		packet func(id stun.TransactionID) []byte
	}{
		{
			name: "payload length beyond buffer",
			packet: func(id stun.TransactionID) []byte {
				b := successFor(id, publicAddr)
				return b[:len(b)-4]
			},
		},
		{
			name:   "not stun",
			packet: func(stun.TransactionID) []byte { return []byte("hello") },
		},
		{
			name: "no address",
			packet: func(id stun.TransactionID) []byte {
				return (&stun.Message{Type: stun.TypeBindingSuccess, TransactionID: id}).Encode()
			},
		},
		{
			name: "unsupported family",
			packet: func(id stun.TransactionID) []byte {
				m := &stun.Message{Type: stun.TypeBindingSuccess, TransactionID: id}
				m.Add(stun.AttrXORMappedAddress, []byte{0, 9, 0, 1, 1, 2, 3, 4})
				return m.Encode()
			},
		},
		{
			name: "error response",
			packet: func(id stun.TransactionID) []byte {
				m := &stun.Message{Type: stun.TypeBindingError, TransactionID: id}
				m.Add(stun.AttrErrorCode, []byte{0, 0, 4, 0, 'B', 'a', 'd', '!'})
				return m.Encode()
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFakeTransport(func(n int, to netip.AddrPort, req []byte) ([]reply, error) {
				packet := tt.packet(requestID(req))
				if n == 4 {
					packet = successFor(requestID(req), publicAddr)
				}
				return []reply{{from: to, packet: packet}}, nil
			})

			got, err := newTestClient(f).Lookup(context.Background(), "stun.example.test")
			require.NoError(t, err)
			assert.Equal(t, 4, got.Attempts)
			assert.Equal(t, 7*time.Second, got.Waited)

			s := time.Second
			assert.Equal(t, []time.Duration{1 * s, 2 * s, 4 * s, 8 * s}, f.timeouts)
		})
	}
}

func TestLookupBadResponsesExhaust(t *testing.T) {
	f := newFakeTransport(func(n int, to netip.AddrPort, req []byte) ([]reply, error) {
		return []reply{{from: to, packet: []byte{0, 1, 2}}}, nil
	})

	_, err := newTestClient(f).Lookup(context.Background(), "stun.example.test")
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Len(t, f.sent, 5)
}

func TestLookupResolutionFailure(t *testing.T) {
	tests := []struct {
		name string
		r    resolver.Resolver
	}{
		{
			name: "error",
			r: resolverFunc(func(context.Context, string) ([]netip.AddrPort, error) {
				return nil, errors.New("no such host")
			}),
		},
		{
			name: "empty",
			r: resolverFunc(func(context.Context, string) ([]netip.AddrPort, error) {
				return nil, nil
			}),
		},
		{
			name: "unknown static host",
			r:    resolver.Static{},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFakeTransport(answerOn(1))
			_, err := newTestClient(f, WithResolver(tt.r)).Lookup(context.Background(), "stun.example.test")
			assert.ErrorIs(t, err, ErrResolution)
			assert.Empty(t, f.sent)
		})
	}
}

func TestLookupCandidateFallback(t *testing.T) {
	unreachable := netip.MustParseAddrPort("[2001:db8::1]:3478")

	f := newFakeTransport(func(n int, to netip.AddrPort, req []byte) ([]reply, error) {
		if to == unreachable {
			return nil, errors.New("network is unreachable")
		}
		return answerOn(2)(n, to, req)
	})
	r := resolverFunc(func(context.Context, string) ([]netip.AddrPort, error) {
		return []netip.AddrPort{unreachable, serverAddr}, nil
	})

	got, err := newTestClient(f, WithResolver(r)).Lookup(context.Background(), "stun.example.test")
	require.NoError(t, err)
	assert.Equal(t, serverAddr, got.Server)
	assert.Equal(t, []netip.AddrPort{serverAddr, serverAddr}, f.sent)
}

func TestLookupTransportFailure(t *testing.T) {
	t.Run("send", func(t *testing.T) {
		f := newFakeTransport(func(int, netip.AddrPort, []byte) ([]reply, error) {
			return nil, errors.New("permission denied")
		})
		_, err := newTestClient(f).Lookup(context.Background(), "stun.example.test")
		assert.ErrorIs(t, err, ErrTransport)
	})

	t.Run("receive", func(t *testing.T) {
		f := newFakeTransport(nil)
		f.recvErr = errors.New("connection refused")
		_, err := newTestClient(f).Lookup(context.Background(), "stun.example.test")
		assert.ErrorIs(t, err, ErrTransport)
		assert.Len(t, f.sent, 1)
	})
}

func TestLookupCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	f := newFakeTransport(func(n int, to netip.AddrPort, req []byte) ([]reply, error) {
		if n == 2 {
			cancel()
		}
		return nil, nil
	})

	_, err := newTestClient(f).Lookup(ctx, "stun.example.test")
	assert.ErrorIs(t, err, ErrCancelled)
	assert.NotErrorIs(t, err, ErrTimeout)
	assert.Len(t, f.sent, 2)
}

func TestLookupTransactionID(t *testing.T) {
	want := stun.TransactionID{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12}

	f := newFakeTransport(answerOn(2))
	_, err := newTestClient(f, WithRandom(bytes.NewReader(want[:]))).Lookup(context.Background(), "stun.example.test")
	require.NoError(t, err)
	assert.Equal(t, stun.EncodeBindingRequest(want), f.requests[0])
	assert.Equal(t, stun.EncodeBindingRequest(want), f.requests[1])

	// a new lookup draws a new id
	f = newFakeTransport(func(n int, to netip.AddrPort, req []byte) ([]reply, error) {
		return []reply{{from: to, packet: successFor(requestID(req), publicAddr)}}, nil
	})
	c := newTestClient(f)
	_, err = c.Lookup(context.Background(), "stun.example.test")
	require.NoError(t, err)
	_, err = c.Lookup(context.Background(), "stun.example.test")
	require.NoError(t, err)
	require.Len(t, f.requests, 2)
	assert.NotEqual(t, requestID(f.requests[0]), requestID(f.requests[1]))

	// an exhausted random source is not retried
	f = newFakeTransport(answerOn(1))
	_, err = newTestClient(f, WithRandom(bytes.NewReader(nil))).Lookup(context.Background(), "stun.example.test")
	assert.Error(t, err)
	assert.Empty(t, f.sent)
}

func TestLookupVerboseLog(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)

	f := newFakeTransport(answerOn(2))
	_, err := newTestClient(f, WithLogger(zap.New(core))).Lookup(context.Background(), "stun.example.test")
	require.NoError(t, err)

	sends := logs.FilterMessage("send").All()
	require.Len(t, sends, 2)
	assert.Equal(t, "000100002112a442", sends[0].ContextMap()["bytes"].(string)[:16])

	received := logs.FilterMessage("received").All()
	require.Len(t, received, 1)
	assert.Equal(t, int64(32), received[0].ContextMap()["size"])

	backoff := logs.FilterMessage("backoff").All()
	require.Len(t, backoff, 1)
	assert.Equal(t, 2*time.Second, backoff[0].ContextMap()["next"])

	assert.Equal(t, 1, logs.FilterMessage("timed out after 1000ms, trying 192.0.2.1:3478 again").Len())
}
