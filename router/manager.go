// Package router lends transfer clients for receiver endpoints. Keyed borrows
// resolve a device to its leader endpoint through a bounded leader cache that
// receivers keep current with redirects.
package router

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/maxpert/sluice/cfg"
	"github.com/maxpert/sluice/telemetry"
	"github.com/maxpert/sluice/transport"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog/log"
)

// Strategy picks an endpoint for borrows without a partition key
type Strategy string

const (
	RoundRobin Strategy = "round-robin"
	Random     Strategy = "random"
	Priority   Strategy = "priority"
)

var (
	ErrManagerClosed = errors.New("client manager closed")
	ErrNoEndpoint    = errors.New("no reachable endpoint")
)

// Config configures a ClientManager
type Config struct {
	Endpoints          []transport.Endpoint
	LoadBalance        Strategy
	LeaderCacheEnabled bool
	LeaderCacheSize    int
	NodeID             uint64
	Compression        bool
	HandshakeTimeout   time.Duration
}

// ConfigFromConnector builds a router config from connector settings
func ConfigFromConnector(nodeID uint64, c cfg.ConnectorConfiguration) (Config, error) {
	endpoints, err := transport.ParseEndpoints(c.NodeURLs)
	if err != nil {
		return Config{}, err
	}
	return Config{
		Endpoints:          endpoints,
		LoadBalance:        Strategy(c.LoadBalance),
		LeaderCacheEnabled: c.LeaderCacheEnable,
		LeaderCacheSize:    c.LeaderCacheSize,
		NodeID:             nodeID,
		Compression:        c.Compression,
		HandshakeTimeout:   time.Duration(c.SyncTimeoutMS) * time.Millisecond,
	}, nil
}

type clientEntry struct {
	client       transport.Client
	supportsMods bool
}

// ClientManager owns one client per endpoint. It is safe for concurrent use.
type ClientManager struct {
	cfg    Config
	dialer transport.Dialer

	clients *xsync.MapOf[string, *clientEntry]
	dialMu  sync.Mutex

	leaders *lru.Cache[string, transport.Endpoint]
	ring    *hashRing

	next   atomic.Uint64
	closed atomic.Bool
}

// NewClientManager creates a manager. Clients are dialed lazily on first borrow.
func NewClientManager(c Config, dialer transport.Dialer) (*ClientManager, error) {
	if len(c.Endpoints) == 0 {
		return nil, fmt.Errorf("client manager requires at least one endpoint")
	}
	if c.LoadBalance == "" {
		c.LoadBalance = RoundRobin
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 10 * time.Second
	}

	m := &ClientManager{
		cfg:     c,
		dialer:  dialer,
		clients: xsync.NewMapOf[string, *clientEntry](),
		ring:    newHashRing(c.Endpoints, defaultVirtualNodes),
	}

	if c.LeaderCacheEnabled {
		size := c.LeaderCacheSize
		if size <= 0 {
			size = 1024
		}
		cache, err := lru.New[string, transport.Endpoint](size)
		if err != nil {
			return nil, fmt.Errorf("create leader cache: %w", err)
		}
		m.leaders = cache
	}
	return m, nil
}

// Borrow returns the client of ep, dialing and handshaking it when needed
func (m *ClientManager) Borrow(ep transport.Endpoint) (transport.Client, error) {
	if m.closed.Load() {
		return nil, ErrManagerClosed
	}
	if e, ok := m.clients.Load(ep.String()); ok {
		return e.client, nil
	}

	m.dialMu.Lock()
	defer m.dialMu.Unlock()

	if m.closed.Load() {
		return nil, ErrManagerClosed
	}
	if e, ok := m.clients.Load(ep.String()); ok {
		return e.client, nil
	}

	client, err := m.dialer.Dial(ep)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", ep, err)
	}
	supportsMods, err := m.handshake(client)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("handshake with %s: %w", ep, err)
	}

	m.clients.Store(ep.String(), &clientEntry{client: client, supportsMods: supportsMods})
	log.Info().
		Str("endpoint", ep.String()).
		Bool("supports_mods", supportsMods).
		Msg("Transfer client ready")
	return client, nil
}

func (m *ClientManager) handshake(client transport.Client) (bool, error) {
	req, err := transport.NewRequest(transport.RequestHandshake, transport.HandshakeBody{
		NodeID:       m.cfg.NodeID,
		Compression:  m.cfg.Compression,
		TimestampsMS: true,
	})
	if err != nil {
		return false, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.HandshakeTimeout)
	defer cancel()

	resp, err := client.Transfer(ctx, req).Get()
	if err != nil {
		return false, err
	}
	if err := resp.Err(); err != nil {
		return false, err
	}
	return resp.SupportsMods, nil
}

// EndpointForKey resolves the endpoint believed to lead key
func (m *ClientManager) EndpointForKey(key string) transport.Endpoint {
	if m.leaders != nil && key != "" {
		if ep, ok := m.leaders.Get(key); ok {
			return ep
		}
	}
	ep, _ := m.ring.get(key)
	return ep
}

// BorrowForKey borrows the client of the endpoint leading key. When that
// endpoint is unreachable any other endpoint is used.
func (m *ClientManager) BorrowForKey(key string) (transport.Client, error) {
	client, err := m.Borrow(m.EndpointForKey(key))
	if err == nil || errors.Is(err, ErrManagerClosed) {
		return client, err
	}
	log.Debug().Err(err).Str("key", key).Msg("Leader endpoint unavailable, falling back to load balancing")
	return m.BorrowAny()
}

// BorrowAny borrows a client using the configured load balance strategy.
// Endpoints are tried in turn until one can be borrowed.
func (m *ClientManager) BorrowAny() (transport.Client, error) {
	n := len(m.cfg.Endpoints)
	var start int
	switch m.cfg.LoadBalance {
	case Random:
		start = rand.Intn(n)
	case Priority:
		start = 0
	default:
		start = int(m.next.Add(1)-1) % n
	}

	var lastErr error
	for i := 0; i < n; i++ {
		client, err := m.Borrow(m.cfg.Endpoints[(start+i)%n])
		if err == nil {
			return client, nil
		}
		if errors.Is(err, ErrManagerClosed) {
			return nil, err
		}
		lastErr = err
	}
	return nil, fmt.Errorf("%w: %v", ErrNoEndpoint, lastErr)
}

// UpdateLeaderCache records ep as the leader of key
func (m *ClientManager) UpdateLeaderCache(key string, ep transport.Endpoint) {
	if m.leaders == nil || key == "" || ep.IsZero() {
		return
	}
	if cur, ok := m.leaders.Peek(key); ok && cur == ep {
		return
	}
	m.leaders.Add(key, ep)
	telemetry.LeaderCacheUpdatesTotal.Inc()
}

// SupportsMods reports whether the receiver at ep accepts modification logs
func (m *ClientManager) SupportsMods(ep transport.Endpoint) bool {
	e, ok := m.clients.Load(ep.String())
	return ok && e.supportsMods
}

// Endpoints returns the configured endpoints
func (m *ClientManager) Endpoints() []transport.Endpoint {
	out := make([]transport.Endpoint, len(m.cfg.Endpoints))
	copy(out, m.cfg.Endpoints)
	return out
}

// Close closes every client. Borrows after Close fail with ErrManagerClosed.
func (m *ClientManager) Close() error {
	if !m.closed.CompareAndSwap(false, true) {
		return nil
	}

	m.dialMu.Lock()
	defer m.dialMu.Unlock()

	var errs []error
	m.clients.Range(func(key string, e *clientEntry) bool {
		if err := e.client.Close(); err != nil {
			errs = append(errs, err)
		}
		m.clients.Delete(key)
		return true
	})
	return errors.Join(errs...)
}
