package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jizhuozhi/go-future"
	"github.com/maxpert/sluice/cfg"
	"github.com/maxpert/sluice/encoding"
	grpcpool "github.com/processout/grpc-go-pool"
	"github.com/rs/zerolog/log"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
)

// ErrClientClosed is returned by transfers on a closed client
var ErrClientClosed = errors.New("transfer client closed")

// Client sends requests to one endpoint. Transfer never blocks on the network;
// the response arrives on the returned future.
type Client interface {
	Endpoint() Endpoint
	Transfer(ctx context.Context, req *Request) *future.Future[*Response]
	Close() error
}

// Dialer creates clients for endpoints
type Dialer interface {
	Dial(ep Endpoint) (Client, error)
}

// Options tune the gRPC dialer
type Options struct {
	PoolInitial      int
	PoolCapacity     int
	PoolIdleTimeout  time.Duration
	PoolMaxLifetime  time.Duration
	KeepaliveTime    time.Duration
	KeepaliveTimeout time.Duration
	Compression      bool
	DialOptions      []grpc.DialOption
}

// OptionsFromConfig derives dialer options from the node configuration
func OptionsFromConfig(c *cfg.Configuration) Options {
	opts := Options{
		PoolInitial:      1,
		PoolCapacity:     4,
		PoolIdleTimeout:  60 * time.Second,
		PoolMaxLifetime:  time.Hour,
		KeepaliveTime:    10 * time.Second,
		KeepaliveTimeout: 3 * time.Second,
	}
	if c == nil {
		return opts
	}
	if c.GRPCClient.PoolInitial > 0 {
		opts.PoolInitial = c.GRPCClient.PoolInitial
	}
	if c.GRPCClient.PoolCapacity > 0 {
		opts.PoolCapacity = c.GRPCClient.PoolCapacity
	}
	if c.GRPCClient.PoolIdleTimeoutSeconds > 0 {
		opts.PoolIdleTimeout = time.Duration(c.GRPCClient.PoolIdleTimeoutSeconds) * time.Second
	}
	if c.GRPCClient.KeepaliveTimeSeconds > 0 {
		opts.KeepaliveTime = time.Duration(c.GRPCClient.KeepaliveTimeSeconds) * time.Second
	}
	if c.GRPCClient.KeepaliveTimeoutSeconds > 0 {
		opts.KeepaliveTimeout = time.Duration(c.GRPCClient.KeepaliveTimeoutSeconds) * time.Second
	}
	opts.Compression = c.Connector.Compression
	return opts
}

func (o Options) dialOptions() []grpc.DialOption {
	dialOpts := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                o.KeepaliveTime,
			Timeout:             o.KeepaliveTimeout,
			PermitWithoutStream: true,
		}),
		grpc.WithDefaultCallOptions(
			grpc.MaxCallRecvMsgSize(maxMessageBytes),
			grpc.MaxCallSendMsgSize(maxMessageBytes),
			grpc.ForceCodec(encoding.Codec{}),
		),
	}
	return append(dialOpts, o.DialOptions...)
}

// GRPCDialer creates pooled gRPC clients
type GRPCDialer struct {
	opts Options
}

func NewGRPCDialer(opts Options) *GRPCDialer {
	return &GRPCDialer{opts: opts}
}

// Dial creates a connection pool to ep
func (d *GRPCDialer) Dial(ep Endpoint) (Client, error) {
	target := "passthrough:///" + ep.String()
	dialOpts := d.opts.dialOptions()

	factory := func() (*grpc.ClientConn, error) {
		return grpc.NewClient(target, dialOpts...)
	}

	pool, err := grpcpool.New(factory, d.opts.PoolInitial, d.opts.PoolCapacity, d.opts.PoolIdleTimeout, d.opts.PoolMaxLifetime)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool for %s: %w", ep, err)
	}

	log.Debug().
		Str("endpoint", ep.String()).
		Int("pool_capacity", d.opts.PoolCapacity).
		Msg("Connection pool created")

	return &grpcClient{ep: ep, pool: pool, compress: d.opts.Compression}, nil
}

type grpcClient struct {
	ep       Endpoint
	pool     *grpcpool.Pool
	compress bool

	mu     sync.RWMutex
	closed bool
}

func (c *grpcClient) Endpoint() Endpoint {
	return c.ep
}

func (c *grpcClient) Transfer(ctx context.Context, req *Request) *future.Future[*Response] {
	p := future.NewPromise[*Response]()

	c.mu.RLock()
	closed := c.closed
	c.mu.RUnlock()
	if closed {
		p.Set(nil, ErrClientClosed)
		return p.Future()
	}

	if err := compressIfNeeded(req, c.compress); err != nil {
		p.Set(nil, err)
		return p.Future()
	}

	go func() {
		resp, err := c.invoke(ctx, req)
		p.Set(resp, err)
	}()
	return p.Future()
}

func (c *grpcClient) invoke(ctx context.Context, req *Request) (*Response, error) {
	conn, err := c.pool.Get(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get connection from pool for %s: %w", c.ep, err)
	}
	defer conn.Close() // Returns connection to pool

	resp := new(Response)
	if err := conn.Invoke(ctx, transferMethod, req, resp); err != nil {
		conn.Unhealthy()
		return nil, fmt.Errorf("transfer to %s: %w", c.ep, err)
	}
	return resp, nil
}

func (c *grpcClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	c.pool.Close()
	return nil
}
