package transport

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jizhuozhi/go-future"
	"github.com/maxpert/sluice/encoding"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// NATSDialer relays requests into a JetStream stream. Each endpoint publishes
// on its own subject under prefix.
type NATSDialer struct {
	nc       *nats.Conn
	js       jetstream.JetStream
	prefix   string
	compress bool
}

// NewNATSDialer connects to url and ensures the relay stream exists
func NewNATSDialer(url, prefix string, compress bool) (*NATSDialer, error) {
	if prefix == "" {
		prefix = "sluice"
	}

	nc, err := nats.Connect(url,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	streamName := sanitizeToken(prefix)
	_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      streamName,
		Subjects:  []string{prefix + ".>"},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    24 * time.Hour,
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to ensure stream %s: %w", streamName, err)
	}

	return &NATSDialer{nc: nc, js: js, prefix: prefix, compress: compress}, nil
}

func (d *NATSDialer) Dial(ep Endpoint) (Client, error) {
	return &natsClient{ep: ep, dialer: d, subject: d.prefix + "." + sanitizeToken(ep.String())}, nil
}

func (d *NATSDialer) Close() error {
	if d.nc != nil {
		d.nc.Close()
	}
	return nil
}

type natsClient struct {
	ep      Endpoint
	dialer  *NATSDialer
	subject string
}

func (c *natsClient) Endpoint() Endpoint {
	return c.ep
}

func (c *natsClient) Transfer(ctx context.Context, req *Request) *future.Future[*Response] {
	p := future.NewPromise[*Response]()

	if err := compressIfNeeded(req, c.dialer.compress); err != nil {
		p.Set(nil, err)
		return p.Future()
	}
	data, err := encoding.Marshal(req)
	if err != nil {
		p.Set(nil, err)
		return p.Future()
	}

	msg := &nats.Msg{
		Subject: c.subject,
		Data:    data,
		Header:  nats.Header{"type": []string{req.Type.String()}},
	}
	ack, err := c.dialer.js.PublishMsgAsync(msg)
	if err != nil {
		p.Set(nil, fmt.Errorf("failed to publish to %s: %w", c.subject, err))
		return p.Future()
	}

	go func() {
		select {
		case <-ack.Ok():
			p.Set(&Response{Status: StatusOK}, nil)
		case err := <-ack.Err():
			p.Set(nil, fmt.Errorf("failed to publish to %s: %w", c.subject, err))
		case <-ctx.Done():
			p.Set(nil, ctx.Err())
		}
	}()
	return p.Future()
}

func (c *natsClient) Close() error {
	return nil
}

// sanitizeToken makes s usable as a single subject token or stream name
func sanitizeToken(s string) string {
	return strings.NewReplacer(".", "_", ":", "_", "*", "_", ">", "_", " ", "_").Replace(s)
}
