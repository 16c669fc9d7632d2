// Package transporttest provides an in-memory transport for tests
package transporttest

import (
	"context"
	"errors"
	"sync"

	"github.com/jizhuozhi/go-future"
	"github.com/maxpert/sluice/transport"
)

// ErrUnavailable is returned by the default failing handler
var ErrUnavailable = errors.New("receiver unavailable")

// Handler computes the response to a request
type Handler func(ep transport.Endpoint, req *transport.Request) (*transport.Response, error)

// OK acknowledges every request
func OK(transport.Endpoint, *transport.Request) (*transport.Response, error) {
	return &transport.Response{Status: transport.StatusOK, SupportsMods: true}, nil
}

// Fail fails every request except handshakes
func Fail(_ transport.Endpoint, req *transport.Request) (*transport.Response, error) {
	if req.Type == transport.RequestHandshake {
		return OK(transport.Endpoint{}, req)
	}
	return nil, ErrUnavailable
}

// Recorded is a request observed by the fake, in call order
type Recorded struct {
	Endpoint transport.Endpoint
	Request  *transport.Request
}

// Dialer hands out clients that record requests at call time and answer them
// with the current handler
type Dialer struct {
	mu       sync.Mutex
	handler  Handler
	dialErr  map[transport.Endpoint]error
	requests []Recorded
	dials    int
	gate     chan struct{}
}

func NewDialer(h Handler) *Dialer {
	if h == nil {
		h = OK
	}
	return &Dialer{handler: h, dialErr: make(map[transport.Endpoint]error)}
}

func (d *Dialer) SetHandler(h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handler = h
}

// FailDial makes dials to ep fail with err; nil clears it
func (d *Dialer) FailDial(ep transport.Endpoint, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err == nil {
		delete(d.dialErr, ep)
		return
	}
	d.dialErr[ep] = err
}

// Hold delays every response until Release is called
func (d *Dialer) Hold() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.gate == nil {
		d.gate = make(chan struct{})
	}
}

func (d *Dialer) Release() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.gate != nil {
		close(d.gate)
		d.gate = nil
	}
}

func (d *Dialer) Dial(ep transport.Endpoint) (transport.Client, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.dialErr[ep]; err != nil {
		return nil, err
	}
	d.dials++
	return &client{ep: ep, dialer: d}, nil
}

// Dials returns how many clients were created
func (d *Dialer) Dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

// Requests returns every recorded request except handshakes
func (d *Dialer) Requests() []Recorded {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Recorded, 0, len(d.requests))
	for _, r := range d.requests {
		if r.Request.Type != transport.RequestHandshake {
			out = append(out, r)
		}
	}
	return out
}

// RequestsOfType returns the recorded requests of type t
func (d *Dialer) RequestsOfType(t transport.RequestType) []Recorded {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []Recorded
	for _, r := range d.requests {
		if r.Request.Type == t {
			out = append(out, r)
		}
	}
	return out
}

// Reset forgets recorded requests
func (d *Dialer) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.requests = nil
}

type client struct {
	ep     transport.Endpoint
	dialer *Dialer

	mu     sync.Mutex
	closed bool
}

func (c *client) Endpoint() transport.Endpoint {
	return c.ep
}

func (c *client) Transfer(ctx context.Context, req *transport.Request) *future.Future[*transport.Response] {
	p := future.NewPromise[*transport.Response]()

	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		p.Set(nil, transport.ErrClientClosed)
		return p.Future()
	}

	d := c.dialer
	d.mu.Lock()
	d.requests = append(d.requests, Recorded{Endpoint: c.ep, Request: req})
	h := d.handler
	gate := d.gate
	d.mu.Unlock()

	resp, err := h(c.ep, req)
	if gate == nil {
		p.Set(resp, err)
		return p.Future()
	}
	go func() {
		select {
		case <-gate:
			p.Set(resp, err)
		case <-ctx.Done():
			p.Set(nil, ctx.Err())
		}
	}()
	return p.Future()
}

func (c *client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}
