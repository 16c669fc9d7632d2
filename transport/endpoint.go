package transport

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

// Endpoint is a receiver address
type Endpoint struct {
	Host string
	Port int
}

// ParseEndpoint parses host:port
func ParseEndpoint(s string) (Endpoint, error) {
	host, port, err := net.SplitHostPort(strings.TrimSpace(s))
	if err != nil {
		return Endpoint{}, fmt.Errorf("invalid endpoint %q: %w", s, err)
	}
	p, err := strconv.Atoi(port)
	if err != nil || p < 1 || p > 65535 {
		return Endpoint{}, fmt.Errorf("invalid endpoint port %q", s)
	}
	return Endpoint{Host: host, Port: p}, nil
}

// ParseEndpoints parses a list of host:port strings
func ParseEndpoints(urls []string) ([]Endpoint, error) {
	out := make([]Endpoint, 0, len(urls))
	for _, u := range urls {
		ep, err := ParseEndpoint(u)
		if err != nil {
			return nil, err
		}
		out = append(out, ep)
	}
	return out, nil
}

func (e Endpoint) String() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

func (e Endpoint) IsZero() bool {
	return e.Host == "" && e.Port == 0
}
