package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/maxpert/sluice/cfg"
	"github.com/maxpert/sluice/transport"
	"github.com/rs/zerolog/log"
	"github.com/soheilhy/cmux"
	"google.golang.org/grpc"
)

// Server multiplexes the transfer receiver (gRPC) and the admin API (HTTP)
// on one listener
type Server struct {
	mux  cmux.CMux
	grpc *grpc.Server
	http *http.Server
}

func startServer(c cfg.ServerConfiguration, recv transport.Receiver, adminHandler http.Handler) (*Server, error) {
	addr := fmt.Sprintf("%s:%d", c.BindAddress, c.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	s := &Server{
		mux:  cmux.New(listener),
		grpc: transport.NewServer(recv),
		http: &http.Server{Handler: adminHandler, ReadHeaderTimeout: 10 * time.Second},
	}

	// Match HTTP requests for the admin API and /metrics
	httpListener := s.mux.Match(cmux.HTTP1Fast())

	// Match gRPC requests (everything else)
	grpcListener := s.mux.Match(cmux.Any())

	log.Info().Str("address", addr).Msg("Multiplexing admin HTTP and transfer gRPC on same port")

	go func() {
		if err := s.http.Serve(httpListener); err != nil && !errors.Is(err, http.ErrServerClosed) && !errors.Is(err, cmux.ErrListenerClosed) {
			log.Error().Err(err).Msg("HTTP server failed")
		}
	}()

	go func() {
		if err := s.grpc.Serve(grpcListener); err != nil && !errors.Is(err, cmux.ErrListenerClosed) {
			log.Error().Err(err).Msg("gRPC server failed")
		}
	}()

	go func() {
		if err := s.mux.Serve(); err != nil && !errors.Is(err, net.ErrClosed) {
			log.Error().Err(err).Msg("cmux failed")
		}
	}()

	return s, nil
}

// Stop drains both servers and closes the listener
func (s *Server) Stop() {
	log.Info().Msg("Stopping listener")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.http.Shutdown(ctx); err != nil {
		log.Warn().Err(err).Msg("Admin HTTP shutdown incomplete")
	}
	s.grpc.GracefulStop()
	s.mux.Close()
}
