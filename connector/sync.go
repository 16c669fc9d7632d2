package connector

import (
	"context"
	"fmt"
	"time"

	"github.com/maxpert/sluice/event"
	"github.com/maxpert/sluice/router"
	"github.com/maxpert/sluice/telemetry"
	"github.com/maxpert/sluice/transport"
	"github.com/rs/zerolog/log"
)

// SyncConnector carries the low volume control path. Each call waits for the
// receiver's answer.
type SyncConnector struct {
	clients     *router.ClientManager
	timeout     time.Duration
	onTerminate func(pipe string, region int32)
}

func NewSyncConnector(clients *router.ClientManager, timeout time.Duration, onTerminate func(pipe string, region int32)) *SyncConnector {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &SyncConnector{clients: clients, timeout: timeout, onTerminate: onTerminate}
}

// Handshake connects and handshakes every endpoint. It fails only when no
// endpoint can be reached.
func (s *SyncConnector) Handshake() error {
	var lastErr error
	reached := 0
	for _, ep := range s.clients.Endpoints() {
		if _, err := s.clients.Borrow(ep); err != nil {
			log.Warn().Err(err).Str("endpoint", ep.String()).Msg("Handshake failed")
			lastErr = err
			continue
		}
		reached++
	}
	if reached == 0 {
		return fmt.Errorf("handshake with all endpoints failed: %w", lastErr)
	}
	return nil
}

// Heartbeat pings one receiver
func (s *SyncConnector) Heartbeat() error {
	client, err := s.clients.BorrowAny()
	if err != nil {
		return err
	}
	_, err = s.send(client, &transport.Request{Type: transport.RequestPing}, "heartbeat")
	return err
}

// Transfer handles heartbeat, schema and terminate events
func (s *SyncConnector) Transfer(ev event.Event) error {
	switch e := ev.(type) {
	case *event.HeartbeatEvent:
		// Heartbeats only flush what precedes them
		telemetry.TransfersTotal.With("heartbeat", "success").Inc()
		return nil

	case *event.SchemaEvent:
		req, err := transport.NewRequest(transport.RequestSchema, transport.SchemaBody{PlanType: e.PlanType, Plan: e.Plan})
		if err != nil {
			return err
		}
		client, err := s.clients.BorrowAny()
		if err != nil {
			return &PipeError{Pipe: e.PipeName(), Region: e.RegionID(), Err: err}
		}
		if _, err := s.send(client, req, "schema"); err != nil {
			return &PipeError{Pipe: e.PipeName(), Region: e.RegionID(), Err: err}
		}
		return nil

	case *event.TerminateEvent:
		if s.onTerminate != nil {
			s.onTerminate(e.PipeName(), e.RegionID())
		}
		return nil
	}

	log.Warn().Str("event", fmt.Sprint(ev)).Msg("Sync connector does not support event type")
	return nil
}

func (s *SyncConnector) send(client transport.Client, req *transport.Request, kind string) (*transport.Response, error) {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	start := time.Now()
	resp, err := client.Transfer(ctx, req).Get()
	if err == nil {
		err = resp.Err()
	}
	if err != nil {
		telemetry.TransfersTotal.With(kind, "failure").Inc()
		return nil, fmt.Errorf("%s to %s: %w", kind, client.Endpoint(), err)
	}
	telemetry.TransfersTotal.With(kind, "success").Inc()
	telemetry.TransferDurationSeconds.With(kind).Observe(time.Since(start).Seconds())
	return resp, nil
}
