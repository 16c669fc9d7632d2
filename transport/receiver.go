package transport

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"
)

// ReceiverStats counts what a SinkReceiver applied
type ReceiverStats struct {
	Handshakes int64
	Tablets    int64
	Rows       int64
	Files      int64
	Schemas    int64
}

// SinkReceiver accepts transfers, validates file offsets and discards payloads.
// It backs the node's own transfer listener and the transport tests.
type SinkReceiver struct {
	// Redirect, when set, names the endpoint that leads device
	Redirect func(device string) string

	mu    sync.Mutex
	files map[string]int64

	handshakes atomic.Int64
	tablets    atomic.Int64
	rows       atomic.Int64
	sealed     atomic.Int64
	schemas    atomic.Int64
}

func NewSinkReceiver() *SinkReceiver {
	return &SinkReceiver{files: make(map[string]int64)}
}

func (r *SinkReceiver) Handle(_ context.Context, req *Request) (*Response, error) {
	switch req.Type {
	case RequestHandshake:
		var body HandshakeBody
		if err := DecodeBody(req, &body); err != nil {
			return errorResponse(err), nil
		}
		r.handshakes.Add(1)
		log.Debug().Uint64("sender", body.NodeID).Msg("Handshake accepted")
		return &Response{Status: StatusOK, SupportsMods: true}, nil

	case RequestPing:
		return &Response{Status: StatusOK}, nil

	case RequestTablet:
		var body TabletBody
		if err := DecodeBody(req, &body); err != nil {
			return errorResponse(err), nil
		}
		r.applyTablet(body)
		return r.redirected(body.Device), nil

	case RequestTabletBatch:
		var body BatchBody
		if err := DecodeBody(req, &body); err != nil {
			return errorResponse(err), nil
		}
		for _, t := range body.Tablets {
			r.applyTablet(t)
		}
		return &Response{Status: StatusOK}, nil

	case RequestFilePiece:
		return r.applyPiece(req), nil

	case RequestFileSeal:
		var body FileSealBody
		if err := DecodeBody(req, &body); err != nil {
			return errorResponse(err), nil
		}
		return r.seal(body), nil

	case RequestSchema:
		var body SchemaBody
		if err := DecodeBody(req, &body); err != nil {
			return errorResponse(err), nil
		}
		r.schemas.Add(1)
		return &Response{Status: StatusOK}, nil
	}

	return &Response{Status: StatusError, Message: fmt.Sprintf("unsupported request type %s", req.Type)}, nil
}

func (r *SinkReceiver) applyTablet(body TabletBody) {
	r.tablets.Add(1)
	if body.Tablet != nil {
		r.rows.Add(int64(body.Tablet.RowCount()))
	} else {
		r.rows.Add(1)
	}
}

func (r *SinkReceiver) redirected(device string) *Response {
	if r.Redirect == nil {
		return &Response{Status: StatusOK}
	}
	if to := r.Redirect(device); to != "" {
		return &Response{Status: StatusRedirect, Redirect: to, Device: device}
	}
	return &Response{Status: StatusOK}
}

func (r *SinkReceiver) applyPiece(req *Request) *Response {
	body := req.Body
	if req.Compressed {
		var err error
		if body, err = Decompress(body); err != nil {
			return errorResponse(err)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	end := r.files[req.FileName]
	if req.Offset != end {
		return &Response{Status: StatusOffsetMismatch, EndOffset: end, Message: "unexpected file offset"}
	}
	r.files[req.FileName] = end + int64(len(body))
	return &Response{Status: StatusOK, EndOffset: end + int64(len(body))}
}

func (r *SinkReceiver) seal(body FileSealBody) *Response {
	r.mu.Lock()
	defer r.mu.Unlock()

	if got := r.files[body.FileName]; got != body.Length {
		return &Response{Status: StatusError, Message: fmt.Sprintf("file %s has %d bytes, seal expects %d", body.FileName, got, body.Length)}
	}
	if body.ModFileName != "" {
		if got := r.files[body.ModFileName]; got != body.ModLength {
			return &Response{Status: StatusError, Message: fmt.Sprintf("mod file %s has %d bytes, seal expects %d", body.ModFileName, got, body.ModLength)}
		}
		delete(r.files, body.ModFileName)
	}
	delete(r.files, body.FileName)
	r.sealed.Add(1)
	return &Response{Status: StatusOK}
}

// Stats returns a snapshot of applied requests
func (r *SinkReceiver) Stats() ReceiverStats {
	return ReceiverStats{
		Handshakes: r.handshakes.Load(),
		Tablets:    r.tablets.Load(),
		Rows:       r.rows.Load(),
		Files:      r.sealed.Load(),
		Schemas:    r.schemas.Load(),
	}
}

func errorResponse(err error) *Response {
	return &Response{Status: StatusError, Message: err.Error()}
}
