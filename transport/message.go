package transport

import (
	"fmt"

	"github.com/maxpert/sluice/event"
)

// RequestType identifies the payload carried by a Request
type RequestType uint8

const (
	RequestHandshake RequestType = iota + 1
	RequestPing
	RequestTablet
	RequestTabletBatch
	RequestFilePiece
	RequestFileSeal
	RequestSchema
)

func (t RequestType) String() string {
	switch t {
	case RequestHandshake:
		return "handshake"
	case RequestPing:
		return "ping"
	case RequestTablet:
		return "tablet"
	case RequestTabletBatch:
		return "batch"
	case RequestFilePiece:
		return "file_piece"
	case RequestFileSeal:
		return "file_seal"
	case RequestSchema:
		return "schema"
	}
	return fmt.Sprintf("RequestType(%d)", uint8(t))
}

// Request is the single message understood by receivers
type Request struct {
	Type       RequestType `msgpack:"t"`
	Compressed bool        `msgpack:"z,omitempty"`
	Body       []byte      `msgpack:"b"`

	// File transfers
	FileName string `msgpack:"f,omitempty"`
	Offset   int64  `msgpack:"o,omitempty"`
}

// ResponseStatus is the receiver verdict
type ResponseStatus uint8

const (
	StatusOK ResponseStatus = iota
	StatusRedirect
	StatusOffsetMismatch
	StatusRetry
	StatusError
)

// Response is the receiver answer to a Request
type Response struct {
	Status  ResponseStatus `msgpack:"s"`
	Message string         `msgpack:"m,omitempty"`

	// Redirect is the endpoint the receiver believes leads the request's device
	Redirect string `msgpack:"r,omitempty"`
	Device   string `msgpack:"d,omitempty"`

	// EndOffset is the receiver's current length of a file being transferred
	EndOffset int64 `msgpack:"e,omitempty"`

	SupportsMods bool `msgpack:"mods,omitempty"`
}

// Succeeded reports whether the request was applied. A redirect still counts:
// the receiver applied the data and only hints a better endpoint.
func (r *Response) Succeeded() bool {
	return r.Status == StatusOK || r.Status == StatusRedirect
}

// Err converts a failed response into an error
func (r *Response) Err() error {
	if r.Succeeded() {
		return nil
	}
	return fmt.Errorf("receiver rejected request (status=%d): %s", r.Status, r.Message)
}

// HandshakeBody announces the sender
type HandshakeBody struct {
	NodeID       uint64 `msgpack:"node_id"`
	Compression  bool   `msgpack:"compression"`
	TimestampsMS bool   `msgpack:"ts_ms"`
}

// TabletBody is one tablet event on the wire
type TabletBody struct {
	Device string        `msgpack:"device"`
	Tablet *event.Tablet `msgpack:"tablet,omitempty"`
	Binary []byte        `msgpack:"binary,omitempty"`
}

// NewTabletBody converts a tablet event to its wire form
func NewTabletBody(ev *event.TabletEvent) TabletBody {
	return TabletBody{Device: ev.Device, Tablet: ev.Tablet, Binary: ev.Binary}
}

// BatchBody groups tablets for one endpoint
type BatchBody struct {
	Tablets []TabletBody `msgpack:"tablets"`
}

// FileSealBody closes a file transfer
type FileSealBody struct {
	FileName    string `msgpack:"file"`
	Length      int64  `msgpack:"length"`
	ModFileName string `msgpack:"mod_file,omitempty"`
	ModLength   int64  `msgpack:"mod_length,omitempty"`
}

// SchemaBody carries a schema plan
type SchemaBody struct {
	PlanType string `msgpack:"plan_type"`
	Plan     []byte `msgpack:"plan"`
}
