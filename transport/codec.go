package transport

import (
	"fmt"

	"github.com/maxpert/sluice/encoding"
)

// NewRequest encodes body into a request of type t
func NewRequest(t RequestType, body any) (*Request, error) {
	req := &Request{Type: t}
	if body == nil {
		return req, nil
	}
	b, err := encoding.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode %s body: %w", t, err)
	}
	req.Body = b
	return req, nil
}

// DecodeBody decompresses and decodes the request body into v
func DecodeBody(req *Request, v any) error {
	body := req.Body
	if req.Compressed {
		var err error
		if body, err = Decompress(body); err != nil {
			return fmt.Errorf("decompress %s body: %w", req.Type, err)
		}
	}
	return encoding.Unmarshal(body, v)
}
