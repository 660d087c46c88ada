package protocol

import (
	"encoding/json"
	"fmt"
	"io"
)

// EncodeRequest serializes a Request as one JSON line and writes it to w.
func EncodeRequest(w io.Writer, req *Request) error {
	if req.Protocol != Version {
		return fmt.Errorf("unsupported protocol version: %d", req.Protocol)
	}
	switch req.Type {
	case TypeHandshake:
		if req.Handshake == nil {
			return fmt.Errorf("handshake request without handshake body")
		}
	case TypePrepare:
		if req.Prepare == nil {
			return fmt.Errorf("prepare request without prepare body")
		}
	case TypeExecute:
		if req.Execute == nil {
			return fmt.Errorf("execute request without execute body")
		}
	default:
		return fmt.Errorf("unknown request type %q", req.Type)
	}

	if err := json.NewEncoder(w).Encode(req); err != nil {
		return fmt.Errorf("failed to encode request: %w", err)
	}
	return nil
}

// EncodeResponse serializes a Response as one JSON line and writes it to w.
func EncodeResponse(w io.Writer, resp *Response) error {
	if err := validateResponse(resp); err != nil {
		return err
	}
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		return fmt.Errorf("failed to encode response: %w", err)
	}
	return nil
}

// Decoder reads a stream of messages. One Decoder must own the stream
// because it buffers ahead.
type Decoder struct {
	dec *json.Decoder
}

// NewDecoder returns a strict decoder reading from r.
func NewDecoder(r io.Reader) *Decoder {
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields() // Strict parsing
	return &Decoder{dec: dec}
}

// Request reads the next request. io.EOF is returned unwrapped when the host
// closes the stream.
func (d *Decoder) Request() (*Request, error) {
	var req Request
	if err := d.dec.Decode(&req); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("failed to decode request: %w", err)
	}
	if req.Protocol != Version {
		return nil, fmt.Errorf("unsupported protocol version: %d", req.Protocol)
	}
	return &req, nil
}

// Response reads and validates the next response. io.EOF is returned
// unwrapped when the worker closes its stdout.
func (d *Decoder) Response() (*Response, error) {
	var resp Response
	if err := d.dec.Decode(&resp); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	if err := validateResponse(&resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func validateResponse(resp *Response) error {
	if resp.Protocol != Version {
		return fmt.Errorf("unsupported protocol version: %d", resp.Protocol)
	}
	switch resp.Type {
	case TypeReady, TypePrepared, TypeExecuted:
	default:
		return fmt.Errorf("invalid response type: %q", resp.Type)
	}
	if resp.Status == "" {
		return fmt.Errorf("response missing required field: status")
	}
	if resp.Status != "ok" && resp.Status != "error" {
		return fmt.Errorf("invalid status value: %q (must be 'ok' or 'error')", resp.Status)
	}
	if resp.Status == "error" && (resp.Error == "" || resp.ErrorKind == "") {
		return fmt.Errorf("response has status=error but no error kind or message")
	}
	return nil
}
