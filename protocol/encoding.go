// Defines methods/functions to encode/decode messages between client and
// server. The wire format is JSON, one message per read.

package protocol

import (
	"encoding/json"
	"errors"
	"io"
)

// DefaultMaxMessageSize caps a single protocol message. Bulk entry transfers
// are not subject to this cap, only command frames.
const DefaultMaxMessageSize = 8192

var (
	// ErrTooLarge means a single message exceeded the configured cap. The
	// session must reject it without advancing any state-machine phase.
	ErrTooLarge = errors.New("message too large")
	// ErrMalformed means a message was not valid JSON for its type.
	ErrMalformed = errors.New("malformed message")
)

// ReadRequest reads one client request from r, enforcing the size cap.
func ReadRequest(r io.Reader, maxSize int) (*ClientRequest, error) {
	if maxSize <= 0 {
		maxSize = DefaultMaxMessageSize
	}

	// one extra byte distinguishes "exactly at the cap" from "over it"
	buffer := make([]byte, maxSize+1)
	n, err := r.Read(buffer)
	if err != nil {
		return nil, err
	}
	if n > maxSize {
		return nil, ErrTooLarge
	}

	var req ClientRequest
	if err = json.Unmarshal(buffer[:n], &req); err != nil {
		return nil, ErrMalformed
	}
	if req.Data == nil {
		req.Data = make(map[string]string)
	}
	return &req, nil
}

// WriteResponse marshals a server response and writes it to w.
func WriteResponse(w io.Writer, resp *ServerResponse) error {
	out, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	_, err = w.Write(out)
	return err
}

// ReadResponse reads one server response from r. It exists for clients and
// tests; the server itself only writes responses.
func ReadResponse(r io.Reader, maxSize int) (*ServerResponse, error) {
	if maxSize <= 0 {
		maxSize = DefaultMaxMessageSize
	}

	buffer := make([]byte, maxSize+1)
	n, err := r.Read(buffer)
	if err != nil {
		return nil, err
	}

	var resp ServerResponse
	if err = json.Unmarshal(buffer[:n], &resp); err != nil {
		return nil, ErrMalformed
	}
	return &resp, nil
}

// WriteRequest marshals a client request and writes it to w. Like
// ReadResponse it exists for the client half of an exchange.
func WriteRequest(w io.Writer, req *ClientRequest) error {
	out, err := json.Marshal(req)
	if err != nil {
		return err
	}
	_, err = w.Write(out)
	return err
}
