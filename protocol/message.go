// Defines the message format of the client-server exchange. The protocol is
// a persistent, stream-oriented request/response exchange: a request names an
// action and carries a mapping of named parameters, and a response carries a
// numeric status code, a short status phrase, and a mapping of result data.

package protocol

import "fmt"

// A ClientRequest is one command from a client. Action selects the handler
// and Data carries the command's named parameters. Keys, hashes, and
// signatures inside Data are CryptoString-formatted.
type ClientRequest struct {
	Action string
	Data   map[string]string
}

// NewClientRequest creates a request with an initialized data map.
func NewClientRequest(action string) *ClientRequest {
	return &ClientRequest{Action: action, Data: make(map[string]string)}
}

// HasField reports whether the request carries the named parameter.
func (r *ClientRequest) HasField(name string) bool {
	_, exists := r.Data[name]
	return exists
}

// Validate returns an error naming the first missing required field. It is
// run before any business logic so handlers never see a partial request.
func (r *ClientRequest) Validate(required []string) error {
	for _, name := range required {
		if _, exists := r.Data[name]; !exists {
			return fmt.Errorf("missing field %s", name)
		}
	}
	return nil
}

// A ServerResponse is the reply to exactly one ClientRequest. Code and
// Status describe the outcome, Info optionally carries human-readable detail
// about an error, and Data carries named result values.
type ServerResponse struct {
	Code   int
	Status string
	Info   string
	Data   map[string]string
}

// NewServerResponse creates a response with the canonical status phrase for
// code and an initialized data map.
func NewServerResponse(code int) *ServerResponse {
	return &ServerResponse{
		Code:   code,
		Status: StatusPhrase(code),
		Data:   make(map[string]string),
	}
}

// Attach adds a data field and returns the response for chaining.
func (r *ServerResponse) Attach(name, value string) *ServerResponse {
	r.Data[name] = value
	return r
}
