// Package wire defines the request/response descriptor shapes crossing
// the dispatch engine's external interface boundary: a parsed request
// coming in, and a response descriptor going out to a peer. Full
// HTTP/JSON-RPC framing is out of scope; this gives the engine (and its
// tests) concrete Go types for what the upstream parser is assumed to
// produce and what the engine hands back.
package wire

import (
	"bytes"
	"encoding/json"
)

// Request is what the upstream parser produces for one incoming
// connection's request: a client method call or a worker's capability
// registration, depending on which field set is populated.
type Request struct {
	// Client fields.
	Name             string
	ID               string
	Body             []byte
	Priority         int
	FailOnDisconnect bool
	NoID             bool

	// Worker fields.
	Names      string // comma/space-separated capability names
	WorkerMode bool
	Info       string
}

// Response is a response descriptor handed to a peer's send buffer.
type Response struct {
	Status int    `json:"status"`
	Reason string `json:"reason"`
	ID     string `json:"id,omitempty"` // omitted when NoID was set on the pairing
	Name   string `json:"name,omitempty"`
	Code   int    `json:"code,omitempty"` // JSON-RPC style numeric error code, 0 when not an error
	Body   json.RawMessage `json:"body,omitempty"` // embedded verbatim, not base64-wrapped
}

// OK builds the 200 response delivered to a worker (with the client's
// body) or to a client (with the worker's body).
func OK(id, name string, body []byte) Response {
	return Response{Status: 200, Reason: "OK", ID: id, Name: name, Body: json.RawMessage(body)}
}

// NotFound builds the 404 response for client_request against an
// unregistered capability name.
func NotFound() Response {
	return Response{Status: 404, Reason: "Not Found", Code: -32601}
}

// CollisionID builds the 400 response for an id already pending in the
// PendingTable.
func CollisionID(id string) Response {
	return Response{Status: 400, Reason: "Collision Id", ID: id, Code: -1}
}

// ServiceUnavailable builds the 503 response delivered to a client
// whose paired worker disconnected before responding.
func ServiceUnavailable(id string) Response {
	return Response{Status: 503, Reason: "Service Unavailable", ID: id}
}

// ScanID best-effort extracts a top-level "id" field from a JSON
// request body without fully unmarshaling it, so a client body that's
// malformed beyond its id doesn't block matching. Returns ("", false)
// if no top-level string or number "id" field is found.
func ScanID(body []byte) (string, bool) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()

	tok, err := dec.Token()
	if err != nil {
		return "", false
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return "", false
	}

	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return "", false
		}
		key, ok := keyTok.(string)
		if !ok {
			return "", false
		}

		if key != "id" {
			if err := skipValue(dec); err != nil {
				return "", false
			}
			continue
		}

		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return "", false
		}
		return decodeIDValue(raw)
	}
	return "", false
}

func decodeIDValue(raw json.RawMessage) (string, bool) {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, true
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String(), true
	}
	return "", false
}

// skipValue advances dec past one JSON value without decoding it.
func skipValue(dec *json.Decoder) error {
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	delim, ok := tok.(json.Delim)
	if !ok {
		return nil
	}
	if delim == '{' || delim == '[' {
		depth := 1
		for depth > 0 {
			tok, err := dec.Token()
			if err != nil {
				return err
			}
			if d, ok := tok.(json.Delim); ok {
				switch d {
				case '{', '[':
					depth++
				case '}', ']':
					depth--
				}
			}
		}
	}
	return nil
}
