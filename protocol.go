package poolz

import (
	"bytes"
	"encoding/json"
	"errors"
	"reflect"
	"runtime/debug"
)

// Wire sentinels. Each is a complete frame on its own: a bare JSON string on
// the process transport, a signal-only frame on the thread transport.
const (
	// readySignal is sent once by a worker after method registration,
	// marking it eligible for dispatch.
	readySignal = "ready"

	// terminateSignal is sent by the pool to request a graceful exit.
	terminateSignal = "__workerpool-terminate__"
)

// request is a parent-to-worker RPC call.
type request struct {
	ID     uint64 `json:"id"`
	Method string `json:"method"`
	Params []any  `json:"params"`
}

// response is a worker-to-parent frame: either the single terminal reply for
// a request (exactly one of Result/Error meaningful) or, with IsEvent set, a
// mid-task event that precedes the terminal reply.
type response struct {
	ID      uint64     `json:"id"`
	Result  any        `json:"result"`
	Error   *wireError `json:"error"`
	IsEvent bool       `json:"isEvent,omitempty"`
	Payload any        `json:"payload,omitempty"`
}

// frame is one message on a worker link in either direction. Exactly one
// field is set.
type frame struct {
	signal string
	req    *request
	resp   *response
}

// FieldCarrier lets a custom worker error expose extra fields that survive
// the transport and reappear in RemoteError.Fields at the caller.
type FieldCarrier interface {
	ErrorFields() map[string]any
}

// wireError is the serialized form of a worker-side error. Name, Message,
// and Stack are captured explicitly rather than relying on enumeration,
// since stack traces are not otherwise visible fields.
type wireError struct {
	Name    string         `json:"name"`
	Message string         `json:"message"`
	Stack   string         `json:"stack,omitempty"`
	Fields  map[string]any `json:"fields,omitempty"`
}

// encodeError serializes err for the response error field.
func encodeError(err error) *wireError {
	switch e := err.(type) {
	case *UnknownMethodError:
		return &wireError{
			Name:    "UnknownMethodError",
			Message: e.Error(),
			Fields:  map[string]any{"method": e.Method},
		}
	case *RemoteError:
		// Already crossed a transport once; forward as-is.
		return &wireError{Name: e.Name, Message: e.Message, Stack: e.Stack, Fields: e.Fields}
	}
	we := &wireError{
		Name:    errorName(err),
		Message: err.Error(),
		Stack:   string(debug.Stack()),
	}
	var fc FieldCarrier
	if errors.As(err, &fc) {
		we.Fields = fc.ErrorFields()
	}
	return we
}

// decodeError re-inflates a wire error at the caller. Unknown-method replies
// come back as UnknownMethodError; everything else as RemoteError.
func decodeError(we *wireError) error {
	if we == nil {
		return nil
	}
	if we.Name == "UnknownMethodError" {
		method, _ := we.Fields["method"].(string)
		return &UnknownMethodError{Method: method}
	}
	return &RemoteError{Name: we.Name, Message: we.Message, Stack: we.Stack, Fields: we.Fields}
}

// errorName derives a wire name from the error's concrete type.
func errorName(err error) string {
	t := reflect.TypeOf(err)
	for t != nil && t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t == nil {
		return "Error"
	}
	name := t.Name()
	if name == "" || name == "errorString" {
		return "Error"
	}
	return name
}

// encodeFrame writes one frame as a JSON line.
func encodeFrame(enc *json.Encoder, f *frame) error {
	switch {
	case f.signal != "":
		return enc.Encode(f.signal)
	case f.req != nil:
		return enc.Encode(f.req)
	default:
		return enc.Encode(f.resp)
	}
}

// decodeRaw reads one frame off dec and splits it into a bare signal string
// or the raw record bytes for the side-specific decoder.
func decodeRaw(dec *json.Decoder) (signal string, record json.RawMessage, err error) {
	var raw json.RawMessage
	if err := dec.Decode(&raw); err != nil {
		return "", nil, err
	}
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) > 0 && trimmed[0] == '"' {
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return "", nil, err
		}
		return s, nil, nil
	}
	return "", trimmed, nil
}

// decodeParentFrame reads a worker-to-parent frame (ready signal, reply, or
// event).
func decodeParentFrame(dec *json.Decoder) (*frame, error) {
	signal, record, err := decodeRaw(dec)
	if err != nil {
		return nil, err
	}
	if signal != "" {
		return &frame{signal: signal}, nil
	}
	var resp response
	if err := json.Unmarshal(record, &resp); err != nil {
		return nil, err
	}
	return &frame{resp: &resp}, nil
}

// decodeChildFrame reads a parent-to-worker frame (terminate sentinel or RPC
// request).
func decodeChildFrame(dec *json.Decoder) (*frame, error) {
	signal, record, err := decodeRaw(dec)
	if err != nil {
		return nil, err
	}
	if signal != "" {
		return &frame{signal: signal}, nil
	}
	var req request
	if err := json.Unmarshal(record, &req); err != nil {
		return nil, err
	}
	return &frame{req: &req}, nil
}
