package bridge

import (
	"bytes"
	"encoding/json"
	"strconv"
	"time"
)

// Message is one JSON object read from or written to the worker.
type Message struct {
	JSONRPC string          `json:"jsonrpc,omitempty"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   json.RawMessage `json:"error,omitempty"`
	// Raw is the line exactly as the worker wrote it.
	Raw json.RawMessage `json:"-"`
}

// IsError reports whether the worker replied with an error object.
func (m Message) IsError() bool {
	trimmed := bytes.TrimSpace(m.Error)
	return len(trimmed) > 0 && !bytes.Equal(trimmed, []byte("null"))
}

// Call describes one request to the worker.
type Call struct {
	// ID is any JSON value except null. Nil draws from the bridge counter.
	ID     any
	Method string
	// Params is marshalled as-is; nil is sent as {}.
	Params any
	// Timeout overrides the bridge default when positive.
	Timeout time.Duration
}

type outgoing struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
}

var emptyObject = json.RawMessage(`{}`)

// IDKey returns the canonical correlation key for a JSON-RPC id. Null or
// missing ids have no key.
func IDKey(raw json.RawMessage) (string, bool) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return "", false
	}
	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.UseNumber()
	var value any
	if err := dec.Decode(&value); err != nil {
		return "j:" + string(trimmed), true
	}
	switch v := value.(type) {
	case string:
		return "s:" + v, true
	case json.Number:
		return "n:" + v.String(), true
	case bool:
		return "b:" + strconv.FormatBool(v), true
	}
	var compact bytes.Buffer
	if err := json.Compact(&compact, trimmed); err != nil {
		return "j:" + string(trimmed), true
	}
	return "j:" + compact.String(), true
}

func decodeMessage(line []byte) (Message, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(line, &fields); err != nil {
		return Message{}, err
	}
	if fields == nil {
		return Message{}, errNotObject
	}
	var msg Message
	if err := json.Unmarshal(line, &msg); err != nil {
		return Message{}, err
	}
	msg.Raw = append(json.RawMessage(nil), line...)
	return msg, nil
}

func encodeParams(params any) (json.RawMessage, error) {
	switch v := params.(type) {
	case nil:
		return emptyObject, nil
	case json.RawMessage:
		if len(bytes.TrimSpace(v)) == 0 {
			return emptyObject, nil
		}
		if !json.Valid(v) {
			return nil, errInvalidParams
		}
		return v, nil
	}
	data, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}
	if bytes.Equal(data, []byte("null")) {
		return emptyObject, nil
	}
	return data, nil
}

func encodeID(id any) (json.RawMessage, error) {
	if raw, ok := id.(json.RawMessage); ok {
		if !json.Valid(raw) {
			return nil, errInvalidID
		}
		return raw, nil
	}
	return json.Marshal(id)
}
