package delivery

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// Verbatim is implemented by payloads carrying opaque JSON that must reach
// the client byte for byte, such as ICE candidates.
type Verbatim interface {
	// VerbatimField returns the payload without the opaque member, the JSON
	// name of that member and its raw bytes.
	VerbatimField() (rest any, name string, raw json.RawMessage)
}

var errNotObject = errors.New("verbatim payload must encode as a JSON object")

// Encode renders env as a single JSON frame. HTML characters are not escaped
// and the member of a Verbatim payload is copied into the frame unchanged.
func Encode(env Envelope) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString(`{"type":`)
	if err := writeJSON(&buf, env.Type); err != nil {
		return nil, err
	}
	if env.Payload != nil {
		buf.WriteString(`,"payload":`)
		if err := writePayload(&buf, env.Payload); err != nil {
			return nil, fmt.Errorf("encode %s payload: %w", env.Type, err)
		}
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func writePayload(buf *bytes.Buffer, payload any) error {
	v, ok := payload.(Verbatim)
	if !ok {
		return writeJSON(buf, payload)
	}

	rest, name, raw := v.VerbatimField()
	if len(raw) == 0 {
		raw = json.RawMessage("null")
	}
	if !json.Valid(raw) {
		return fmt.Errorf("member %q is not valid JSON", name)
	}

	start := buf.Len()
	if err := writeJSON(buf, rest); err != nil {
		return err
	}
	obj := buf.Bytes()[start:]
	if len(obj) < 2 || obj[0] != '{' || obj[len(obj)-1] != '}' {
		return errNotObject
	}
	empty := len(obj) == 2

	buf.Truncate(buf.Len() - 1)
	if !empty {
		buf.WriteByte(',')
	}
	if err := writeJSON(buf, name); err != nil {
		return err
	}
	buf.WriteByte(':')
	buf.Write(raw)
	buf.WriteByte('}')
	return nil
}

// writeJSON appends the encoding of v without the encoder's trailing newline.
func writeJSON(buf *bytes.Buffer, v any) error {
	enc := json.NewEncoder(buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return err
	}
	buf.Truncate(buf.Len() - 1)
	return nil
}
