package model

import (
	"database/sql/driver"
	"encoding/json"

	"github.com/rotisserie/eris"
)

// Keys of the extracted fields payload.
const (
	FieldName        = "name"
	FieldEmail       = "email"
	FieldPhone       = "phone"
	FieldProductCode = "product_code"
	FieldSubject     = "subject"
	FieldSender      = "sender"
)

// Fields is the structured payload extracted from a message. Absent values
// are omitted rather than stored as empty strings. A nil Fields serializes as
// an empty object, never null.
type Fields map[string]string

// Set stores v under key when v is non-empty.
func (f Fields) Set(key, v string) {
	if v != "" {
		f[key] = v
	}
}

// Get returns the value under key or "".
func (f Fields) Get(key string) string {
	if f == nil {
		return ""
	}
	return f[key]
}

// MarshalJSON encodes nil as {}.
func (f Fields) MarshalJSON() ([]byte, error) {
	if f == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(map[string]string(f))
}

// Value implements driver.Valuer for the SQL stores.
func (f Fields) Value() (driver.Value, error) {
	b, err := f.MarshalJSON()
	if err != nil {
		return nil, eris.Wrap(err, "model: encode fields")
	}
	return string(b), nil
}

// Scan implements sql.Scanner, accepting JSON text or bytes.
func (f *Fields) Scan(src any) error {
	var b []byte
	switch v := src.(type) {
	case nil:
		*f = Fields{}
		return nil
	case string:
		b = []byte(v)
	case []byte:
		b = v
	default:
		return eris.Errorf("model: cannot scan %T into Fields", src)
	}
	out := Fields{}
	if len(b) > 0 {
		if err := json.Unmarshal(b, &out); err != nil {
			return eris.Wrap(err, "model: decode fields")
		}
	}
	*f = out
	return nil
}
