// Package cursor encodes the (created_at, id) pagination boundary as an
// opaque URL-safe token.
package cursor

import (
	"encoding/base64"
	"encoding/json"
	"time"
)

// Cursor marks the oldest row of a returned page.
type Cursor struct {
	CreatedAt time.Time
	ID        string
}

type payload struct {
	T  int64  `json:"t"`
	ID string `json:"id"`
}

// Encode renders c with millisecond precision.
func Encode(c Cursor) string {
	b, err := json.Marshal(payload{T: c.CreatedAt.UnixMilli(), ID: c.ID})
	if err != nil {
		return ""
	}
	return base64.RawURLEncoding.EncodeToString(b)
}

// Decode parses a token produced by Encode. Anything unparsable yields
// ok=false and is treated by callers as "no cursor".
func Decode(token string) (c Cursor, ok bool) {
	if token == "" {
		return Cursor{}, false
	}
	data, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return Cursor{}, false
	}
	var p payload
	if err := json.Unmarshal(data, &p); err != nil || p.ID == "" {
		return Cursor{}, false
	}
	return Cursor{CreatedAt: time.UnixMilli(p.T).UTC(), ID: p.ID}, true
}
