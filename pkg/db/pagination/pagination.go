package pagination

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"time"
)

var ErrInvalidCursor = errors.New("invalid cursor")

type Pagination struct {
	Cursor string `form:"cursor"`
	Limit  int    `form:"limit"`
}

// Cursor marks the last row of a page in (timestamp DESC, id DESC) order.
type Cursor struct {
	At time.Time `json:"at"`
	ID string    `json:"id"`
}

type PageInfo struct {
	NextCursor string `json:"next_cursor,omitempty"`
	HasMore    bool   `json:"has_more"`
}

func NewCursor(at time.Time, id string) Cursor {
	return Cursor{At: at.UTC(), ID: id}
}

// Encode returns the opaque token handed to clients.
func (c Cursor) Encode() string {
	b, _ := json.Marshal(c)
	return base64.RawURLEncoding.EncodeToString(b)
}

// ParseCursor decodes a token produced by Encode. Every failure wraps
// ErrInvalidCursor.
func ParseCursor(token string) (Cursor, error) {
	b, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return Cursor{}, errors.Join(ErrInvalidCursor, err)
	}

	var c Cursor
	if err := json.Unmarshal(b, &c); err != nil {
		return Cursor{}, errors.Join(ErrInvalidCursor, err)
	}
	if c.ID == "" || c.At.IsZero() {
		return Cursor{}, ErrInvalidCursor
	}
	return c, nil
}

// BuildCursorPageInfo trims data to limit and reports whether a further page
// exists. data is expected to hold up to limit+1 rows.
func BuildCursorPageInfo[T any](data []*T, limit int, extractCursor func(*T) Cursor) ([]*T, *PageInfo) {
	if len(data) <= limit {
		return data, &PageInfo{}
	}

	data = data[:limit]
	return data, &PageInfo{
		HasMore:    true,
		NextCursor: extractCursor(data[len(data)-1]).Encode(),
	}
}
