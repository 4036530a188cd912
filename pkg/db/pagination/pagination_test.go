package pagination

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type row struct {
	id string
	at time.Time
}

func TestCursorRoundTrip(t *testing.T) {
	at := time.Date(2026, 3, 4, 10, 0, 0, 123456789, time.FixedZone("CST", -6*3600))
	c := NewCursor(at, "42")

	got, err := ParseCursor(c.Encode())
	require.NoError(t, err)
	require.Equal(t, "42", got.ID)
	require.True(t, at.Equal(got.At))
	require.Equal(t, time.UTC, got.At.Location())
}

func TestParseCursorRejectsGarbage(t *testing.T) {
	for _, token := range []string{"!!!", "bm90LWpzb24", NewCursor(time.Now(), "").Encode(), Cursor{ID: "1"}.Encode()} {
		_, err := ParseCursor(token)
		require.ErrorIs(t, err, ErrInvalidCursor, token)
	}
}

func TestBuildCursorPageInfo(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	rows := []*row{{"3", base.Add(3)}, {"2", base.Add(2)}, {"1", base.Add(1)}}
	extract := func(r *row) Cursor { return NewCursor(r.at, r.id) }

	page, info := BuildCursorPageInfo(rows, 2, extract)
	require.Len(t, page, 2)
	require.True(t, info.HasMore)

	c, err := ParseCursor(info.NextCursor)
	require.NoError(t, err)
	require.Equal(t, "2", c.ID)

	page, info = BuildCursorPageInfo(rows, 3, extract)
	require.Len(t, page, 3)
	require.False(t, info.HasMore)
	require.Empty(t, info.NextCursor)

	page, info = BuildCursorPageInfo([]*row{}, 3, extract)
	require.Empty(t, page)
	require.False(t, info.HasMore)
}
