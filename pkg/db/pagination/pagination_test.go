package pagination

import (
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCursorRoundTrip(t *testing.T) {
	token, err := EncodeCursor(Cursor{ID: "1234567890"})
	require.NoError(t, err)

	cursor, err := DecodeCursor(token)
	require.NoError(t, err)
	assert.Equal(t, "1234567890", cursor.ID)
}

func TestDecodeCursorRejectsGarbage(t *testing.T) {
	_, err := DecodeCursor("%%%")
	assert.Error(t, err)

	// Valid base64, invalid payload.
	_, err = DecodeCursor("bm90IGpzb24=")
	assert.Error(t, err)
}

func TestLimitClamped(t *testing.T) {
	assert.Equal(t, defaultPageSize, Pagination{}.Limit())
	assert.Equal(t, defaultPageSize, Pagination{PageSize: -1}.Limit())
	assert.Equal(t, 25, Pagination{PageSize: 25}.Limit())
	assert.Equal(t, maxPageSize, Pagination{PageSize: 10000}.Limit())
}

func TestBuildPage(t *testing.T) {
	cursorOf := func(n int) Cursor { return Cursor{ID: strconv.Itoa(n)} }

	rows, info, err := BuildPage([]int{5, 4, 3}, 2, cursorOf)
	require.NoError(t, err)
	assert.Equal(t, []int{5, 4}, rows)
	assert.True(t, info.HasMore)
	cursor, err := DecodeCursor(info.NextPageToken)
	require.NoError(t, err)
	assert.Equal(t, "4", cursor.ID)

	rows, info, err = BuildPage([]int{3}, 2, cursorOf)
	require.NoError(t, err)
	assert.Equal(t, []int{3}, rows)
	assert.False(t, info.HasMore)
	assert.Empty(t, info.NextPageToken)
}
