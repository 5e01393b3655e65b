package pagination

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalize(t *testing.T) {
	p := &PageParams{Page: 0, PageSize: 5000}
	p.Normalize()
	assert.Equal(t, 1, p.Page)
	assert.Equal(t, MaxPageSize, p.PageSize)
	assert.Equal(t, 0, p.GetOffset())

	p = &PageParams{Page: 3, PageSize: 10}
	p.Normalize()
	assert.Equal(t, 20, p.GetOffset())
	assert.Equal(t, 10, p.GetLimit())
}

func TestNewPageInfo(t *testing.T) {
	info := NewPageInfo(1, 20, 41)
	assert.Equal(t, 3, info.TotalPages)
	assert.True(t, info.HasNext)
	assert.False(t, info.HasPrev)

	info = NewPageInfo(3, 20, 41)
	assert.False(t, info.HasNext)
	assert.True(t, info.HasPrev)
}
