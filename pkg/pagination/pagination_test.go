package pagination

import (
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

func TestParse(t *testing.T) {
	gin.SetMode(gin.TestMode)
	tests := []struct {
		query string
		want  Params
	}{
		{query: "", want: Params{Page: 1, Limit: 20, Offset: 0}},
		{query: "?page=3&limit=10", want: Params{Page: 3, Limit: 10, Offset: 20}},
		{query: "?page=-1&limit=0", want: Params{Page: 1, Limit: 20, Offset: 0}},
		{query: "?page=abc&limit=500", want: Params{Page: 1, Limit: 100, Offset: 0}},
	}
	for _, tt := range tests {
		c, _ := gin.CreateTestContext(httptest.NewRecorder())
		c.Request = httptest.NewRequest("GET", "/"+tt.query, nil)
		assert.Equal(t, tt.want, Parse(c), tt.query)
	}
}

func TestWrap(t *testing.T) {
	p := New(2, 10)

	out := p.Wrap("requests", []string{"a"}, 21)

	assert.Equal(t, []string{"a"}, out["requests"])
	assert.EqualValues(t, 21, out["total"])
	assert.Equal(t, 3, out["total_pages"])
	assert.Equal(t, 0, p.TotalPages(0))
}
