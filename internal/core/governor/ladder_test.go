package governor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseEvery(t *testing.T) {
	tests := []struct {
		in   string
		want time.Duration
	}{
		{"30s", 30 * time.Second},
		{"5m", 5 * time.Minute},
		{"90m", 90 * time.Minute},
		{"1h", time.Hour},
		{"6h", 6 * time.Hour},
		{"1d", 24 * time.Hour},
		{"0s", 0},
	}
	for _, tt := range tests {
		d, err := ParseEvery(tt.in)
		require.NoError(t, err, "ParseEvery(%q)", tt.in)
		assert.Equal(t, tt.want, d, "ParseEvery(%q)", tt.in)
	}
}

func TestParseEveryRejectsBadInput(t *testing.T) {
	for _, in := range []string{
		"", "disabled", "10", "m5", "5 m", "5m0s", "-5m", "5w", "1.5h",
	} {
		_, err := ParseEvery(in)
		assert.Error(t, err, "ParseEvery(%q) should fail", in)
	}
}

func TestRenderSecs(t *testing.T) {
	tests := []struct {
		secs int64
		want string
	}{
		{300, "5m"},
		{600, "10m"},
		{3600, "1h"},
		{7200, "2h"},
		{86400, "1d"},
		{172800, "2d"},
		{90, "90s"},
		{45, "45s"},
		{0, "5m"},
		{-10, "5m"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, RenderSecs(tt.secs), "RenderSecs(%d)", tt.secs)
	}
}

func TestClampEvery(t *testing.T) {
	assert.Equal(t, "10m", clampEvery("10m", "1h"))
	assert.Equal(t, "1h", clampEvery("1h", "1h"))
	assert.Equal(t, "1h", clampEvery("3h", "1h"))
	assert.Equal(t, "1h", clampEvery("garbage", "1h"))
	assert.Equal(t, "3h", clampEvery("3h", "garbage"))
}
