package output

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJSON(t *testing.T) {
	var b bytes.Buffer
	require.NoError(t, JSON(&b, map[string]int{"count": 3}))
	assert.Equal(t, "{\n  \"count\": 3\n}\n", b.String())
}

func TestDuration(t *testing.T) {
	assert.Equal(t, "250ms", Duration(250*time.Millisecond))
	assert.Equal(t, "12.5s", Duration(12500*time.Millisecond))
	assert.Equal(t, "2m5s", Duration(125*time.Second))
}

func TestHumanFormats(t *testing.T) {
	assert.Equal(t, "1,234,567", Count(1234567))
	assert.Equal(t, "2.0 kB", Bytes(2000))
	assert.Equal(t, "0 B", Bytes(-5))
	assert.Equal(t, "-", Time(time.Time{}))
}
