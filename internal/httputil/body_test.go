package httputil

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadLimitedBodyWithinLimit(t *testing.T) {
	body, err := ReadLimitedBody(strings.NewReader("hello"), 10)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(body))
}

func TestReadLimitedBodyOversize(t *testing.T) {
	body, err := ReadLimitedBody(strings.NewReader("helloworld"), 5)
	require.ErrorIs(t, err, ErrBodyTooLarge)
	assert.Equal(t, "hello", string(body), "truncated prefix is still returned")
}

func TestReadLimitedBodyUnlimited(t *testing.T) {
	payload := strings.Repeat("x", 4096)
	body, err := ReadLimitedBody(strings.NewReader(payload), 0)
	require.NoError(t, err)
	assert.Len(t, body, 4096)
}
