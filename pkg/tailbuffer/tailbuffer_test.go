package tailbuffer

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestShortWritesRetained(t *testing.T) {
	t.Parallel()

	buf := New(64)
	n, err := buf.Write([]byte("hello "))
	require.NoError(t, err)
	assert.Equal(t, 6, n)
	_, err = buf.Write([]byte("world"))
	require.NoError(t, err)
	assert.Equal(t, "hello world", buf.String())
}

func TestOnlyTailKept(t *testing.T) {
	t.Parallel()

	buf := New(16)
	for i := 0; i < 100; i++ {
		fmt.Fprintf(buf, "line-%02d\n", i)
	}
	tail := buf.String()
	assert.LessOrEqual(t, len(tail), 16)
	assert.Contains(t, tail, "line-99")
}

func TestOversizedWrite(t *testing.T) {
	t.Parallel()

	buf := New(8)
	payload := []byte("0123456789abcdef")
	n, err := buf.Write(payload)
	require.NoError(t, err)
	assert.Equal(t, len(payload), n)
	assert.Equal(t, "89abcdef", buf.String())
}
