package ports

import (
	"fmt"
	"net"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestChooseEphemeral(t *testing.T) {
	t.Parallel()

	port, err := ChooseEphemeral()
	require.NoError(t, err)
	require.Greater(t, port, 0)
	require.LessOrEqual(t, port, 65535)
}

func TestChosenPortIsBindable(t *testing.T) {
	t.Parallel()

	// The allocator must hand out ports that are actually free: bind each
	// one immediately and tolerate only a tiny failure rate from races
	// with other processes.
	const draws = 200
	failures := 0
	for i := 0; i < draws; i++ {
		port, err := ChooseEphemeral()
		require.NoError(t, err)
		listener, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
		if err != nil {
			failures++
			continue
		}
		listener.Close()
	}
	require.LessOrEqual(t, failures, draws/100)
}
