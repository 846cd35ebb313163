package pdu

import (
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTimedConn_ReadDeadline(t *testing.T) {
	local, remote := net.Pipe()
	defer local.Close()
	defer remote.Close()

	conn := NewTimedConn(local, 50*time.Millisecond, 0)

	start := time.Now()
	_, err := conn.Read(make([]byte, 1))
	var netErr net.Error
	require.True(t, errors.As(err, &netErr), "got %v", err)
	assert.True(t, netErr.Timeout())
	assert.Less(t, time.Since(start), time.Second)
}

func TestTimedConn_DeadlineMovesForward(t *testing.T) {
	local, remote := net.Pipe()
	defer local.Close()
	defer remote.Close()

	conn := NewTimedConn(local, 100*time.Millisecond, time.Second)
	go func() {
		for i := 0; i < 3; i++ {
			time.Sleep(60 * time.Millisecond)
			_, _ = remote.Write(EncodeReleaseRQ())
		}
	}()

	// each read waits less than the timeout but together they exceed it
	for i := 0; i < 3; i++ {
		p, err := ReadPDU(conn, 0)
		require.NoError(t, err)
		assert.Equal(t, byte(TypeReleaseRQ), p.Type)
	}
}
