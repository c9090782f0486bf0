package comm_test

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sdss/lvmscp/comm"
)

func tcpEchoServer(t *testing.T) string {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() { io.Copy(conn, conn) }()
		}
	}()
	return ln.Addr().String()
}

func TestQueryEcho(t *testing.T) {
	rd := comm.NewRemoteDevice(tcpEchoServer(t))
	defer rd.Close()
	ctx := context.Background()

	resp, err := rd.Query(ctx, []byte("RD?"))
	require.NoError(t, err)
	assert.Equal(t, "RD?", string(resp))

	resp, err = rd.Query(ctx, []byte("again"))
	require.NoError(t, err)
	assert.Equal(t, "again", string(resp))
}

func TestLines(t *testing.T) {
	rd := comm.NewRemoteDevice(tcpEchoServer(t))
	defer rd.Close()
	lines, err := rd.Lines(context.Background(), []byte(" one "), 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"one"}, lines)
}

func TestNotConnected(t *testing.T) {
	rd := comm.NewRemoteDevice("127.0.0.1:1")
	assert.ErrorIs(t, rd.Send([]byte("x")), comm.ErrNotConnected)
	_, err := rd.Recv()
	assert.ErrorIs(t, err, comm.ErrNotConnected)
}

func TestOpenRefusedGivesUp(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()

	rd := comm.NewRemoteDevice(addr)
	rd.Timeout = 100 * time.Millisecond
	start := time.Now()
	err = rd.Open()
	assert.Error(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestQueryCancelled(t *testing.T) {
	rd := comm.NewRemoteDevice(tcpEchoServer(t))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := rd.Query(ctx, []byte("x"))
	assert.ErrorIs(t, err, context.Canceled)
}
