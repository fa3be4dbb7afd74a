package tcplisten

import (
	"context"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcceptOneThenRejectsExtraConnections(t *testing.T) {
	ln, err := Listen()
	require.NoError(t, err)
	defer ln.Close()

	addr := fmt.Sprintf("127.0.0.1:%d", Port)

	first, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer first.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	conn, err := ln.AcceptOne(ctx)
	require.NoError(t, err)
	defer conn.Close()

	second, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer second.Close()

	second.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 1)
	_, err = second.Read(buf)
	assert.Error(t, err, "rejectExtra should close any connection after the first")
}

func TestAcceptOneTimesOutWithoutConnection(t *testing.T) {
	ln, err := Listen()
	require.NoError(t, err)
	defer ln.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err = ln.AcceptOne(ctx)
	assert.ErrorIs(t, err, ErrAcceptTimeout)
}
