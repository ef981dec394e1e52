package goadb

import (
	"context"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/gosuda/goadb/adberr"
	"github.com/gosuda/goadb/wire"
	"github.com/stretchr/testify/require"
)

func TestNewIdentityProducesUsableKey(t *testing.T) {
	key, err := NewIdentity("test@host")
	require.NoError(t, err)
	require.Equal(t, "test@host", key.Name)

	blob, err := key.Marshal()
	require.NoError(t, err)
	require.NotEmpty(t, blob)
}

func TestIsKindMatchesWrappedError(t *testing.T) {
	err := fmt.Errorf("dial: %w", adberr.New(adberr.KindTimeout, "deadline exceeded", nil))
	require.True(t, IsKind(err, KindTimeout))
	require.False(t, IsKind(err, KindAuth))
}

func TestDialCompletesNoAuthHandshake(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	go func() {
		nc, acceptErr := ln.Accept()
		if acceptErr != nil {
			return
		}
		defer nc.Close()
		cnxn, decErr := wire.Decode(nc, wire.VersionNoChecksum, wire.DefaultMaxPayload)
		if decErr != nil || cnxn.Command != wire.CNXN {
			return
		}
		reply := wire.Message{
			Command: wire.CNXN,
			Arg0:    wire.VersionNoChecksum,
			Arg1:    wire.DefaultMaxPayload,
			Payload: []byte("device::features=shell_v2\x00"),
		}
		_ = wire.Encode(nc, wire.VersionNoChecksum, reply)
	}()

	key, err := NewIdentity("test@host")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	c, err := Dial(ctx, ln.Addr().String(), ConnectOptions{Keys: []*Identity{key}})
	require.NoError(t, err)
	defer c.Close()
}
