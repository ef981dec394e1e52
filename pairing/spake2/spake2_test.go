package spake2

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestExchangeDerivesMatchingSharedSecret(t *testing.T) {
	code := []byte("123456")

	client, err := New(code, true)
	require.NoError(t, err)
	device, err := New(code, false)
	require.NoError(t, err)

	clientMsg := client.Message()
	deviceMsg := device.Message()

	clientK, err := client.Finish(deviceMsg)
	require.NoError(t, err)
	deviceK, err := device.Finish(clientMsg)
	require.NoError(t, err)

	require.Equal(t, clientK, deviceK)
	require.Len(t, clientK, 32)
}

func TestExchangeMismatchedPasswordsDeriveDifferentSecrets(t *testing.T) {
	client, err := New([]byte("123456"), true)
	require.NoError(t, err)
	device, err := New([]byte("654321"), false)
	require.NoError(t, err)

	clientK, err := client.Finish(device.Message())
	require.NoError(t, err)
	deviceK, err := device.Finish(client.Message())
	require.NoError(t, err)

	require.False(t, bytes.Equal(clientK, deviceK))
}

func TestFinishRejectsMalformedPeerShare(t *testing.T) {
	client, err := New([]byte("123456"), true)
	require.NoError(t, err)

	_, err = client.Finish([]byte{0x01, 0x02, 0x03})
	require.Error(t, err)
}
