package pairing

import (
	"context"
	"crypto/tls"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/gosuda/goadb/adberr"
	"github.com/gosuda/goadb/identity"
	"github.com/gosuda/goadb/pairing/spake2"
	"github.com/gosuda/goadb/transport"
	"github.com/stretchr/testify/require"
)

func listenLocal(t *testing.T) net.Listener {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })
	return ln
}

// runDevice scripts the device side of the pairing flow: TLS server
// handshake, SPAKE2 exchange keyed by deviceCode, then the AEAD PEER_INFO
// swap. It reports the result on done.
func runDevice(t *testing.T, conn net.Conn, deviceCode string, deviceKey *identity.Key, done chan<- error) {
	t.Helper()

	cfg, err := transport.ClientConfig(deviceKey, tls.VersionTLS13)
	if err != nil {
		done <- err
		return
	}
	serverCfg := &tls.Config{Certificates: cfg.Certificates, MinVersion: tls.VersionTLS13}

	tconn := tls.Server(conn, serverCfg)
	if err := tconn.Handshake(); err != nil {
		done <- err
		return
	}
	defer tconn.Close()

	ex, err := spake2.New([]byte(deviceCode), false)
	if err != nil {
		done <- err
		return
	}

	clientType, clientMsg, err := readPacket(tconn)
	if err != nil {
		done <- err
		return
	}
	if clientType != typeSpake2Msg {
		done <- adberr.New(adberr.KindProtocol, "expected spake2 message packet from client", nil)
		return
	}
	if err := writePacket(tconn, typeSpake2Msg, ex.Message()); err != nil {
		done <- err
		return
	}

	sharedSecret, err := ex.Finish(clientMsg)
	if err != nil {
		done <- err
		return
	}

	km, err := tconn.ConnectionState().ExportKeyingMaterial(tlsExporterLabel, nil, tlsExporterLength)
	if err != nil {
		done <- err
		return
	}
	aesKey, hmacKey, err := deriveKeys(sharedSecret, km)
	if err != nil {
		done <- err
		return
	}
	gcm, err := newGCM(aesKey)
	if err != nil {
		done <- err
		return
	}
	nonce := hmacKey[:nonceSize]

	clientInfoType, clientInfoBody, err := readPacket(tconn)
	if err != nil {
		done <- err
		return
	}
	if clientInfoType != typePeerInfo {
		done <- adberr.New(adberr.KindProtocol, "expected peer_info packet from client", nil)
		return
	}
	if _, err := openWithLeadingTag(gcm, nonce, clientInfoBody); err != nil {
		done <- err
		return
	}

	devicePubLine, err := deviceKey.PublicKeyBase64()
	if err != nil {
		done <- err
		return
	}
	devicePubLine = strings.TrimSuffix(devicePubLine, "\n")

	sealed := sealWithLeadingTag(gcm, nonce, buildPeerInfo(devicePubLine))
	if err := writePacket(tconn, typePeerInfo, sealed); err != nil {
		done <- err
		return
	}
	done <- nil
}

func TestPairSucceedsWithMatchingCode(t *testing.T) {
	ln := listenLocal(t)

	deviceKey, err := identity.Generate("device")
	require.NoError(t, err)
	clientKey, err := identity.Generate("client")
	require.NoError(t, err)

	const code = "123456"

	done := make(chan error, 1)
	go func() {
		conn, acceptErr := ln.Accept()
		if acceptErr != nil {
			done <- acceptErr
			return
		}
		runDevice(t, conn, code, deviceKey, done)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	result, err := Pair(ctx, ln.Addr().String(), code, clientKey, Options{ConnectTimeout: time.Second})
	require.NoError(t, err)
	require.NoError(t, <-done)

	require.Equal(t, "device", result.DeviceName)
	wantBlob, err := deviceKey.Marshal()
	require.NoError(t, err)
	require.Equal(t, wantBlob, result.DevicePublicKeyBlob)
}

func TestPairFailsWithMismatchedCode(t *testing.T) {
	ln := listenLocal(t)

	deviceKey, err := identity.Generate("device")
	require.NoError(t, err)
	clientKey, err := identity.Generate("client")
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		conn, acceptErr := ln.Accept()
		if acceptErr != nil {
			done <- acceptErr
			return
		}
		runDevice(t, conn, "654321", deviceKey, done)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err = Pair(ctx, ln.Addr().String(), "123456", clientKey, Options{ConnectTimeout: time.Second, ReadTimeout: time.Second})
	require.Error(t, err)
	<-done
}
