package resp

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jassi-singh/aether-kv/internal/altstore"
)

func startTestServer(t *testing.T) string {
	t.Helper()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	server := NewServer(listener, altstore.New())
	go server.Serve()
	t.Cleanup(func() { server.Close() })

	return listener.Addr().String()
}

func TestClientServer_SetGetDel(t *testing.T) {
	t.Parallel()

	addr := startTestServer(t)

	client, err := Connect(addr)
	require.NoError(t, err)
	defer client.Close()

	require.NoError(t, client.Set("key", "value"))

	got, ok, err := client.Get("key")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("value"), got)

	n, err := client.Del("key")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, ok, err = client.Get("key")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestClientServer_MultipleConnections(t *testing.T) {
	t.Parallel()

	addr := startTestServer(t)

	writer, err := Connect(addr)
	require.NoError(t, err)
	defer writer.Close()
	require.NoError(t, writer.Set("shared", "visible"))

	reader, err := Connect(addr)
	require.NoError(t, err)
	defer reader.Close()

	got, ok, err := reader.Get("shared")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("visible"), got)
}

func TestClientServer_DelMultipleKeys(t *testing.T) {
	t.Parallel()

	addr := startTestServer(t)
	client, err := Connect(addr)
	require.NoError(t, err)
	defer client.Close()

	require.NoError(t, client.Set("a", "1"))
	require.NoError(t, client.Set("b", "2"))

	n, err := client.Del("a", "b", "missing")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestServer_CloseStopsAcceptingConnections(t *testing.T) {
	t.Parallel()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	server := NewServer(listener, altstore.New())
	go server.Serve()

	require.NoError(t, server.Close())

	_, err = net.Dial("tcp", listener.Addr().String())
	assert.Error(t, err, "no new connections should be accepted once the server is closed")
}
