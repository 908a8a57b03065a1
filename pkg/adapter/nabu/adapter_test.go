package nabu

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nabunetwork/nabud/pkg/image"
	proto "github.com/nabunetwork/nabud/pkg/protocol/nabu"
)

// freePort grabs an ephemeral port from the OS and releases it for the
// adapter to claim.
func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())
	return port
}

func startAdapter(t *testing.T, cfg Config, channels ...*image.Channel) (*Adapter, context.CancelFunc) {
	t.Helper()

	table, err := image.NewTable(channels)
	require.NoError(t, err)
	loader := image.NewLoader(table, 0)

	a := New(cfg, loader, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Serve(ctx) }()

	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(10 * time.Second):
			t.Fatal("adapter did not shut down")
		}
	})
	return a, cancel
}

func TestAdapterServesTCPClients(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "menu.nabu"), []byte("boot menu"), 0o644))
	chn := &image.Channel{Name: "main", Number: 1, Type: image.TypeRaw, Source: dir, DefaultFile: "menu.nabu"}

	port := freePort(t)
	a, _ := startAdapter(t, Config{
		TCP: []TCPListenerConfig{{Port: port, Channel: 1}},
	}, chn)

	var client net.Conn
	require.Eventually(t, func() bool {
		c, err := net.DialTimeout("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)), time.Second)
		if err != nil {
			return false
		}
		client = c
		return true
	}, 5*time.Second, 20*time.Millisecond)
	defer client.Close()

	// The listener plus the accepted session both live in the
	// registry.
	require.Eventually(t, func() bool {
		return a.Registry().Count() == 2
	}, 5*time.Second, 10*time.Millisecond)

	// The accepted session inherited the listener's channel.
	var kinds []Kind
	var channelSeen bool
	a.Registry().Enumerate(func(c *Conn) bool {
		kinds = append(kinds, c.Kind())
		if c.Kind() == KindTCP && c.Channel() != nil && c.Channel().Number == 1 {
			channelSeen = true
			assert.Equal(t, "menu.nabu", c.SelectedFile())
		}
		return true
	})
	assert.Contains(t, kinds, KindListener)
	assert.Contains(t, kinds, KindTCP)
	assert.True(t, channelSeen)

	// The session speaks the protocol.
	require.NoError(t, client.SetDeadline(time.Now().Add(5*time.Second)))
	_, err := client.Write([]byte{proto.MsgReset})
	require.NoError(t, err)
	reply := make([]byte, 3)
	for off := 0; off < len(reply); {
		n, err := client.Read(reply[off:])
		require.NoError(t, err)
		off += n
	}
	assert.Equal(t, []byte{0x10, 0x06, 0xE4}, reply)

	// A client disconnect destroys only its own connection.
	require.NoError(t, client.Close())
	require.Eventually(t, func() bool {
		return a.Registry().Count() == 1
	}, 5*time.Second, 10*time.Millisecond)
}

func TestAdapterRefusesEmptyBringUp(t *testing.T) {
	table, err := image.NewTable(nil)
	require.NoError(t, err)
	a := New(Config{}, image.NewLoader(table, 0), nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	assert.Error(t, a.Serve(ctx))
}

func TestAdapterStopIsIdempotent(t *testing.T) {
	port := freePort(t)
	a, _ := startAdapter(t, Config{
		TCP: []TCPListenerConfig{{Port: port}},
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	assert.NoError(t, a.Stop(ctx))
	assert.NoError(t, a.Stop(ctx))
}
