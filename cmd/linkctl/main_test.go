package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/hostlink/internal/dispatch"
	"github.com/danmuck/hostlink/internal/protocol"
	"github.com/danmuck/hostlink/internal/transport/socket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs(args)
	err := rootCmd.ExecuteContext(context.Background())
	return out.String(), err
}

func serve(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("", "linkctl")
	require.NoError(t, err)
	path := filepath.Join(dir, "s")

	a := socket.New(socket.Config{Path: path})
	require.NoError(t, a.Init())
	d := dispatch.NewDefault(a, nil)

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for ctx.Err() == nil {
			_, _ = a.Process()
			for msg, ok := a.ReceiveMessage(); ok; msg, ok = a.ReceiveMessage() {
				_ = d.Dispatch(msg)
			}
			time.Sleep(time.Millisecond)
		}
	}()
	t.Cleanup(func() {
		cancel()
		wg.Wait()
		a.Cleanup()
		_ = os.RemoveAll(dir)
	})
	return path
}

func TestConfigInitAndValidate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hostlink.toml")
	out, err := run(t, "config", "init", "--output", path)
	require.NoError(t, err)
	assert.Contains(t, out, path)

	_, err = run(t, "config", "init", "--output", path)
	assert.Error(t, err, "existing file is kept without --force")

	out, err = run(t, "config", "validate", path)
	require.NoError(t, err)
	assert.Contains(t, out, "transport=socket")
}

func TestVersionAndSendAgainstHost(t *testing.T) {
	path := serve(t)

	out, err := run(t, "--socket", path, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "host protocol version 1")

	out, err = run(t, "--socket", path, "send", "--type", "graphics", "--sub-cmd", "3", "--hex", "0102", "--ack")
	require.NoError(t, err)
	assert.Contains(t, out, "acked graphics bytes=2")

	out, err = run(t, "--socket", path, "init-display", "--width", "64", "--height", "32")
	require.NoError(t, err)
	assert.Contains(t, out, "display 64x32")
}

func TestParseType(t *testing.T) {
	typ, err := parseType(" Audio ")
	require.NoError(t, err)
	assert.Equal(t, protocol.TypeAudio, typ)

	_, err = parseType("video")
	assert.Error(t, err)
}

func TestReadPayload(t *testing.T) {
	b, err := readPayload("de ad", "")
	require.NoError(t, err)
	assert.Equal(t, []byte{0xde, 0xad}, b)

	_, err = readPayload("zz", "")
	assert.Error(t, err)
	_, err = readPayload("00", "x")
	assert.Error(t, err)

	b, err = readPayload("", "")
	require.NoError(t, err)
	assert.Nil(t, b)
}
