package main

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/pester-relay/internal/version"
)

func TestVersionCommand(t *testing.T) {
	cmd := newRootCmd()
	out := &bytes.Buffer{}
	cmd.SetOut(out)
	cmd.SetArgs([]string{"version"})

	require.NoError(t, cmd.Execute())
	assert.Equal(t, "pester-relay version "+version.Get()+"\n", out.String())
}

func TestLoadConfigAppliesFlags(t *testing.T) {
	cfg, err := loadConfig(&serveFlags{
		port:     "127.0.0.1:0",
		tcpPort:  "127.0.0.1:0",
		noTCP:    true,
		logLevel: "debug",
		presence: "retain",
	})
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:0", cfg.Port)
	assert.False(t, cfg.TCPEnabled)
	assert.Equal(t, "debug", cfg.Logger.Level)
	assert.Equal(t, "retain", cfg.PresenceMode)
}

func TestLoadConfigRejectsBadPresence(t *testing.T) {
	_, err := loadConfig(&serveFlags{presence: "sometimes"})
	assert.Error(t, err)
}

func TestServeStopsOnContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- serve(ctx, &serveFlags{port: "127.0.0.1:0", tcpPort: "127.0.0.1:0", logLevel: "error"})
	}()

	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(15 * time.Second):
		t.Fatal("serve did not return after cancel")
	}
}
