package server

import (
	"context"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestServe_GracefulShutdown(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	srv := &http.Server{
		Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = io.WriteString(w, "OK")
		}),
		ReadHeaderTimeout: time.Second,
	}

	hookCalled := false
	hooks := &ShutdownHooks{}
	hooks.AddContext("hook", func(ctx context.Context) error {
		hookCalled = true
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- Serve(ctx, srv, listener, time.Second, hooks)
	}()

	resp, err := http.Get("http://" + listener.Addr().String())
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, "OK", string(body))

	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}

	assert.True(t, hookCalled, "shutdown hooks should run")
}

func TestServe_ListenerFailure(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	require.NoError(t, listener.Close())

	srv := &http.Server{ReadHeaderTimeout: time.Second}

	err = Serve(context.Background(), srv, listener, time.Second, nil)
	require.ErrorContains(t, err, "server stopped unexpectedly")
}
