package client_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raphaelgruber/trainwatch/internal/board"
	"github.com/raphaelgruber/trainwatch/internal/client"
	"github.com/raphaelgruber/trainwatch/internal/events"
)

func startBoard(t *testing.T) (string, *client.Client) {
	t.Helper()
	root := t.TempDir()
	s := board.New(root, slog.New(slog.NewTextHandler(io.Discard, nil)), board.WithPollInterval(10*time.Millisecond))
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return root, client.New(ts.URL + "/")
}

func TestClient_ListRunsAndEvents(t *testing.T) {
	root, c := startBoard(t)
	w, err := events.Create(filepath.Join(root, "eyes_run_1"), "eyes", 1)
	require.NoError(t, err)
	defer w.Close()
	require.NoError(t, w.Start())
	require.NoError(t, w.Epoch(0, events.Metrics{Loss: 0.3}))

	ctx := context.Background()
	runs, err := c.ListRuns(ctx)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "eyes_run_1", runs[0].Name)
	assert.Equal(t, board.StatusRunning, runs[0].Status)

	evs, err := c.Events(ctx, "eyes_run_1")
	require.NoError(t, err)
	assert.Len(t, evs, 2)

	_, err = c.Events(ctx, "nope_run_1")
	assert.ErrorIs(t, err, client.ErrNotFound)
}

func TestClient_TailUntilEnd(t *testing.T) {
	root, c := startBoard(t)
	w, err := events.Create(filepath.Join(root, "eyes_run_1"), "eyes", 2)
	require.NoError(t, err)
	defer w.Close()
	require.NoError(t, w.Start())

	go func() {
		time.Sleep(50 * time.Millisecond)
		_ = w.Epoch(0, events.Metrics{Loss: 0.5})
		_ = w.Epoch(1, events.Metrics{Loss: 0.4})
		_ = w.End(nil)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var kinds []events.Kind
	err = c.Tail(ctx, "eyes_run_1", func(e events.Event) error {
		kinds = append(kinds, e.Kind)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []events.Kind{events.KindStart, events.KindEpoch, events.KindEpoch, events.KindEnd}, kinds)
}

func TestClient_TailCallbackStops(t *testing.T) {
	root, c := startBoard(t)
	w, err := events.Create(filepath.Join(root, "eyes_run_1"), "eyes", 2)
	require.NoError(t, err)
	defer w.Close()
	require.NoError(t, w.Start())

	stop := errors.New("stop")
	err = c.Tail(context.Background(), "eyes_run_1", func(events.Event) error { return stop })
	assert.ErrorIs(t, err, stop)
}

func TestClient_TailUnknownRun(t *testing.T) {
	_, c := startBoard(t)
	err := c.Tail(context.Background(), "ghost_run_1", func(events.Event) error { return nil })
	assert.ErrorIs(t, err, client.ErrNotFound)
}

func TestClient_TailCancelled(t *testing.T) {
	root, c := startBoard(t)
	w, err := events.Create(filepath.Join(root, "eyes_run_1"), "eyes", 2)
	require.NoError(t, err)
	defer w.Close()
	require.NoError(t, w.Start())

	ctx, cancel := context.WithCancel(context.Background())
	err = c.Tail(ctx, "eyes_run_1", func(events.Event) error {
		cancel()
		return nil
	})
	assert.ErrorIs(t, err, context.Canceled)
}
