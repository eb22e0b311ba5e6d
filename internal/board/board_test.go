package board_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raphaelgruber/trainwatch/internal/board"
	"github.com/raphaelgruber/trainwatch/internal/events"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// writeRun records a run with the given epoch losses. A nil outcome leaves
// the run open; the writer is returned so tests can keep appending.
func writeRun(t *testing.T, root, name string, total int, losses []float64, outcome *error) *events.Writer {
	t.Helper()
	w, err := events.Create(filepath.Join(root, name), strings.Split(name, "_run_")[0], total)
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.Close() })

	require.NoError(t, w.Start())
	for i, l := range losses {
		require.NoError(t, w.Epoch(i, events.Metrics{Loss: l, Accuracy: 1 - l, ValLoss: l + 0.1, ValAccuracy: 0.9 - l}))
	}
	if outcome != nil {
		require.NoError(t, w.End(*outcome))
	}
	return w
}

func newTestServer(t *testing.T, root string) *httptest.Server {
	t.Helper()
	s := board.New(root, testLogger(), board.WithPollInterval(10*time.Millisecond))
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func getJSON(t *testing.T, url string, v any) int {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	if v != nil && resp.StatusCode == http.StatusOK {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
	}
	return resp.StatusCode
}

func TestScanRuns(t *testing.T) {
	root := t.TempDir()
	var ok error
	failed := errors.New("empty directory")
	writeRun(t, root, "eyes_run_1", 2, []float64{0.5, 0.3}, &ok)
	writeRun(t, root, "eyes_run_2", 3, []float64{0.6}, nil)
	writeRun(t, root, "faces_run_1", 5, nil, &failed)
	require.NoError(t, os.MkdirAll(filepath.Join(root, "empty_run_1"), 0o755))

	runs, err := board.ScanRuns(root)
	require.NoError(t, err)
	require.Len(t, runs, 3, "directories without events are skipped")

	byName := map[string]board.RunSummary{}
	for _, r := range runs {
		byName[r.Name] = r
	}

	done := byName["eyes_run_1"]
	assert.Equal(t, board.StatusCompleted, done.Status)
	assert.Equal(t, "eyes", done.Run)
	assert.Equal(t, 2, done.Epoch)
	require.NotNil(t, done.Metrics)
	assert.InDelta(t, 0.3, done.Metrics.Loss, 1e-9)

	live := byName["eyes_run_2"]
	assert.Equal(t, board.StatusRunning, live.Status)
	assert.Equal(t, 1, live.Epoch)
	assert.Equal(t, 3, live.TotalEpochs)

	bad := byName["faces_run_1"]
	assert.Equal(t, board.StatusFailed, bad.Status)
	assert.Equal(t, "empty directory", bad.Error)
	assert.Nil(t, bad.Metrics)
}

func TestScanRuns_MissingRoot(t *testing.T) {
	runs, err := board.ScanRuns(filepath.Join(t.TempDir(), "nope"))
	require.NoError(t, err)
	assert.Empty(t, runs)
}

func TestScanRuns_CorruptFile(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, "broken_run_1")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, events.FileName), []byte("{oops\n"), 0o644))

	runs, err := board.ScanRuns(root)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, board.StatusCorrupt, runs[0].Status)
	assert.NotEmpty(t, runs[0].Error)
}

func TestHandler_Health(t *testing.T) {
	ts := newTestServer(t, t.TempDir())

	var body map[string]string
	assert.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/health", &body))
	assert.Equal(t, "ok", body["status"])
}

func TestHandler_ListRuns(t *testing.T) {
	root := t.TempDir()
	var ok error
	writeRun(t, root, "eyes_run_1", 1, []float64{0.4}, &ok)
	ts := newTestServer(t, root)

	var runs []board.RunSummary
	require.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/api/runs", &runs))
	require.Len(t, runs, 1)
	assert.Equal(t, "eyes_run_1", runs[0].Name)
	assert.Equal(t, board.StatusCompleted, runs[0].Status)
}

func TestHandler_RunEvents(t *testing.T) {
	root := t.TempDir()
	writeRun(t, root, "eyes_run_1", 2, []float64{0.4}, nil)
	ts := newTestServer(t, root)

	var evs []events.Event
	require.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/api/runs/eyes_run_1/events", &evs))
	require.Len(t, evs, 2)
	assert.Equal(t, events.KindStart, evs[0].Kind)
	assert.Equal(t, events.KindEpoch, evs[1].Kind)

	assert.Equal(t, http.StatusNotFound, getJSON(t, ts.URL+"/api/runs/missing_run_1/events", nil))
}

func TestHandler_Metrics(t *testing.T) {
	root := t.TempDir()
	var ok error
	writeRun(t, root, "eyes_run_1", 2, []float64{0.5, 0.25}, &ok)
	ts := newTestServer(t, root)

	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	text := string(body)
	assert.Contains(t, text, `trainwatch_epoch{run="eyes_run_1"} 2`)
	assert.Contains(t, text, `trainwatch_epoch_loss{run="eyes_run_1"} 0.25`)
	assert.Contains(t, text, `trainwatch_run_finished{run="eyes_run_1"} 1`)
}

func TestHandler_TailFollowsUntilEnd(t *testing.T) {
	root := t.TempDir()
	w := writeRun(t, root, "eyes_run_1", 2, []float64{0.5}, nil)
	ts := newTestServer(t, root)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/runs/eyes_run_1"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))

	var e events.Event
	require.NoError(t, conn.ReadJSON(&e))
	assert.Equal(t, events.KindStart, e.Kind)
	require.NoError(t, conn.ReadJSON(&e))
	assert.Equal(t, events.KindEpoch, e.Kind)
	assert.Equal(t, 0, e.Epoch)

	// events appended after the client connected are streamed too
	require.NoError(t, w.Epoch(1, events.Metrics{Loss: 0.2}))
	require.NoError(t, w.End(nil))

	require.NoError(t, conn.ReadJSON(&e))
	assert.Equal(t, 1, e.Epoch)
	require.NoError(t, conn.ReadJSON(&e))
	assert.Equal(t, events.KindEnd, e.Kind)

	_, _, err = conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)
}

func TestHandler_TailUnknownRun(t *testing.T) {
	ts := newTestServer(t, t.TempDir())

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/runs/ghost_run_1"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestServe_StopsOnCancel(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- board.New(t.TempDir(), testLogger()).Serve(ctx, ln) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + ln.Addr().String() + "/health")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}
