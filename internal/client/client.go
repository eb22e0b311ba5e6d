// Package client talks to a running trainwatch board.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/raphaelgruber/trainwatch/internal/board"
	"github.com/raphaelgruber/trainwatch/internal/events"
)

// ErrNotFound is returned when the board does not know the requested run.
var ErrNotFound = errors.New("run not found")

// Client is an HTTP and websocket client for the board.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// New creates a board client.
// If baseURL is empty, uses TRAINWATCH_BOARD_URL env var or defaults to localhost:6006.
func New(baseURL string) *Client {
	if baseURL == "" {
		baseURL = os.Getenv("TRAINWATCH_BOARD_URL")
	}
	if baseURL == "" {
		baseURL = "http://localhost:6006"
	}

	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// ListRuns returns the board's run summaries, most recent first.
func (c *Client) ListRuns(ctx context.Context) ([]board.RunSummary, error) {
	var runs []board.RunSummary
	if err := c.get(ctx, "/api/runs", &runs); err != nil {
		return nil, err
	}
	return runs, nil
}

// Events returns every event recorded so far for a run directory.
func (c *Client) Events(ctx context.Context, run string) ([]events.Event, error) {
	var evs []events.Event
	if err := c.get(ctx, "/api/runs/"+url.PathEscape(run)+"/events", &evs); err != nil {
		return nil, err
	}
	return evs, nil
}

func (c *Client) get(ctx context.Context, path string, result any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%w: %s", ErrNotFound, path)
	case resp.StatusCode != http.StatusOK:
		return fmt.Errorf("board error: %s - %s", resp.Status, strings.TrimSpace(string(body)))
	}

	if err := json.Unmarshal(body, result); err != nil {
		return fmt.Errorf("unmarshal response: %w", err)
	}
	return nil
}

// Tail follows a run's events over a websocket, from the first event on.
// onEvent is invoked for each event; return an error from it to stop.
// Tail returns nil once the board closes the stream after the end event.
func (c *Client) Tail(ctx context.Context, run string, onEvent func(events.Event) error) error {
	wsURL := c.baseURL
	wsURL = strings.Replace(wsURL, "http://", "ws://", 1)
	wsURL = strings.Replace(wsURL, "https://", "wss://", 1)

	u, err := url.Parse(wsURL + "/ws/runs/" + url.PathEscape(run))
	if err != nil {
		return fmt.Errorf("parse endpoint: %w", err)
	}

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, resp, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusNotFound {
			return fmt.Errorf("%w: %s", ErrNotFound, run)
		}
		return fmt.Errorf("websocket connect: %w", err)
	}

	var mu sync.Mutex
	closed := false
	closeConn := func() {
		mu.Lock()
		defer mu.Unlock()
		if !closed {
			closed = true
			conn.Close()
		}
	}
	defer closeConn()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			closeConn()
		case <-done:
		}
	}()

	sawEnd := false
	for {
		var e events.Event
		if err := conn.ReadJSON(&e); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) && sawEnd {
				return nil
			}
			return fmt.Errorf("read event: %w", err)
		}

		if err := onEvent(e); err != nil {
			return err
		}
		if e.Kind == events.KindEnd {
			sawEnd = true
		}
	}
}
