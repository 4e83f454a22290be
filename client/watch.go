package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/pravado/playbook/event"
	"github.com/pravado/playbook/id"
)

// Watch is a live subscription to one run's lifecycle events, carried
// over a WebSocket. Events arrive on C until the run's stream ends or
// Close is called; Err reports why the stream stopped.
type Watch struct {
	conn   net.Conn
	ch     chan *event.Event
	closed atomic.Bool

	mu  sync.Mutex
	err error
}

// Watch opens an event stream for the given run.
func (c *Client) Watch(ctx context.Context, runID id.RunID) (*Watch, error) {
	wsURL, err := c.wsURL("/v1/runs/" + runID.String() + "/ws")
	if err != nil {
		return nil, err
	}
	conn, _, _, err := ws.Dial(ctx, wsURL)
	if err != nil {
		return nil, fmt.Errorf("client: dial %s: %w", wsURL, err)
	}

	w := &Watch{
		conn: conn,
		ch:   make(chan *event.Event, 64),
	}
	go w.readLoop(c)
	return w, nil
}

func (c *Client) wsURL(path string) (string, error) {
	switch {
	case strings.HasPrefix(c.baseURL, "https://"):
		return "wss://" + strings.TrimPrefix(c.baseURL, "https://") + path, nil
	case strings.HasPrefix(c.baseURL, "http://"):
		return "ws://" + strings.TrimPrefix(c.baseURL, "http://") + path, nil
	default:
		return "", fmt.Errorf("client: cannot derive websocket url from %q", c.baseURL)
	}
}

// C returns the event channel. It is closed when the stream ends.
func (w *Watch) C() <-chan *event.Event { return w.ch }

// Err returns the error that terminated the stream, if any. Streams
// ended by Close report nil.
func (w *Watch) Err() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.err
}

// Close tears down the connection. Safe to call more than once.
func (w *Watch) Close() error {
	if !w.closed.CompareAndSwap(false, true) {
		return nil
	}
	return w.conn.Close()
}

func (w *Watch) readLoop(c *Client) {
	defer close(w.ch)
	for {
		data, err := wsutil.ReadServerText(w.conn)
		if err != nil {
			if !w.closed.Load() {
				w.mu.Lock()
				w.err = err
				w.mu.Unlock()
				_ = w.conn.Close()
			}
			return
		}
		var evt event.Event
		if err := json.Unmarshal(data, &evt); err != nil {
			c.logger.Warn("drop undecodable event frame", "error", err)
			continue
		}
		select {
		case w.ch <- &evt:
		default:
			c.logger.Warn("drop event, watch buffer full", "type", evt.Type)
		}
	}
}
