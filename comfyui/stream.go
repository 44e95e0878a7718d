package comfyui

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"genstudio/logger"

	"github.com/gorilla/websocket"
)

// Stream is an open websocket to the engine. Open it before queueing so no
// event for the prompt is missed.
type Stream struct {
	conn *websocket.Conn
}

// Connect opens the event websocket for this client id.
func (c *Client) Connect(ctx context.Context) (*Stream, error) {
	u, err := url.Parse(c.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid engine url %s: %w", c.BaseURL, err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/ws"
	u.RawQuery = url.Values{"clientId": {c.ClientID}}.Encode()

	conn, _, err := c.Dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("could not open engine websocket: %w", err)
	}
	return &Stream{conn: conn}, nil
}

func (s *Stream) Close() error {
	return s.conn.Close()
}

// Follow reads events until promptID finishes and returns the files its
// output nodes produced. fn, when set, sees every event of the prompt.
func (s *Stream) Follow(ctx context.Context, promptID string, fn func(Event)) ([]OutputFile, error) {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			s.conn.Close()
		case <-done:
		}
	}()

	var files []OutputFile
	for {
		kind, data, err := s.conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return files, ctx.Err()
			}
			return files, fmt.Errorf("engine websocket closed: %w", err)
		}
		// Binary frames carry preview images.
		if kind != websocket.TextMessage {
			continue
		}

		ev, err := decodeEvent(data)
		if err != nil {
			logger.Debug("Skipping undecodable engine message", "error", err)
			continue
		}
		if ev.PromptID != promptID {
			continue
		}
		if fn != nil {
			fn(ev)
		}

		switch ev.Type {
		case EventExecuted:
			files = append(files, ev.Outputs...)
		case EventExecutionError:
			return files, ev.Err
		case EventExecutionSuccess:
			return files, nil
		case EventExecuting:
			// A null node marks the end of the prompt on older engines.
			if ev.Node == "" {
				return files, nil
			}
		}
	}
}

func decodeEvent(data []byte) (Event, error) {
	var msg wsMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return Event{}, err
	}
	ev := Event{Type: msg.Type}
	if len(msg.Data) == 0 {
		return ev, nil
	}

	if msg.Type == EventExecutionError {
		var e ExecutionError
		if err := json.Unmarshal(msg.Data, &e); err != nil {
			return Event{}, err
		}
		ev.PromptID = e.PromptID
		ev.Node = e.NodeID
		ev.Err = &e
		return ev, nil
	}

	var d wsData
	if err := json.Unmarshal(msg.Data, &d); err != nil {
		// status messages carry a different shape and no prompt id
		if msg.Type == EventStatus {
			return ev, nil
		}
		return Event{}, err
	}
	ev.PromptID = d.PromptID
	if d.Node != nil {
		ev.Node = *d.Node
	}
	ev.Value = d.Value
	ev.Max = d.Max
	if len(d.Output) > 0 {
		ev.Outputs = decodeOutputs(d.Output)
	}
	if ev.Type == EventExecuting && d.Node == nil && ev.PromptID == "" {
		return Event{}, errors.New("executing message without prompt id")
	}
	return ev, nil
}
