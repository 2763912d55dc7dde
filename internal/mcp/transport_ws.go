package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// WSTransport implements the MCP WebSocket transport: a single duplex
// connection carrying JSON-RPC messages in text frames.
type WSTransport struct {
	config *ServerConfig
	logger *slog.Logger

	conn    *websocket.Conn
	writeMu sync.Mutex

	pending   map[int64]chan *JSONRPCResponse
	pendingMu sync.Mutex
	events    chan *JSONRPCNotification
	requests  chan *JSONRPCRequest
	nextID    atomic.Int64

	connected atomic.Bool
	stopChan  chan struct{}
	wg        sync.WaitGroup
}

// NewWSTransport creates a new WebSocket transport.
func NewWSTransport(cfg *ServerConfig) *WSTransport {
	return &WSTransport{
		config:   cfg,
		logger:   slog.Default().With("mcp_server", cfg.Name, "transport", "ws"),
		pending:  make(map[int64]chan *JSONRPCResponse),
		events:   make(chan *JSONRPCNotification, 100),
		requests: make(chan *JSONRPCRequest, 100),
		stopChan: make(chan struct{}),
	}
}

// Connect dials the server.
func (t *WSTransport) Connect(ctx context.Context) error {
	if t.config.WSURL == "" {
		return fmt.Errorf("ws_url is required for websocket transport")
	}

	header := http.Header{}
	for k, v := range t.config.Headers {
		header.Set(k, v)
	}

	dialer := websocket.Dialer{HandshakeTimeout: 30 * time.Second}
	conn, resp, err := dialer.DialContext(ctx, t.config.WSURL, header)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("websocket dial: %w (HTTP %d)", err, resp.StatusCode)
		}
		return fmt.Errorf("websocket dial: %w", err)
	}
	t.conn = conn
	t.connected.Store(true)
	t.logger.Info("websocket connected", "url", t.config.WSURL)

	t.wg.Add(1)
	go t.readLoop()

	return nil
}

// Close closes the connection.
func (t *WSTransport) Close() error {
	t.connected.Store(false)
	close(t.stopChan)

	if t.conn != nil {
		t.writeMu.Lock()
		t.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		t.writeMu.Unlock()
		t.conn.Close()
	}

	t.wg.Wait()
	close(t.events)
	close(t.requests)
	return nil
}

func (t *WSTransport) writeJSON(v any) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	return t.conn.WriteJSON(v)
}

// Call sends a request and waits for a response.
func (t *WSTransport) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if !t.connected.Load() {
		return nil, fmt.Errorf("not connected")
	}

	id := t.nextID.Add(1)

	req := JSONRPCRequest{
		JSONRPC: "2.0",
		ID:      id,
		Method:  method,
	}
	if params != nil {
		paramsJSON, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("marshal params: %w", err)
		}
		req.Params = paramsJSON
	}

	respChan := make(chan *JSONRPCResponse, 1)
	t.pendingMu.Lock()
	t.pending[id] = respChan
	t.pendingMu.Unlock()

	defer func() {
		t.pendingMu.Lock()
		delete(t.pending, id)
		t.pendingMu.Unlock()
	}()

	if err := t.writeJSON(req); err != nil {
		return nil, fmt.Errorf("write request: %w", err)
	}

	timeout := t.config.CallTimeout()

	select {
	case resp := <-respChan:
		if resp.Error != nil {
			return nil, fmt.Errorf("MCP error %d: %s", resp.Error.Code, resp.Error.Message)
		}
		return resp.Result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(timeout):
		return nil, fmt.Errorf("request timeout after %v", timeout)
	case <-t.stopChan:
		return nil, fmt.Errorf("transport closed")
	}
}

// Notify sends a notification (no response expected).
func (t *WSTransport) Notify(ctx context.Context, method string, params any) error {
	if !t.connected.Load() {
		return fmt.Errorf("not connected")
	}

	notif := JSONRPCNotification{
		JSONRPC: "2.0",
		Method:  method,
	}
	if params != nil {
		paramsJSON, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("marshal params: %w", err)
		}
		notif.Params = paramsJSON
	}

	if err := t.writeJSON(notif); err != nil {
		return fmt.Errorf("write notification: %w", err)
	}
	return nil
}

// Events returns the notification channel.
func (t *WSTransport) Events() <-chan *JSONRPCNotification {
	return t.events
}

// Requests returns the server-initiated request channel.
func (t *WSTransport) Requests() <-chan *JSONRPCRequest {
	return t.requests
}

// Respond answers a server-initiated request.
func (t *WSTransport) Respond(ctx context.Context, id any, result any, rpcErr *JSONRPCError) error {
	if !t.connected.Load() {
		return fmt.Errorf("not connected")
	}
	resp := JSONRPCResponse{
		JSONRPC: "2.0",
		ID:      id,
		Error:   rpcErr,
	}
	if rpcErr == nil && result != nil {
		data, err := json.Marshal(result)
		if err != nil {
			return fmt.Errorf("marshal result: %w", err)
		}
		resp.Result = data
	}
	if err := t.writeJSON(resp); err != nil {
		return fmt.Errorf("write response: %w", err)
	}
	return nil
}

// Connected returns whether the transport is connected.
func (t *WSTransport) Connected() bool {
	return t.connected.Load()
}

// readLoop reads frames and routes them the same way the stdio
// transport routes lines.
func (t *WSTransport) readLoop() {
	defer t.wg.Done()
	defer t.connected.Store(false)

	for {
		select {
		case <-t.stopChan:
			return
		default:
		}

		_, data, err := t.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				t.logger.Error("websocket read error", "error", err)
			}
			return
		}
		t.dispatch(data)
	}
}

func (t *WSTransport) dispatch(data []byte) {
	var envelope struct {
		JSONRPC string          `json:"jsonrpc"`
		ID      any             `json:"id"`
		Method  string          `json:"method"`
		Params  json.RawMessage `json:"params,omitempty"`
		Result  json.RawMessage `json:"result,omitempty"`
		Error   *JSONRPCError   `json:"error,omitempty"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.logger.Warn("unparseable frame from server", "error", err)
		return
	}

	if envelope.Method != "" && envelope.ID != nil {
		req := &JSONRPCRequest{
			JSONRPC: envelope.JSONRPC,
			ID:      envelope.ID,
			Method:  envelope.Method,
			Params:  envelope.Params,
		}
		select {
		case t.requests <- req:
		default:
			t.logger.Warn("request channel full, dropping")
		}
		return
	}

	if envelope.Method != "" {
		notif := &JSONRPCNotification{
			JSONRPC: envelope.JSONRPC,
			Method:  envelope.Method,
			Params:  envelope.Params,
		}
		select {
		case t.events <- notif:
		default:
			t.logger.Warn("notification channel full, dropping")
		}
		return
	}

	if envelope.ID == nil {
		return
	}
	var id int64
	switch v := envelope.ID.(type) {
	case float64:
		id = int64(v)
	case int64:
		id = v
	case int:
		id = int64(v)
	default:
		t.logger.Warn("unexpected response ID type", "id", envelope.ID)
		return
	}

	resp := &JSONRPCResponse{
		JSONRPC: envelope.JSONRPC,
		ID:      envelope.ID,
		Result:  envelope.Result,
		Error:   envelope.Error,
	}
	t.pendingMu.Lock()
	if ch, ok := t.pending[id]; ok {
		select {
		case ch <- resp:
		default:
		}
		delete(t.pending, id)
	}
	t.pendingMu.Unlock()
}
