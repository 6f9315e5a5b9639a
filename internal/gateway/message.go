package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Listener receives live payloads from a conversation channel.
type Listener func(Payload)

// MessageClient talks to the remote message service: REST for sends,
// historical pulls and deletes, a websocket per listened conversation
// for the live channel.
type MessageClient struct {
	baseURL string
	httpc   *http.Client
	dialer  *websocket.Dialer
	logger  *zap.Logger

	mu        sync.Mutex
	listeners map[int]*wsListener
	nextToken int
}

type wsListener struct {
	conn   *websocket.Conn
	cancel context.CancelFunc
	done   chan struct{}
}

// NewMessageClient creates a message service client for the given base URL.
func NewMessageClient(baseURL string, logger *zap.Logger) *MessageClient {
	return &MessageClient{
		baseURL:   strings.TrimRight(baseURL, "/"),
		httpc:     &http.Client{Timeout: defaultTimeout},
		dialer:    websocket.DefaultDialer,
		logger:    logger,
		listeners: make(map[int]*wsListener),
	}
}

// SendMessage dispatches a payload for a recipient under the given
// document id and returns the server-assigned message id.
func (c *MessageClient) SendMessage(ctx context.Context, recipientID, documentID string, p Payload) (string, error) {
	u := fmt.Sprintf("%s/v1/chats/%s/messages/%s", c.baseURL, url.PathEscape(recipientID), url.PathEscape(documentID))
	var resp struct {
		ID string `json:"id"`
	}
	if err := doJSON(ctx, c.httpc, http.MethodPost, u, p, &resp); err != nil {
		return "", fmt.Errorf("send message: %w", err)
	}
	if resp.ID == "" {
		return "", fmt.Errorf("send message: server returned empty id")
	}
	return resp.ID, nil
}

// FetchMessages pulls the complete payload snapshot for a recipient.
func (c *MessageClient) FetchMessages(ctx context.Context, recipientID string) ([]Payload, error) {
	u := fmt.Sprintf("%s/v1/chats/%s/messages", c.baseURL, url.PathEscape(recipientID))
	var payloads []Payload
	if err := doJSON(ctx, c.httpc, http.MethodGet, u, nil, &payloads); err != nil {
		return nil, fmt.Errorf("fetch messages: %w", err)
	}
	return payloads, nil
}

// DeleteMessage removes a payload record from the remote queue.
func (c *MessageClient) DeleteMessage(ctx context.Context, recipientID, documentID string) error {
	u := fmt.Sprintf("%s/v1/chats/%s/messages/%s", c.baseURL, url.PathEscape(recipientID), url.PathEscape(documentID))
	if err := doJSON(ctx, c.httpc, http.MethodDelete, u, nil, nil); err != nil {
		return fmt.Errorf("delete message: %w", err)
	}
	return nil
}

// EnsureConversation creates the conversation document if it does not
// exist yet (idempotent on the server side).
func (c *MessageClient) EnsureConversation(ctx context.Context, conversationID string) error {
	u := fmt.Sprintf("%s/v1/chats/%s", c.baseURL, url.PathEscape(conversationID))
	if err := doJSON(ctx, c.httpc, http.MethodPut, u, nil, nil); err != nil {
		return fmt.Errorf("ensure conversation: %w", err)
	}
	return nil
}

// StartListening opens the live channel for a recipient and delivers
// each inbound payload to fn in arrival order. Returns a token for
// StopListening. The read loop exits when the connection closes or the
// listener is stopped; it never panics on malformed frames.
func (c *MessageClient) StartListening(ctx context.Context, recipientID string, fn Listener) (int, error) {
	wsURL, err := c.streamURL(recipientID)
	if err != nil {
		return 0, err
	}

	conn, resp, err := c.dialer.DialContext(ctx, wsURL, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return 0, fmt.Errorf("dial live channel: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	l := &wsListener{conn: conn, cancel: cancel, done: make(chan struct{})}

	c.mu.Lock()
	c.nextToken++
	token := c.nextToken
	c.listeners[token] = l
	c.mu.Unlock()

	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()

	go func() {
		defer close(l.done)
		defer cancel()
		for {
			// A frame that fails to decode must not kill the channel;
			// only a read error means the connection is gone.
			_, data, err := conn.ReadMessage()
			if err != nil {
				if ctx.Err() == nil && c.logger != nil {
					c.logger.Warn("live channel closed",
						zap.String("recipient", recipientID), zap.Error(err))
				}
				return
			}
			var p Payload
			if err := json.Unmarshal(data, &p); err != nil {
				if c.logger != nil {
					c.logger.Warn("discarding undecodable frame",
						zap.String("recipient", recipientID), zap.Error(err))
				}
				continue
			}
			fn(p)
		}
	}()

	return token, nil
}

// StopListening closes the live channel identified by token and waits
// for its read loop to drain.
func (c *MessageClient) StopListening(token int) {
	c.mu.Lock()
	l, ok := c.listeners[token]
	delete(c.listeners, token)
	c.mu.Unlock()
	if !ok {
		return
	}
	l.cancel()
	select {
	case <-l.done:
	case <-time.After(5 * time.Second):
	}
}

// Close stops all live channels.
func (c *MessageClient) Close() {
	c.mu.Lock()
	tokens := make([]int, 0, len(c.listeners))
	for t := range c.listeners {
		tokens = append(tokens, t)
	}
	c.mu.Unlock()
	for _, t := range tokens {
		c.StopListening(t)
	}
}

func (c *MessageClient) streamURL(recipientID string) (string, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/v1/chats/" + url.PathEscape(recipientID) + "/stream"
	return u.String(), nil
}
