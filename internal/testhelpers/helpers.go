// Package testhelpers provides dial and read helpers shared by the relay's
// end-to-end tests. Both transports are wrapped behind EventClient so a test
// can drive WebSocket and TCP peers the same way.
package testhelpers

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

// DefaultTimeout bounds every wait in this package.
const DefaultTimeout = 2 * time.Second

// TestOrigin is the origin sent by ConnectWebSocket.
const TestOrigin = "http://localhost:8080"

// Event is one decoded server event.
type Event map[string]any

// Type returns the event's discriminant.
func (e Event) Type() string {
	s, _ := e["type"].(string)
	return s
}

// String returns field key as a string, or "".
func (e Event) String(key string) string {
	s, _ := e[key].(string)
	return s
}

// EventClient is a connected relay client on either transport.
type EventClient interface {
	SendJSON(v any) error
	SendRaw(data []byte) error
	// Next returns the next event, waiting up to timeout.
	Next(timeout time.Duration) (Event, error)
	Close() error
}

// MakeRequest creates and executes an HTTP request, returning the response.
func MakeRequest(t *testing.T, method, url string) *http.Response {
	t.Helper()

	client := &http.Client{Timeout: 5 * time.Second}
	req, err := http.NewRequest(method, url, http.NoBody)
	require.NoError(t, err)

	resp, err := client.Do(req)
	require.NoError(t, err)
	return resp
}

// WebSocketURL turns an httptest server URL into the relay's ws endpoint.
func WebSocketURL(serverURL string) string {
	return "ws" + strings.TrimPrefix(serverURL, "http") + "/ws"
}

// ConnectWebSocket dials url, sending origin when it is not empty.
func ConnectWebSocket(url, origin string) (*websocket.Conn, *http.Response, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 5 * time.Second}

	headers := http.Header{}
	if origin != "" {
		headers.Set("Origin", origin)
	}

	conn, resp, err := dialer.Dial(url, headers)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	return conn, resp, err
}

// WSClient reads newline-batched frames from a WebSocket connection.
type WSClient struct {
	Conn    *websocket.Conn
	pending []Event
}

// DialWS connects to the relay behind an httptest server URL and closes the
// connection when the test ends.
func DialWS(t *testing.T, serverURL string) *WSClient {
	t.Helper()
	conn, _, err := ConnectWebSocket(WebSocketURL(serverURL), TestOrigin)
	require.NoError(t, err)
	c := &WSClient{Conn: conn}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func (c *WSClient) SendJSON(v any) error {
	return c.Conn.WriteJSON(v)
}

func (c *WSClient) SendRaw(data []byte) error {
	return c.Conn.WriteMessage(websocket.TextMessage, data)
}

func (c *WSClient) Next(timeout time.Duration) (Event, error) {
	if len(c.pending) == 0 {
		if err := c.Conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
			return nil, err
		}
		_, data, err := c.Conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		for _, line := range bytes.Split(data, []byte{'\n'}) {
			if len(bytes.TrimSpace(line)) == 0 {
				continue
			}
			var ev Event
			if err := json.Unmarshal(line, &ev); err != nil {
				return nil, err
			}
			c.pending = append(c.pending, ev)
		}
		if len(c.pending) == 0 {
			return nil, errors.New("empty frame")
		}
	}
	ev := c.pending[0]
	c.pending = c.pending[1:]
	return ev, nil
}

// Close gracefully closes the WebSocket connection.
func (c *WSClient) Close() error {
	_ = c.Conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	return c.Conn.Close()
}

// TCPClient speaks newline-delimited JSON over a raw socket.
type TCPClient struct {
	Conn   net.Conn
	reader *bufio.Reader
}

// DialTCP connects to the relay's TCP transport at addr.
func DialTCP(t *testing.T, addr string) *TCPClient {
	t.Helper()
	conn, err := net.DialTimeout("tcp", addr, DefaultTimeout)
	require.NoError(t, err)
	c := &TCPClient{Conn: conn, reader: bufio.NewReader(conn)}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func (c *TCPClient) SendJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.SendRaw(data)
}

// SendRaw writes data followed by a newline.
func (c *TCPClient) SendRaw(data []byte) error {
	_, err := c.Conn.Write(append(append([]byte(nil), data...), '\n'))
	return err
}

func (c *TCPClient) Next(timeout time.Duration) (Event, error) {
	if err := c.Conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return nil, err
	}
	line, err := c.reader.ReadBytes('\n')
	if err != nil {
		return nil, err
	}
	var ev Event
	if err := json.Unmarshal(line, &ev); err != nil {
		return nil, err
	}
	return ev, nil
}

func (c *TCPClient) Close() error {
	return c.Conn.Close()
}

// ExpectEvent reads the next event and requires its type.
func ExpectEvent(t *testing.T, c EventClient, eventType string) Event {
	t.Helper()
	ev, err := c.Next(DefaultTimeout)
	require.NoError(t, err, "waiting for %s", eventType)
	require.Equal(t, eventType, ev.Type(), "event %v", ev)
	return ev
}

// ExpectNoEvent requires that nothing arrives within wait. A gorilla
// connection cannot be read again after a timeout, so on WSClient this must
// be the last read; prefer Barrier there.
func ExpectNoEvent(t *testing.T, c EventClient, wait time.Duration) {
	t.Helper()
	ev, err := c.Next(wait)
	require.Error(t, err, "unexpected event %v", ev)
}

// Barrier round-trips a close_channel for a channel nobody belongs to and
// requires its acknowledgement to be the next event. Every event produced by
// frames the router handled earlier is therefore already consumed. c must be
// registered.
func Barrier(t *testing.T, c EventClient) {
	t.Helper()
	const marker = "barrier"
	require.NoError(t, c.SendJSON(map[string]string{"type": "close_channel", "channelId": marker}))
	ev := ExpectEvent(t, c, "channel_closed")
	require.Equal(t, marker, ev.String("channelId"))
}

// ExpectClosed requires that the server ends the connection, skipping any
// events still in flight.
func ExpectClosed(t *testing.T, c EventClient) {
	t.Helper()
	deadline := time.Now().Add(DefaultTimeout)
	for time.Now().Before(deadline) {
		if _, err := c.Next(DefaultTimeout); err != nil {
			var netErr net.Error
			require.False(t, errors.As(err, &netErr) && netErr.Timeout(), "connection still open")
			return
		}
	}
	t.Fatal("connection still open")
}

// Register sends a register event and waits for the acknowledgement.
func Register(t *testing.T, c EventClient, userID string) Event {
	t.Helper()
	require.NoError(t, c.SendJSON(map[string]string{"type": "register", "userId": userID}))
	return ExpectEvent(t, c, "registered")
}

// OpenChannel asks for the channel shared with friendID and returns the
// channel_opened answer.
func OpenChannel(t *testing.T, c EventClient, friendID string) Event {
	t.Helper()
	require.NoError(t, c.SendJSON(map[string]string{"type": "open_channel", "friendId": friendID}))
	return ExpectEvent(t, c, "channel_opened")
}

// SendText posts text to channelID.
func SendText(t *testing.T, c EventClient, channelID, text string) {
	t.Helper()
	require.NoError(t, c.SendJSON(map[string]string{"type": "message", "channelId": channelID, "text": text}))
}
