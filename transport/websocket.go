package transport

import (
	"errors"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const writeWait = 5 * time.Second

// WebSocket adapts a gorilla/websocket connection to Channel.
//
// gorilla allows one concurrent writer, so Send holds writeMu for the whole
// frame. Control frames (ping, close) go through WriteControl, which is safe
// to call alongside Send.
type WebSocket struct {
	conn      *websocket.Conn
	frameType int // websocket.TextMessage for JSON, BinaryMessage for the binary codec
	writeMu   sync.Mutex
	done      chan struct{}
	closeOnce sync.Once
}

// NewWebSocket wraps conn. binary selects binary data frames.
// A positive keepAlive starts a ping loop; the peer must answer within
// two intervals or the next Recv fails.
func NewWebSocket(conn *websocket.Conn, binary bool, keepAlive time.Duration) *WebSocket {
	ws := &WebSocket{
		conn:      conn,
		frameType: websocket.TextMessage,
		done:      make(chan struct{}),
	}
	if binary {
		ws.frameType = websocket.BinaryMessage
	}
	if keepAlive > 0 {
		conn.SetReadDeadline(time.Now().Add(2 * keepAlive))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(2 * keepAlive))
		})
		go ws.pingLoop(keepAlive)
	}
	return ws
}

func (ws *WebSocket) Send(data []byte) error {
	ws.writeMu.Lock()
	defer ws.writeMu.Unlock()

	select {
	case <-ws.done:
		return &CloseError{Code: CloseNormal, Reason: "closed locally"}
	default:
	}
	ws.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := ws.conn.WriteMessage(ws.frameType, data); err != nil {
		return ws.translate(err)
	}
	return nil
}

func (ws *WebSocket) Recv() ([]byte, error) {
	_, data, err := ws.conn.ReadMessage()
	if err != nil {
		return nil, ws.translate(err)
	}
	return data, nil
}

// Close sends a normal close frame and tears down the connection.
func (ws *WebSocket) Close() error {
	var err error
	ws.closeOnce.Do(func() {
		close(ws.done)
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		ws.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
		err = ws.conn.Close()
	})
	return err
}

// RemoteAddr returns the peer's network address.
func (ws *WebSocket) RemoteAddr() net.Addr {
	return ws.conn.RemoteAddr()
}

func (ws *WebSocket) pingLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ws.done:
			return
		case <-ticker.C:
			if err := ws.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

// translate maps gorilla errors onto CloseError where the close was orderly
// or requested locally. Other errors are returned as they are.
func (ws *WebSocket) translate(err error) error {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return &CloseError{Code: ce.Code, Reason: ce.Text}
	}
	select {
	case <-ws.done:
		return &CloseError{Code: CloseNormal, Reason: "closed locally"}
	default:
	}
	if errors.Is(err, websocket.ErrCloseSent) || errors.Is(err, net.ErrClosed) {
		return &CloseError{Code: CloseNormal}
	}
	return err
}
