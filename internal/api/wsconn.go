package api

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// wsConn adapts a gorilla websocket connection to the dispatcher's
// ClientConn. A read-deadline miss poisons a gorilla connection, so control
// messages are pumped by a dedicated reader goroutine and ReadControl's
// bound applies to the channel receive instead.
type wsConn struct {
	conn *websocket.Conn

	writeMu sync.Mutex

	msgs chan []byte
	errs chan error

	closeOnce sync.Once
}

func newWSConn(conn *websocket.Conn) *wsConn {
	c := &wsConn{
		conn: conn,
		msgs: make(chan []byte, 8),
		errs: make(chan error, 1),
	}
	go c.readPump()
	return c
}

func (c *wsConn) readPump() {
	for {
		mt, b, err := c.conn.ReadMessage()
		if err != nil {
			c.errs <- err
			return
		}
		if mt != websocket.TextMessage {
			continue
		}
		select {
		case c.msgs <- b:
		default:
			// A client flooding controls only ever needs the freshest one.
			select {
			case <-c.msgs:
			default:
			}
			c.msgs <- b
		}
	}
}

func (c *wsConn) ReadControl(timeout time.Duration) ([]byte, error) {
	select {
	case b := <-c.msgs:
		return b, nil
	case err := <-c.errs:
		return nil, err
	case <-time.After(timeout):
		return nil, nil
	}
}

func (c *wsConn) WriteJSON(v interface{}) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteJSON(v)
}

func (c *wsConn) WriteBinary(b []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteMessage(websocket.BinaryMessage, b)
}

func (c *wsConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.conn.Close()
	})
	return err
}
