package ws

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Client pulls result messages from a distributor it dialed.
type Client struct {
	*queue
	conn *websocket.Conn
	log  *zap.Logger

	wg        sync.WaitGroup
	closeOnce sync.Once
}

func Dial(ctx context.Context, url string, opts Options, logger *zap.Logger) (*Client, error) {
	opts = opts.withDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	d := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
		ReadBufferSize:   64 * 1024,
		WriteBufferSize:  4 * 1024,
	}
	conn, _, err := d.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	conn.SetReadLimit(opts.MaxMessageBytes)

	c := &Client{
		queue: newQueue(opts.Buffer),
		conn:  conn,
		log:   logger,
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.readLoop()
	}()
	logger.Info("connected", zap.String("url", url))
	return c, nil
}

func (c *Client) readLoop() {
	for {
		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				err = ErrClosed
			}
			c.fail(err)
			return
		}
		if !c.push(msg) {
			return
		}
	}
}

func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "collector done"),
			time.Now().Add(time.Second))
		c.fail(ErrClosed)
		err = c.conn.Close()
		c.wg.Wait()
	})
	return err
}
