package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/sirupsen/logrus"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"asiochat/transport"
)

const (
	dialTimeout  = 10 * time.Second
	writeTimeout = 10 * time.Second
)

// Options configure the relay channel.
type Options struct {
	Addr   string
	UserID string
}

// Client is the relay transport: REST for request/response operations and
// a websocket for push. A broken socket reconnects in the background with
// exponential backoff until Disconnect.
type Client struct {
	opts Options
	api  *API
	log  *logrus.Entry

	mu        sync.Mutex
	connected bool
	conn      *websocket.Conn
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup

	listenersMu sync.RWMutex
	listeners   []transport.Listener
}

// NewClient creates a disconnected relay client.
func NewClient(opts Options) (*Client, error) {
	if opts.Addr == "" {
		return nil, errors.New("relay: addr is required")
	}
	if opts.UserID == "" {
		return nil, errors.New("relay: user id is required")
	}

	return &Client{
		opts: opts,
		api:  NewAPI(opts.Addr, opts.UserID),
		log:  logrus.WithField("component", "relay"),
	}, nil
}

// API exposes the REST surface bound to this client's session.
func (c *Client) API() *API {
	return c.api
}

// AddListener registers a callback for inbound events.
func (c *Client) AddListener(listener transport.Listener) {
	c.listenersMu.Lock()
	c.listeners = append(c.listeners, listener)
	c.listenersMu.Unlock()
}

// Connect logs in and opens the websocket. Calling Connect while
// connected is a no-op.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.connected {
		return nil
	}

	conn, err := c.dial(ctx)
	if err != nil {
		return err
	}

	c.conn = conn
	c.connected = true
	c.ctx, c.cancel = context.WithCancel(context.Background())

	c.wg.Add(1)
	go c.readPump(c.ctx, conn)

	c.log.Info("relay socket up")
	c.dispatchState(transport.EventConnect)
	return nil
}

// Disconnect closes the socket and stops the reconnect loop. The client
// stays usable; a later Connect brings the channel back.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return nil
	}
	c.connected = false
	conn := c.conn
	cancel := c.cancel
	c.conn = nil
	c.mu.Unlock()

	cancel()
	if conn != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}
	c.wg.Wait()

	c.log.Info("relay socket down")
	c.dispatchState(transport.EventDisconnect)
	return nil
}

// IsConnected reports whether the socket is up.
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected && c.conn != nil
}

// Probe checks relay liveness with a short REST call.
func (c *Client) Probe(ctx context.Context) error {
	if err := c.api.Ping(ctx); err != nil {
		return fmt.Errorf("%w: %v", transport.ErrUnavailable, err)
	}
	return nil
}

// Send pushes one event over the socket, reconnecting first if needed.
func (c *Client) Send(evt transport.Event) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()

	if conn == nil {
		ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
		err := c.Connect(ctx)
		cancel()
		if err != nil {
			return fmt.Errorf("%w: %v", transport.ErrUnavailable, err)
		}
		c.mu.Lock()
		conn = c.conn
		c.mu.Unlock()
		if conn == nil {
			return transport.ErrUnavailable
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	if err := wsjson.Write(ctx, conn, evt); err != nil {
		return fmt.Errorf("%w: %v", transport.ErrUnavailable, err)
	}
	return nil
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	token, err := c.api.Token(ctx)
	if err != nil {
		return nil, err
	}

	url := fmt.Sprintf("ws://%s/ws?userId=%s&token=%s", c.opts.Addr, c.opts.UserID, token)
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial relay socket: %w", err)
	}

	conn.SetReadLimit(1 << 20)
	return conn, nil
}

// readPump reads events until the socket breaks, then hands off to the
// reconnect loop.
func (c *Client) readPump(ctx context.Context, conn *websocket.Conn) {
	defer c.wg.Done()

	for {
		var evt transport.Event
		if err := wsjson.Read(ctx, conn, &evt); err != nil {
			if ctx.Err() != nil {
				return
			}
			status := websocket.CloseStatus(err)
			if status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway {
				return
			}
			c.log.WithError(err).Warn("relay socket read failed")
			c.reconnectLoop(ctx)
			return
		}

		c.dispatch(evt)
	}
}

// reconnectLoop re-dials with exponential backoff until the socket is
// back or the client disconnects.
func (c *Client) reconnectLoop(ctx context.Context) {
	c.mu.Lock()
	c.conn = nil
	c.mu.Unlock()
	c.dispatchState(transport.EventDisconnect)

	policy := backoff.NewExponentialBackOff()
	policy.MaxElapsedTime = 0

	for {
		wait := policy.NextBackOff()
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}

		dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
		conn, err := c.dial(dialCtx)
		cancel()
		if err != nil {
			c.log.WithError(err).Debug("relay reconnect attempt failed")
			continue
		}

		c.mu.Lock()
		if !c.connected {
			c.mu.Unlock()
			_ = conn.Close(websocket.StatusNormalClosure, "client disconnect")
			return
		}
		c.conn = conn
		c.mu.Unlock()

		c.log.Info("relay socket reconnected")
		c.dispatchState(transport.EventConnect)

		c.wg.Add(1)
		go c.readPump(ctx, conn)
		return
	}
}

func (c *Client) dispatch(evt transport.Event) {
	c.listenersMu.RLock()
	listeners := make([]transport.Listener, len(c.listeners))
	copy(listeners, c.listeners)
	c.listenersMu.RUnlock()

	for _, listener := range listeners {
		listener(evt)
	}
}

// dispatchState emits a synthetic connection-state event to listeners.
func (c *Client) dispatchState(eventType transport.EventType) {
	evt, err := transport.NewEvent(eventType, c.opts.UserID, nil)
	if err != nil {
		return
	}
	c.dispatch(evt)
}
