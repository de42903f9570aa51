package direct

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"asiochat/transport"
)

// Options configure the direct channel.
type Options struct {
	UserID      string
	DisplayName string
	ListenPort  int
	Fingerprint string

	DialTimeout  time.Duration
	WriteTimeout time.Duration

	discoveryBrowse browseFunc
}

func (o Options) withDefaults() Options {
	if o.DialTimeout <= 0 {
		o.DialTimeout = DefaultDialTimeout
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = DefaultWriteTimeout
	}
	return o
}

// Client is the peer-to-peer transport: a TCP listener accepting event
// frames from peers, per-peer outbound dials, and mDNS discovery mapping
// user ids to endpoints. Send fans an event out to every discovered peer;
// receivers drop events for chats they are not part of and dedupe by
// message id.
type Client struct {
	opts Options
	log  *logrus.Entry

	mu        sync.Mutex
	connected bool
	listener  net.Listener
	discovery *Discovery
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup

	connMu sync.Mutex
	conns  map[string]net.Conn

	listenersMu sync.RWMutex
	listeners   []transport.Listener
}

// NewClient creates a disconnected direct client.
func NewClient(opts Options) (*Client, error) {
	if opts.UserID == "" {
		return nil, errors.New("direct: user id is required")
	}

	return &Client{
		opts:  opts.withDefaults(),
		log:   logrus.WithField("component", "direct"),
		conns: make(map[string]net.Conn),
	}, nil
}

// AddListener registers a callback for inbound events.
func (c *Client) AddListener(listener transport.Listener) {
	c.listenersMu.Lock()
	c.listeners = append(c.listeners, listener)
	c.listenersMu.Unlock()
}

// Connect starts the listener and discovery. Calling Connect while
// connected is a no-op.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.connected {
		return nil
	}

	lc := net.ListenConfig{}
	listener, err := lc.Listen(ctx, "tcp", fmt.Sprintf(":%d", c.opts.ListenPort))
	if err != nil {
		return fmt.Errorf("start direct listener: %w", err)
	}

	port := listener.Addr().(*net.TCPAddr).Port
	disc, err := NewDiscovery(DiscoveryConfig{
		UserID:      c.opts.UserID,
		DisplayName: c.opts.DisplayName,
		ListenPort:  port,
		Fingerprint: c.opts.Fingerprint,
		browseFn:    c.opts.discoveryBrowse,
	})
	if err != nil {
		_ = listener.Close()
		return err
	}
	if err := disc.Start(); err != nil {
		_ = listener.Close()
		return err
	}

	c.listener = listener
	c.discovery = disc
	c.ctx, c.cancel = context.WithCancel(context.Background())
	c.connected = true

	c.wg.Add(1)
	go c.acceptLoop(listener)

	c.log.WithField("port", port).Info("direct channel up")
	return nil
}

// Disconnect stops the listener, discovery, and all peer connections. The
// client stays usable; a later Connect brings the channel back.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return nil
	}
	c.connected = false
	listener := c.listener
	disc := c.discovery
	cancel := c.cancel
	c.listener = nil
	c.discovery = nil
	c.mu.Unlock()

	cancel()
	if listener != nil {
		_ = listener.Close()
	}
	if disc != nil {
		disc.Stop()
	}

	c.connMu.Lock()
	for id, conn := range c.conns {
		_ = conn.Close()
		delete(c.conns, id)
	}
	c.connMu.Unlock()

	c.wg.Wait()
	c.log.Info("direct channel down")
	return nil
}

// IsConnected reports whether the listener is up.
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Probe checks direct-mode reachability: the channel is up and at least
// one peer resolves on the network.
func (c *Client) Probe(ctx context.Context) error {
	c.mu.Lock()
	disc := c.discovery
	connected := c.connected
	c.mu.Unlock()

	if !connected || disc == nil {
		return transport.ErrUnavailable
	}
	if err := disc.Scan(ctx); err != nil {
		return fmt.Errorf("%w: %v", transport.ErrUnavailable, err)
	}
	if len(disc.ListPeers()) == 0 {
		return fmt.Errorf("%w: no peers discovered", transport.ErrUnavailable)
	}
	return nil
}

// Peers returns the discovered peer snapshot.
func (c *Client) Peers() []Peer {
	c.mu.Lock()
	disc := c.discovery
	c.mu.Unlock()

	if disc == nil {
		return nil
	}
	return disc.ListPeers()
}

// Send fans one event out to every discovered peer, reconnecting first if
// the channel is down. It succeeds when at least one peer accepted the
// frame.
func (c *Client) Send(evt transport.Event) error {
	if !c.IsConnected() {
		ctx, cancel := context.WithTimeout(context.Background(), c.opts.DialTimeout)
		err := c.Connect(ctx)
		cancel()
		if err != nil {
			return fmt.Errorf("%w: %v", transport.ErrUnavailable, err)
		}
	}

	peers := c.Peers()
	if len(peers) == 0 {
		return fmt.Errorf("%w: no peers discovered", transport.ErrUnavailable)
	}

	delivered := 0
	var lastErr error
	for _, peer := range peers {
		if err := c.sendToPeer(peer, evt); err != nil {
			lastErr = err
			c.log.WithError(err).WithField("peer", peer.UserID).Debug("peer send failed")
			continue
		}
		delivered++
	}

	if delivered == 0 {
		return fmt.Errorf("%w: %v", transport.ErrUnavailable, lastErr)
	}
	return nil
}

// SendTo pushes one event to a single peer.
func (c *Client) SendTo(userID string, evt transport.Event) error {
	c.mu.Lock()
	disc := c.discovery
	c.mu.Unlock()

	if disc == nil {
		return transport.ErrUnavailable
	}
	peer, ok := disc.Lookup(userID)
	if !ok {
		return fmt.Errorf("%w: peer %s not discovered", transport.ErrUnavailable, userID)
	}
	if err := c.sendToPeer(peer, evt); err != nil {
		return fmt.Errorf("%w: %v", transport.ErrUnavailable, err)
	}
	return nil
}

func (c *Client) sendToPeer(peer Peer, evt transport.Event) error {
	conn, err := c.peerConn(peer)
	if err != nil {
		return err
	}

	_ = conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
	if err := WriteFrame(conn, evt); err != nil {
		// Stale connection; drop it and retry once on a fresh dial.
		c.dropConn(peer.UserID)
		conn, dialErr := c.peerConn(peer)
		if dialErr != nil {
			return dialErr
		}
		_ = conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
		if err := WriteFrame(conn, evt); err != nil {
			c.dropConn(peer.UserID)
			return err
		}
	}
	return nil
}

func (c *Client) peerConn(peer Peer) (net.Conn, error) {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	if conn, ok := c.conns[peer.UserID]; ok {
		return conn, nil
	}

	addr, err := peer.Addr()
	if err != nil {
		return nil, err
	}

	conn, err := net.DialTimeout("tcp", addr, c.opts.DialTimeout)
	if err != nil {
		return nil, fmt.Errorf("dial peer %s: %w", peer.UserID, err)
	}

	c.conns[peer.UserID] = conn
	return conn, nil
}

func (c *Client) dropConn(userID string) {
	c.connMu.Lock()
	if conn, ok := c.conns[userID]; ok {
		_ = conn.Close()
		delete(c.conns, userID)
	}
	c.connMu.Unlock()
}

func (c *Client) acceptLoop(listener net.Listener) {
	defer c.wg.Done()

	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-c.ctx.Done():
				return
			default:
			}
			c.log.WithError(err).Debug("accept failed")
			continue
		}

		c.wg.Add(1)
		go c.readLoop(conn)
	}
}

func (c *Client) readLoop(conn net.Conn) {
	defer c.wg.Done()
	defer conn.Close()

	for {
		select {
		case <-c.ctx.Done():
			return
		default:
		}

		evt, err := ReadFrame(conn)
		if err != nil {
			return
		}
		c.dispatch(evt)
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
