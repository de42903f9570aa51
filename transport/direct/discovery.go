package direct

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"
)

const (
	// mdnsService is the mDNS service name without domain suffix.
	mdnsService = "_asiochat._tcp"
	// mdnsDomain is the mDNS domain.
	mdnsDomain = "local."
	// DefaultRefreshInterval is the background peer discovery interval.
	DefaultRefreshInterval = 10 * time.Second
	// DefaultScanTimeout bounds each discovery scan.
	DefaultScanTimeout = 3 * time.Second
)

type browseFunc func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error

// Peer is a reachable LAN endpoint for a user.
type Peer struct {
	UserID      string
	DisplayName string
	Fingerprint string
	HostName    string
	Port        int
	Addresses   []string
	LastSeen    time.Time
}

// Addr returns the first dialable host:port for the peer.
func (p Peer) Addr() (string, error) {
	if len(p.Addresses) == 0 {
		return "", fmt.Errorf("peer %s has no addresses", p.UserID)
	}
	return fmt.Sprintf("%s:%d", p.Addresses[0], p.Port), nil
}

// DiscoveryConfig controls the mDNS advertiser and scanner.
type DiscoveryConfig struct {
	UserID      string
	DisplayName string
	ListenPort  int
	Fingerprint string

	RefreshInterval time.Duration
	ScanTimeout     time.Duration

	browseFn browseFunc
}

func (c DiscoveryConfig) withDefaults() DiscoveryConfig {
	out := c
	if out.RefreshInterval <= 0 {
		out.RefreshInterval = DefaultRefreshInterval
	}
	if out.ScanTimeout <= 0 {
		out.ScanTimeout = DefaultScanTimeout
	}
	return out
}

// Discovery advertises the local user and keeps a userID-to-endpoint
// table of scanned peers.
type Discovery struct {
	cfg    DiscoveryConfig
	browse browseFunc
	server *zeroconf.Server

	mu    sync.RWMutex
	peers map[string]Peer

	onChange func(Peer, bool)

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	startOnce sync.Once
	stopOnce  sync.Once
}

// NewDiscovery creates a discovery service without starting it.
func NewDiscovery(cfg DiscoveryConfig) (*Discovery, error) {
	cfg = cfg.withDefaults()
	if strings.TrimSpace(cfg.UserID) == "" {
		return nil, errors.New("direct: user id is required for discovery")
	}

	browse := cfg.browseFn
	if browse == nil {
		resolver, err := zeroconf.NewResolver(nil)
		if err != nil {
			return nil, fmt.Errorf("create mDNS resolver: %w", err)
		}
		browse = resolver.Browse
	}

	return &Discovery{
		cfg:    cfg,
		browse: browse,
		peers:  make(map[string]Peer),
	}, nil
}

// OnChange registers an edge callback: appeared=true when a peer joins or
// changes endpoint, false when it disappears.
func (d *Discovery) OnChange(fn func(peer Peer, appeared bool)) {
	d.mu.Lock()
	d.onChange = fn
	d.mu.Unlock()
}

// Start registers the mDNS record and begins background scanning.
func (d *Discovery) Start() error {
	var startErr error
	d.startOnce.Do(func() {
		if d.cfg.ListenPort > 0 {
			txt := []string{
				"user_id=" + d.cfg.UserID,
				"fingerprint=" + d.cfg.Fingerprint,
			}
			server, err := zeroconf.Register(
				d.cfg.DisplayName, mdnsService, mdnsDomain,
				d.cfg.ListenPort, txt, nil,
			)
			if err != nil {
				startErr = fmt.Errorf("register mDNS service: %w", err)
				return
			}
			d.server = server
		}

		d.ctx, d.cancel = context.WithCancel(context.Background())
		d.wg.Add(1)
		go d.loop()
	})
	return startErr
}

// Stop unregisters the mDNS record and stops scanning.
func (d *Discovery) Stop() {
	d.stopOnce.Do(func() {
		if d.cancel != nil {
			d.cancel()
			d.wg.Wait()
		}
		if d.server != nil {
			d.server.Shutdown()
		}
	})
}

// Lookup returns the discovered endpoint for a user.
func (d *Discovery) Lookup(userID string) (Peer, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	peer, ok := d.peers[userID]
	return peer, ok
}

// ListPeers returns a snapshot of discovered peers sorted by name.
func (d *Discovery) ListPeers() []Peer {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make([]Peer, 0, len(d.peers))
	for _, peer := range d.peers {
		out = append(out, peer)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].DisplayName == out[j].DisplayName {
			return out[i].UserID < out[j].UserID
		}
		return out[i].DisplayName < out[j].DisplayName
	})
	return out
}

// Scan runs one discovery pass immediately, bounded by ctx.
func (d *Discovery) Scan(ctx context.Context) error {
	if d.ctx == nil {
		return errors.New("direct: discovery not started")
	}
	return d.runScan(ctx)
}

func (d *Discovery) loop() {
	defer d.wg.Done()

	// Prime the peer table immediately.
	_ = d.runScan(d.ctx)

	ticker := time.NewTicker(d.cfg.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			_ = d.runScan(d.ctx)
		case <-d.ctx.Done():
			return
		}
	}
}

func (d *Discovery) runScan(parent context.Context) error {
	scanCtx, cancel := context.WithTimeout(parent, d.cfg.ScanTimeout)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry, 32)
	collected := make(map[string]Peer)
	collectorDone := make(chan struct{})

	go func() {
		defer close(collectorDone)
		for {
			select {
			case <-scanCtx.Done():
				return
			case entry := <-entries:
				if entry == nil {
					continue
				}
				peer, ok := d.parseEntry(entry)
				if !ok {
					continue
				}
				peer.LastSeen = time.Now()
				collected[peer.UserID] = peer
			}
		}
	}()

	if err := d.browse(scanCtx, mdnsService, mdnsDomain, entries); err != nil {
		return fmt.Errorf("mDNS browse: %w", err)
	}

	<-scanCtx.Done()
	<-collectorDone

	d.applySnapshot(collected)

	// A deadline just means the scan window ended naturally.
	if err := scanCtx.Err(); err != nil &&
		!errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func (d *Discovery) applySnapshot(next map[string]Peer) {
	d.mu.Lock()
	previous := d.peers
	d.peers = next
	onChange := d.onChange
	d.mu.Unlock()

	if onChange == nil {
		return
	}

	for id, peer := range next {
		old, exists := previous[id]
		if !exists || old.Port != peer.Port || !addressesEqual(old.Addresses, peer.Addresses) {
			onChange(peer, true)
		}
	}
	for id, peer := range previous {
		if _, exists := next[id]; !exists {
			onChange(peer, false)
		}
	}
}

func (d *Discovery) parseEntry(entry *zeroconf.ServiceEntry) (Peer, bool) {
	txt := make(map[string]string, len(entry.Text))
	for _, raw := range entry.Text {
		parts := strings.SplitN(raw, "=", 2)
		if len(parts) != 2 {
			continue
		}
		txt[strings.TrimSpace(parts[0])] = strings.TrimSpace(parts[1])
	}

	userID := txt["user_id"]
	if userID == "" || userID == d.cfg.UserID {
		return Peer{}, false
	}

	addresses := make([]string, 0, len(entry.AddrIPv4)+len(entry.AddrIPv6))
	seen := make(map[string]struct{})
	for _, ip := range append(entry.AddrIPv4, entry.AddrIPv6...) {
		if ip == nil {
			continue
		}
		raw := ip.String()
		if raw == "" {
			continue
		}
		if _, dup := seen[raw]; dup {
			continue
		}
		seen[raw] = struct{}{}
		addresses = append(addresses, raw)
	}
	sort.Strings(addresses)

	name := strings.TrimSpace(entry.Instance)
	if name == "" {
		name = userID
	}

	return Peer{
		UserID:      userID,
		DisplayName: name,
		Fingerprint: txt["fingerprint"],
		HostName:    entry.HostName,
		Port:        entry.Port,
		Addresses:   addresses,
	}, true
}

func addressesEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
