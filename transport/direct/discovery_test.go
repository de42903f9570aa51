package direct

import (
	"net"
	"sync"
	"testing"

	"github.com/grandcat/zeroconf"
)

func testDiscovery(t *testing.T) *Discovery {
	t.Helper()
	return &Discovery{
		cfg:   DiscoveryConfig{UserID: "alice"}.withDefaults(),
		peers: make(map[string]Peer),
	}
}

func TestParseEntrySkipsSelfAndAnonymous(t *testing.T) {
	d := testDiscovery(t)

	if _, ok := d.parseEntry(&zeroconf.ServiceEntry{Text: []string{"user_id=alice"}}); ok {
		t.Fatal("own record must be skipped")
	}
	if _, ok := d.parseEntry(&zeroconf.ServiceEntry{Text: []string{"fingerprint=x"}}); ok {
		t.Fatal("record without user_id must be skipped")
	}
}

func TestParseEntryCollectsAddresses(t *testing.T) {
	d := testDiscovery(t)

	entry := &zeroconf.ServiceEntry{
		Text:     []string{"user_id=bob", "fingerprint=abcd"},
		Port:     4242,
		AddrIPv4: []net.IP{net.ParseIP("192.168.1.20"), net.ParseIP("192.168.1.20")},
	}
	peer, ok := d.parseEntry(entry)
	if !ok {
		t.Fatal("valid entry rejected")
	}
	if peer.UserID != "bob" || peer.Fingerprint != "abcd" || peer.Port != 4242 {
		t.Fatalf("peer = %+v", peer)
	}
	if len(peer.Addresses) != 1 {
		t.Fatalf("addresses = %v, want deduped single entry", peer.Addresses)
	}

	addr, err := peer.Addr()
	if err != nil {
		t.Fatalf("Addr: %v", err)
	}
	if addr != "192.168.1.20:4242" {
		t.Fatalf("addr = %q", addr)
	}
}

func TestApplySnapshotEmitsEdges(t *testing.T) {
	d := testDiscovery(t)

	var mu sync.Mutex
	type change struct {
		userID   string
		appeared bool
	}
	var changes []change
	d.OnChange(func(peer Peer, appeared bool) {
		mu.Lock()
		changes = append(changes, change{peer.UserID, appeared})
		mu.Unlock()
	})

	bob := Peer{UserID: "bob", Port: 1000, Addresses: []string{"10.0.0.2"}}
	d.applySnapshot(map[string]Peer{"bob": bob})

	// Same snapshot again: no edges.
	d.applySnapshot(map[string]Peer{"bob": bob})

	// Endpoint change: appeared edge.
	moved := bob
	moved.Port = 2000
	d.applySnapshot(map[string]Peer{"bob": moved})

	// Peer gone: disappeared edge.
	d.applySnapshot(map[string]Peer{})

	mu.Lock()
	defer mu.Unlock()
	want := []change{{"bob", true}, {"bob", true}, {"bob", false}}
	if len(changes) != len(want) {
		t.Fatalf("changes = %v, want %v", changes, want)
	}
	for i := range want {
		if changes[i] != want[i] {
			t.Fatalf("changes[%d] = %v, want %v", i, changes[i], want[i])
		}
	}
}
