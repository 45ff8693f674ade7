package discovery

import (
	"context"
	"errors"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/grandcat/zeroconf"
	"github.com/samber/lo"
)

const (
	// EventRelayUpserted is emitted when a relay appears or its record changes.
	EventRelayUpserted EventType = "relay_upserted"
	// EventRelayRemoved is emitted when a relay has not been seen for StaleAfter.
	EventRelayRemoved EventType = "relay_removed"
)

var (
	// ErrScannerStopped is returned by calls made on a stopped scanner.
	ErrScannerStopped = errors.New("discovery: scanner is stopped")
	// ErrScannerNotStarted is returned by Refresh before Start.
	ErrScannerNotStarted = errors.New("discovery: scanner is not started")
)

// EventType identifies relay discovery updates.
type EventType string

// Event carries one discovery update.
type Event struct {
	Type  EventType
	Relay DiscoveredRelay
}

// DiscoveredRelay contains a relay found on the LAN.
type DiscoveredRelay struct {
	RelayID        string
	Name           string
	KeyFingerprint string
	Version        int
	HostName       string
	Port           int
	Addresses      []string
	LastSeen       time.Time
}

// Address returns a dialable host:port, preferring IPv4.
func (r DiscoveredRelay) Address() string {
	if len(r.Addresses) > 0 {
		return net.JoinHostPort(r.Addresses[0], strconv.Itoa(r.Port))
	}
	return net.JoinHostPort(strings.TrimSuffix(r.HostName, "."), strconv.Itoa(r.Port))
}

type refreshRequest struct {
	ctx  context.Context
	done chan error
}

// RelayScanner discovers relays with periodic and manual mDNS browse operations.
type RelayScanner struct {
	cfg Config

	browse browseFunc
	now    func() time.Time

	mu     sync.RWMutex
	relays map[string]DiscoveredRelay

	events chan Event

	startOnce sync.Once
	stopOnce  sync.Once
	started   atomic.Bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	refreshRequests chan refreshRequest
}

// NewRelayScanner creates a scanner with config defaults applied.
func NewRelayScanner(config Config) (*RelayScanner, error) {
	cfg := config.withDefaults()

	browse := cfg.browseFn
	if browse == nil {
		resolver, err := zeroconf.NewResolver(nil)
		if err != nil {
			return nil, err
		}
		browse = resolver.Browse
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &RelayScanner{
		cfg:             cfg,
		browse:          browse,
		now:             time.Now,
		relays:          make(map[string]DiscoveredRelay),
		events:          make(chan Event, 128),
		ctx:             ctx,
		cancel:          cancel,
		refreshRequests: make(chan refreshRequest),
	}, nil
}

// Start begins background scanning.
func (s *RelayScanner) Start() {
	s.startOnce.Do(func() {
		s.started.Store(true)
		s.wg.Add(1)
		go s.loop()
	})
}

// Stop stops background scanning and closes Events.
func (s *RelayScanner) Stop() {
	s.stopOnce.Do(func() {
		s.cancel()
		s.wg.Wait()
		close(s.events)
	})
}

// Events provides asynchronous discovery updates. Updates are dropped when nobody reads them.
func (s *RelayScanner) Events() <-chan Event {
	return s.events
}

// Refresh triggers an immediate scan and waits for it to finish.
func (s *RelayScanner) Refresh(ctx context.Context) error {
	if !s.started.Load() {
		return ErrScannerNotStarted
	}

	req := refreshRequest{
		ctx:  ctx,
		done: make(chan error, 1),
	}

	select {
	case s.refreshRequests <- req:
	case <-ctx.Done():
		return ctx.Err()
	case <-s.ctx.Done():
		return ErrScannerStopped
	}

	select {
	case err := <-req.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-s.ctx.Done():
		return ErrScannerStopped
	}
}

// ListRelays returns the current snapshot ordered by name.
func (s *RelayScanner) ListRelays() []DiscoveredRelay {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := lo.Values(s.relays)
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name == out[j].Name {
			return out[i].RelayID < out[j].RelayID
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// Find returns the relay advertising relayID, if it is currently listed.
func (s *RelayScanner) Find(relayID string) (DiscoveredRelay, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	relay, ok := s.relays[relayID]
	return relay, ok
}

// WaitFor blocks until relayID is listed or ctx ends, refreshing on every poll.
func (s *RelayScanner) WaitFor(ctx context.Context, relayID string) (DiscoveredRelay, error) {
	for {
		if relay, ok := s.Find(relayID); ok {
			return relay, nil
		}
		if err := s.Refresh(ctx); err != nil {
			return DiscoveredRelay{}, err
		}
	}
}

func (s *RelayScanner) loop() {
	defer s.wg.Done()

	// Prime the relay list immediately.
	_ = s.runScan(context.Background())

	ticker := time.NewTicker(s.cfg.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			_ = s.runScan(context.Background())
		case req := <-s.refreshRequests:
			req.done <- s.runScan(req.ctx)
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *RelayScanner) runScan(requestCtx context.Context) error {
	scanCtx, cancel := context.WithTimeout(s.ctx, s.cfg.ScanTimeout)
	defer cancel()

	go func() {
		select {
		case <-requestCtx.Done():
			cancel()
		case <-scanCtx.Done():
		}
	}()

	entries := make(chan *zeroconf.ServiceEntry, 32)
	collected := make(map[string]DiscoveredRelay)
	var collectedMu sync.Mutex
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
				relay, ok := parseEntry(entry, s.cfg.Version)
				if !ok {
					continue
				}
				relay.LastSeen = s.now()
				collectedMu.Lock()
				collected[relay.RelayID] = relay
				collectedMu.Unlock()
			}
		}
	}()

	browseErr := s.browse(scanCtx, s.cfg.Service, s.cfg.Domain, entries)
	if browseErr != nil && !errors.Is(browseErr, context.DeadlineExceeded) && !errors.Is(browseErr, context.Canceled) {
		return browseErr
	}

	<-scanCtx.Done()
	<-collectorDone
	collectedMu.Lock()
	seen := collected
	collectedMu.Unlock()

	s.applySnapshot(seen)

	if err := requestCtx.Err(); err != nil {
		return err
	}
	return nil
}

// applySnapshot upserts relays seen in this scan and drops those unseen for StaleAfter.
func (s *RelayScanner) applySnapshot(seen map[string]DiscoveredRelay) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for id, relay := range seen {
		old, exists := s.relays[id]
		s.relays[id] = relay
		if !exists || !relaysEqual(old, relay) {
			s.emitEvent(Event{Type: EventRelayUpserted, Relay: relay})
		}
	}

	for id, relay := range s.relays {
		if _, fresh := seen[id]; fresh {
			continue
		}
		if now.Sub(relay.LastSeen) > s.cfg.StaleAfter {
			delete(s.relays, id)
			s.emitEvent(Event{Type: EventRelayRemoved, Relay: relay})
		}
	}
}

func (s *RelayScanner) emitEvent(event Event) {
	select {
	case s.events <- event:
	default:
	}
}

func parseEntry(entry *zeroconf.ServiceEntry, wantVersion int) (DiscoveredRelay, bool) {
	txt := txtToMap(entry.Text)

	relayID := strings.TrimSpace(txt[txtRelayID])
	if relayID == "" {
		return DiscoveredRelay{}, false
	}

	version, err := strconv.Atoi(txt[txtVersion])
	if err != nil || version != wantVersion {
		return DiscoveredRelay{}, false
	}

	ips := lo.Filter(append(append([]net.IP(nil), entry.AddrIPv4...), entry.AddrIPv6...), func(ip net.IP, _ int) bool {
		return ip != nil
	})
	// IPv4 addresses come first so Address prefers them.
	addresses := lo.Uniq(lo.Map(ips, func(ip net.IP, _ int) string {
		return ip.String()
	}))

	name := strings.TrimSpace(entry.Instance)
	if name == "" {
		name = strings.TrimSpace(entry.HostName)
	}
	if name == "" {
		name = relayID
	}

	return DiscoveredRelay{
		RelayID:        relayID,
		Name:           name,
		KeyFingerprint: strings.TrimSpace(txt[txtKeyFingerprint]),
		Version:        version,
		HostName:       entry.HostName,
		Port:           entry.Port,
		Addresses:      addresses,
	}, true
}

func txtToMap(text []string) map[string]string {
	out := make(map[string]string, len(text))
	for _, entry := range text {
		key, value, ok := strings.Cut(entry, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		out[key] = strings.TrimSpace(value)
	}
	return out
}

func relaysEqual(a, b DiscoveredRelay) bool {
	return a.RelayID == b.RelayID &&
		a.Name == b.Name &&
		a.KeyFingerprint == b.KeyFingerprint &&
		a.Version == b.Version &&
		a.HostName == b.HostName &&
		a.Port == b.Port &&
		lo.ElementsMatch(a.Addresses, b.Addresses)
}
