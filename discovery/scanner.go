package discovery

import (
	"context"
	"errors"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/grandcat/zeroconf"
	"go.uber.org/zap"
)

// Scanner browses the local network for radio bridges.
type Scanner struct {
	cfg Config

	mu      sync.RWMutex
	bridges map[string]Bridge
}

// NewScanner creates a scanner with defaults applied to config.
func NewScanner(config Config) *Scanner {
	return &Scanner{
		cfg:     config.withDefaults(),
		bridges: make(map[string]Bridge),
	}
}

// Scan browses for one scan window and returns every bridge seen in it,
// sorted by label. The result also replaces the scanner's snapshot.
func (s *Scanner) Scan(ctx context.Context) ([]Bridge, error) {
	scanCtx, cancel := context.WithTimeout(ctx, s.cfg.ScanTimeout)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry, 32)
	collected := make(map[string]Bridge)
	var collectedMu sync.Mutex
	collectorDone := make(chan struct{})

	collect := func(entry *zeroconf.ServiceEntry) {
		if entry == nil {
			return
		}
		bridge, ok := parseEntry(entry)
		if !ok {
			s.cfg.Logger.Debug("ignoring mdns entry without port",
				zap.String("instance", entry.Instance))
			return
		}
		collectedMu.Lock()
		collected[bridge.Instance] = bridge
		collectedMu.Unlock()
	}

	go func() {
		defer close(collectorDone)
		for {
			select {
			case <-scanCtx.Done():
				// Drain what was buffered before the window closed.
				for {
					select {
					case entry, ok := <-entries:
						if !ok {
							return
						}
						collect(entry)
					default:
						return
					}
				}
			case entry, ok := <-entries:
				if !ok {
					return
				}
				collect(entry)
			}
		}
	}()

	if err := s.cfg.browseFn(scanCtx, s.cfg.Service, s.cfg.Domain, entries); err != nil &&
		!errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled) {
		cancel()
		<-collectorDone
		return nil, err
	}

	<-scanCtx.Done()
	<-collectorDone

	// A parent cancellation aborts the scan; the scan window elapsing is the normal end.
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	collectedMu.Lock()
	next := collected
	collectedMu.Unlock()

	s.mu.Lock()
	s.bridges = next
	s.mu.Unlock()

	s.cfg.Logger.Debug("bridge scan complete",
		zap.String("service", s.cfg.Service),
		zap.Int("found", len(next)))

	return sortedBridges(next), nil
}

// Bridges returns the snapshot of the last completed scan.
func (s *Scanner) Bridges() []Bridge {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return sortedBridges(s.bridges)
}

// First scans and returns the first bridge by label, or false if none answered.
func (s *Scanner) First(ctx context.Context) (Bridge, bool, error) {
	bridges, err := s.Scan(ctx)
	if err != nil {
		return Bridge{}, false, err
	}
	if len(bridges) == 0 {
		return Bridge{}, false, nil
	}
	return bridges[0], true, nil
}

func sortedBridges(in map[string]Bridge) []Bridge {
	out := make([]Bridge, 0, len(in))
	for _, bridge := range in {
		out = append(out, bridge)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Label() == out[j].Label() {
			return out[i].Instance < out[j].Instance
		}
		return out[i].Label() < out[j].Label()
	})
	return out
}

func parseEntry(entry *zeroconf.ServiceEntry) (Bridge, bool) {
	if entry.Port <= 0 {
		return Bridge{}, false
	}
	txt := txtToMap(entry.Text)

	version := 0
	if txt["version"] != "" {
		if parsed, err := strconv.Atoi(txt["version"]); err == nil {
			version = parsed
		}
	}

	addresses := make([]string, 0, len(entry.AddrIPv4)+len(entry.AddrIPv6))
	seen := make(map[string]struct{})
	// IPv4 first so URL picks the address most bridges listen on.
	for _, ip := range append(append([]net.IP(nil), entry.AddrIPv4...), entry.AddrIPv6...) {
		if ip == nil {
			continue
		}
		raw := ip.String()
		if _, exists := seen[raw]; exists {
			continue
		}
		seen[raw] = struct{}{}
		addresses = append(addresses, raw)
	}

	instance := strings.TrimSpace(entry.Instance)
	if instance == "" {
		instance = strings.TrimSpace(entry.HostName)
	}

	return Bridge{
		Instance:  instance,
		RadioName: txt["radio"],
		RadioKey:  txt["radio_key"],
		Version:   version,
		HostName:  entry.HostName,
		Port:      entry.Port,
		Addresses: addresses,
		Path:      txt["path"],
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
