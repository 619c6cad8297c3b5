package discovery

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/grandcat/zeroconf"
	"go.uber.org/zap"
)

const (
	DefaultService     = "_meshchat-bridge._tcp"
	DefaultDomain      = "local."
	DefaultScanTimeout = 3 * time.Second
	DefaultPath        = "/ws"
)

type browseFunc func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error

// Config controls bridge discovery.
type Config struct {
	Service     string
	Domain      string
	ScanTimeout time.Duration
	Logger      *zap.Logger

	browseFn browseFunc
}

func (c Config) withDefaults() Config {
	out := c
	if strings.TrimSpace(out.Service) == "" {
		out.Service = DefaultService
	}
	if strings.TrimSpace(out.Domain) == "" {
		out.Domain = DefaultDomain
	}
	if out.ScanTimeout <= 0 {
		out.ScanTimeout = DefaultScanTimeout
	}
	if out.Logger == nil {
		out.Logger = zap.NewNop()
	}
	if out.browseFn == nil {
		out.browseFn = browseZeroconf
	}
	return out
}

func browseZeroconf(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return fmt.Errorf("create mdns resolver: %w", err)
	}
	return resolver.Browse(ctx, service, domain, entries)
}

// Bridge is a radio bridge announcing itself on the local network.
type Bridge struct {
	Instance  string
	RadioName string
	// RadioKey is the identity key prefix of the attached radio, when announced.
	RadioKey  string
	Version   int
	HostName  string
	Port      int
	Addresses []string
	Path      string
}

// URL returns the websocket endpoint of the bridge, preferring the first
// resolved address over the host name.
func (b Bridge) URL() string {
	host := strings.TrimSuffix(b.HostName, ".")
	if len(b.Addresses) > 0 {
		host = b.Addresses[0]
	}
	path := b.Path
	if path == "" {
		path = DefaultPath
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return "ws://" + net.JoinHostPort(host, strconv.Itoa(b.Port)) + path
}

// Label is the human facing name of the bridge.
func (b Bridge) Label() string {
	if b.RadioName != "" {
		return b.RadioName
	}
	return b.Instance
}
