package matrix

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"
)

// discoveryTimeout bounds each well-known fetch.
const discoveryTimeout = 10 * time.Second

// DiscoveryTarget picks which discovery route resolves a bare server name.
type DiscoveryTarget string

const (
	// TargetClient resolves the client-server API base URL.
	TargetClient DiscoveryTarget = "client"
	// TargetServer resolves the federation base URL.
	TargetServer DiscoveryTarget = "server"
	// TargetIdentity resolves the identity-server base URL.
	TargetIdentity DiscoveryTarget = "identity"
)

// wellKnownClient is the response shape of /.well-known/matrix/client.
type wellKnownClient struct {
	Homeserver struct {
		BaseURL string `json:"base_url"`
	} `json:"m.homeserver"`
	IdentityServer struct {
		BaseURL string `json:"base_url"`
	} `json:"m.identity_server"`
}

// wellKnownServer is the response shape of /.well-known/matrix/server.
type wellKnownServer struct {
	Server string `json:"m.server"`
}

// ResolveServerName turns a server name into a base URL. Names carrying a
// scheme pass through unchanged and names with an explicit port skip
// discovery. Server targets try the _matrix._tcp SRV record, then the
// server well-known; client and identity targets fetch the client
// well-known. Every lookup failure falls back to port 8448 on the name
// itself.
func ResolveServerName(ctx context.Context, name string, target DiscoveryTarget) (string, error) {
	return defaultDiscoverer().resolve(ctx, name, target)
}

// NewForDomain resolves a server name and returns an API bound to the
// discovered base URL.
func NewForDomain(ctx context.Context, name string, target DiscoveryTarget) (*API, error) {
	base, err := ResolveServerName(ctx, name, target)
	if err != nil {
		return nil, err
	}
	transport, err := NewTransport(TransportConfig{Homeserver: base})
	if err != nil {
		return nil, err
	}
	return NewAPI(transport), nil
}

// discoverer carries the lookup dependencies so tests can fake the
// network.
type discoverer struct {
	client    *http.Client
	lookupSRV func(ctx context.Context, service, proto, name string) (string, []*net.SRV, error)
}

func defaultDiscoverer() *discoverer {
	var resolver net.Resolver
	return &discoverer{
		client:    &http.Client{Timeout: discoveryTimeout},
		lookupSRV: resolver.LookupSRV,
	}
}

func (d *discoverer) resolve(ctx context.Context, name string, target DiscoveryTarget) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", fmt.Errorf("matrix: empty server name")
	}
	if strings.Contains(name, "://") {
		return strings.TrimSuffix(name, "/"), nil
	}
	if _, _, err := net.SplitHostPort(name); err == nil {
		return "https://" + name, nil
	}

	switch target {
	case TargetServer:
		if host := d.srvLookup(ctx, name); host != "" {
			return "https://" + host, nil
		}
		if host := d.serverWellKnown(ctx, name); host != "" {
			return "https://" + ensurePort(host, "8448"), nil
		}
	default:
		if base := d.clientWellKnown(ctx, name, target); base != "" {
			return base, nil
		}
	}
	return "https://" + net.JoinHostPort(name, "8448"), nil
}

func (d *discoverer) clientWellKnown(ctx context.Context, name string, target DiscoveryTarget) string {
	var wk wellKnownClient
	if err := d.fetchWellKnown(ctx, "https://"+name+"/.well-known/matrix/client", &wk); err != nil {
		return ""
	}
	base := wk.Homeserver.BaseURL
	if target == TargetIdentity {
		base = wk.IdentityServer.BaseURL
	}
	return strings.TrimSuffix(base, "/")
}

func (d *discoverer) serverWellKnown(ctx context.Context, name string) string {
	var wk wellKnownServer
	if err := d.fetchWellKnown(ctx, "https://"+name+"/.well-known/matrix/server", &wk); err != nil {
		return ""
	}
	return wk.Server
}

func (d *discoverer) fetchWellKnown(ctx context.Context, rawURL string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return err
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("matrix: well-known returned %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err != nil {
		return err
	}
	return json.Unmarshal(body, v)
}

func (d *discoverer) srvLookup(ctx context.Context, name string) string {
	_, addrs, err := d.lookupSRV(ctx, "matrix", "tcp", name)
	if err != nil || len(addrs) == 0 {
		return ""
	}
	target := strings.TrimSuffix(addrs[0].Target, ".")
	return net.JoinHostPort(target, fmt.Sprintf("%d", addrs[0].Port))
}

// ensurePort appends the default port when host does not already carry
// one.
func ensurePort(host, port string) string {
	if _, _, err := net.SplitHostPort(host); err == nil {
		return host
	}
	return net.JoinHostPort(host, port)
}
