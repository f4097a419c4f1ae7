package ldap

import (
	"context"
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/terraform-plugin-log/tflog"
)

// Resolver is the subset of *net.Resolver used for SRV lookups.
type Resolver interface {
	LookupSRV(ctx context.Context, service, proto, name string) (string, []*net.SRV, error)
}

// SRVDiscovery handles DNS SRV record discovery for domain controllers.
type SRVDiscovery struct {
	resolver Resolver
}

// NewSRVDiscovery creates a new SRV discovery instance.
// A nil resolver means net.DefaultResolver.
func NewSRVDiscovery(resolver Resolver) *SRVDiscovery {
	if resolver == nil {
		resolver = net.DefaultResolver
	}
	return &SRVDiscovery{resolver: resolver}
}

// ServerInfo contains information about an LDAP server.
type ServerInfo struct {
	Host     string
	Port     int
	Priority int
	Weight   int
}

// DiscoverPDC finds the domain controller holding the PDC emulator role for
// a DNS domain via _ldap._tcp.pdc._msdcs.<domain>.
func (d *SRVDiscovery) DiscoverPDC(ctx context.Context, domain string) (*ServerInfo, error) {
	if domain == "" {
		return nil, fmt.Errorf("domain cannot be empty")
	}

	servers, err := d.lookupSRV(ctx, "_ldap._tcp.pdc._msdcs."+domain)
	if err != nil {
		return nil, err
	}
	return servers[0], nil
}

// lookupSRV performs SRV record lookup for a specific service.
func (d *SRVDiscovery) lookupSRV(ctx context.Context, service string) ([]*ServerInfo, error) {
	start := time.Now()

	_, srvRecords, err := d.resolver.LookupSRV(ctx, "", "", service)
	duration := time.Since(start)

	if err != nil {
		tflog.SubsystemDebug(ctx, "ldap", "SRV lookup failed", map[string]any{
			"service":  service,
			"duration": duration.String(),
			"error":    err.Error(),
		})
		return nil, fmt.Errorf("SRV lookup failed for %s: %w", service, err)
	}

	tflog.SubsystemDebug(ctx, "ldap", "SRV lookup completed", map[string]any{
		"service":      service,
		"duration":     duration.String(),
		"record_count": len(srvRecords),
	})

	if len(srvRecords) == 0 {
		return nil, fmt.Errorf("no SRV records found for %s", service)
	}

	servers := make([]*ServerInfo, 0, len(srvRecords))
	for _, srv := range srvRecords {
		servers = append(servers, &ServerInfo{
			Host:     strings.TrimSuffix(srv.Target, "."),
			Port:     int(srv.Port),
			Priority: int(srv.Priority),
			Weight:   int(srv.Weight),
		})
	}

	sortServersByPriority(servers)
	return servers, nil
}

// sortServersByPriority sorts servers by priority and weight according to RFC 2782.
func sortServersByPriority(servers []*ServerInfo) {
	sort.SliceStable(servers, func(i, j int) bool {
		if servers[i].Priority != servers[j].Priority {
			return servers[i].Priority < servers[j].Priority
		}
		return servers[i].Weight > servers[j].Weight
	})
}

// ADsPath is a parsed LDAP://server[:port][/container] connection string.
type ADsPath struct {
	Host      string
	Port      int // zero when not given
	Container string
}

// PortSpecified reports whether the path carried an explicit port.
func (p *ADsPath) PortSpecified() bool {
	return p.Port != 0
}

// ParseADsPath parses an ADsPath connection string.
// The scheme is matched case-insensitively; serverless paths are rejected.
func ParseADsPath(path string) (*ADsPath, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("connection string cannot be empty")
	}

	const scheme = "ldap://"
	if len(path) < len(scheme) || !strings.EqualFold(path[:len(scheme)], scheme) {
		return nil, fmt.Errorf("unsupported scheme, connection string must start with LDAP://")
	}
	rest := path[len(scheme):]

	hostPort, container, _ := strings.Cut(rest, "/")
	if hostPort == "" {
		return nil, fmt.Errorf("serverless connection strings are not supported")
	}

	parsed := &ADsPath{Host: hostPort, Container: container}

	if host, portStr, err := net.SplitHostPort(hostPort); err == nil {
		port, err := strconv.Atoi(portStr)
		if err != nil || port <= 0 || port > 65535 {
			return nil, fmt.Errorf("invalid port number: %s", portStr)
		}
		if host == "" {
			return nil, fmt.Errorf("server name cannot be empty")
		}
		parsed.Host = host
		parsed.Port = port
	} else if strings.Contains(hostPort, ":") && !strings.HasPrefix(hostPort, "[") {
		return nil, fmt.Errorf("invalid server address: %s", hostPort)
	}

	return parsed, nil
}
