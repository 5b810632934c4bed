package engine

import (
	"crypto/tls"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/oswatch/scanfleet/internal/domain"
)

// Target types understood by the built-in modules.
const (
	TargetInternetName = "INTERNET_NAME"
	TargetIPAddress    = "IP_ADDRESS"
	TargetEmail        = "EMAILADDR"
	TargetHumanName    = "HUMAN_NAME"
)

// builtinModules returns the default registry. Names carry the m_ prefix
// the classifier keys on.
func builtinModules() map[string]Module {
	mods := []Module{
		&dnsResolveModule{},
		&reverseDNSModule{},
		&portScanModule{ports: []int{21, 22, 25, 80, 110, 143, 443, 445, 3306, 3389, 8080, 8443}, timeout: 2 * time.Second},
		&sslCertModule{timeout: 5 * time.Second},
	}
	out := make(map[string]Module, len(mods))
	for _, m := range mods {
		out[m.Name()] = m
	}
	return out
}

// dnsResolveModule resolves hostnames to addresses.
type dnsResolveModule struct{}

func (m *dnsResolveModule) Name() string { return "m_dnsresolve" }

func (m *dnsResolveModule) Run(ctx domain.Context, target, targetType string) ([]Finding, error) {
	if targetType != TargetInternetName {
		return nil, nil
	}
	addrs, err := net.DefaultResolver.LookupHost(ctx, target)
	if err != nil {
		return nil, fmt.Errorf("op=m_dnsresolve: %w", err)
	}
	findings := make([]Finding, 0, len(addrs))
	for _, addr := range addrs {
		eventType := "IP_ADDRESS"
		if strings.Contains(addr, ":") {
			eventType = "IPV6_ADDRESS"
		}
		findings = append(findings, Finding{Type: eventType, Data: addr})
	}
	return findings, nil
}

// reverseDNSModule maps addresses back to names.
type reverseDNSModule struct{}

func (m *reverseDNSModule) Name() string { return "m_reversedns" }

func (m *reverseDNSModule) Run(ctx domain.Context, target, targetType string) ([]Finding, error) {
	if targetType != TargetIPAddress {
		return nil, nil
	}
	names, err := net.DefaultResolver.LookupAddr(ctx, target)
	if err != nil {
		return nil, fmt.Errorf("op=m_reversedns: %w", err)
	}
	findings := make([]Finding, 0, len(names))
	for _, name := range names {
		findings = append(findings, Finding{Type: "INTERNET_NAME", Data: strings.TrimSuffix(name, ".")})
	}
	return findings, nil
}

// portScanModule connect-scans a fixed port set. Slow by classification.
type portScanModule struct {
	ports   []int
	timeout time.Duration
}

func (m *portScanModule) Name() string { return "m_portscan_tcp" }

func (m *portScanModule) Run(ctx domain.Context, target, targetType string) ([]Finding, error) {
	if targetType != TargetIPAddress && targetType != TargetInternetName {
		return nil, nil
	}
	var findings []Finding
	dialer := net.Dialer{Timeout: m.timeout}
	for _, port := range m.ports {
		if ctx.Err() != nil {
			return findings, ctx.Err()
		}
		addr := net.JoinHostPort(target, fmt.Sprintf("%d", port))
		conn, err := dialer.DialContext(ctx, "tcp", addr)
		if err != nil {
			continue
		}
		_ = conn.Close()
		findings = append(findings, Finding{Type: "TCP_PORT_OPEN", Data: addr})
	}
	return findings, nil
}

// sslCertModule grabs the leaf certificate from port 443. Slow by
// classification.
type sslCertModule struct {
	timeout time.Duration
}

func (m *sslCertModule) Name() string { return "m_sslcert" }

func (m *sslCertModule) Run(ctx domain.Context, target, targetType string) ([]Finding, error) {
	if targetType != TargetInternetName {
		return nil, nil
	}
	dialer := net.Dialer{Timeout: m.timeout}
	conn, err := tls.DialWithDialer(&dialer, "tcp", net.JoinHostPort(target, "443"), &tls.Config{
		ServerName:         target,
		InsecureSkipVerify: true, //nolint:gosec // inspection, not trust
	})
	if err != nil {
		return nil, fmt.Errorf("op=m_sslcert: %w", err)
	}
	defer conn.Close()

	var findings []Finding
	for _, cert := range conn.ConnectionState().PeerCertificates {
		findings = append(findings, Finding{
			Type: "SSL_CERTIFICATE_ISSUED",
			Data: fmt.Sprintf("subject=%s issuer=%s notAfter=%s",
				cert.Subject, cert.Issuer, cert.NotAfter.UTC().Format(time.RFC3339)),
		})
		if cert.NotAfter.Before(time.Now()) {
			findings = append(findings, Finding{
				Type: "SSL_CERTIFICATE_EXPIRED",
				Data: fmt.Sprintf("subject=%s notAfter=%s",
					cert.Subject, cert.NotAfter.UTC().Format(time.RFC3339)),
			})
		}
		for _, name := range cert.DNSNames {
			findings = append(findings, Finding{Type: "INTERNET_NAME", Data: name})
		}
		break
	}
	return findings, nil
}
