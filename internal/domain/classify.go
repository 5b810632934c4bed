package domain

import "strings"

// DefaultSlowModules lists the modules routed to scans.slow: port
// scanning, crawling, brute force, and heavily rate-limited API modules.
// Workers on the slow queue scale independently so these never starve
// fast reconnaissance.
var DefaultSlowModules = []string{
	"m_portscan_tcp",
	"m_sslcert",
	"m_spider",
	"m_crawler",
	"m_webanalyzer",
	"m_shodan",
	"m_virustotal",
	"m_censys",
	"m_passivetotal",
	"m_ipstack",
	"m_hackertarget",
	"m_bruteforce",
	"m_dns_brute",
}

// Classifier decides which task queue a module list belongs on.
type Classifier struct {
	slow map[string]struct{}
}

// NewClassifier builds a Classifier from a slow-module list; an empty
// list falls back to DefaultSlowModules.
func NewClassifier(slowModules []string) *Classifier {
	if len(slowModules) == 0 {
		slowModules = DefaultSlowModules
	}
	set := make(map[string]struct{}, len(slowModules))
	for _, m := range slowModules {
		if m = strings.TrimSpace(m); m != "" {
			set[m] = struct{}{}
		}
	}
	return &Classifier{slow: set}
}

// Classify returns QueueSlow when any module in the CSV list is in the
// slow set, QueueFast otherwise. An empty list is fast.
func (c *Classifier) Classify(moduleList string) string {
	for _, m := range strings.Split(moduleList, ",") {
		if m = strings.TrimSpace(m); m == "" {
			continue
		}
		if _, ok := c.slow[m]; ok {
			return QueueSlow
		}
	}
	return QueueFast
}

// SplitModules parses a CSV module list into trimmed, non-empty names.
func SplitModules(moduleList string) []string {
	parts := strings.Split(moduleList, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
