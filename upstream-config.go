package fanproxy

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Port used for upstreams that don't specify one.
const defaultUpstreamPort = 53

// UpstreamConfig describes one upstream resolver. Instances are immutable once
// created by an UpstreamList and are shared read-only by all components.
type UpstreamConfig struct {
	// Name suffix routed to this upstream. Empty marks a catch-all upstream
	// that is used when no suffix matches.
	Suffix string
	Host   string
	Port   int

	// Position in the configuration, starting at 1. Used as stable tie-break
	// when ordering upstreams.
	Index int
}

// Address returns the host:port of the upstream.
func (c UpstreamConfig) Address() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

func (c UpstreamConfig) String() string {
	if c.Suffix == "" {
		return c.Address()
	}
	return c.Suffix + "|" + c.Address()
}

// UpstreamList collects upstream configurations in the order they're defined and
// hands out their index. Indexes are never reused within one list.
type UpstreamList struct {
	next    int
	configs []UpstreamConfig
}

// Add appends an upstream to the list and returns its config.
func (l *UpstreamList) Add(suffix, host string, port int) UpstreamConfig {
	l.next++
	c := UpstreamConfig{
		Suffix: normalizeSuffix(suffix),
		Host:   host,
		Port:   port,
		Index:  l.next,
	}
	l.configs = append(l.configs, c)
	return c
}

// AddLine parses an upstream definition in the form [suffix|]host[:port] and adds
// it to the list. Comments starting with # and blank lines are ignored, the returned
// bool is false in that case.
func (l *UpstreamList) AddLine(line string) (UpstreamConfig, bool, error) {
	if i := strings.IndexByte(line, '#'); i >= 0 {
		line = line[:i]
	}
	line = strings.TrimSpace(line)
	if line == "" {
		return UpstreamConfig{}, false, nil
	}
	var suffix string
	if i := strings.IndexByte(line, '|'); i >= 0 {
		suffix, line = strings.TrimSpace(line[:i]), strings.TrimSpace(line[i+1:])
	}
	c, err := l.AddAddress(suffix, line)
	if err != nil {
		return UpstreamConfig{}, false, err
	}
	return c, true, nil
}

// AddAddress parses an address in the form host[:port] and adds it to the list
// with the given suffix. The port defaults to 53.
func (l *UpstreamList) AddAddress(suffix, address string) (UpstreamConfig, error) {
	host, port, err := parseHostPort(strings.TrimSpace(address))
	if err != nil {
		return UpstreamConfig{}, err
	}
	return l.Add(suffix, host, port), nil
}

// Configs returns the upstream configs in definition order.
func (l *UpstreamList) Configs() []UpstreamConfig {
	out := make([]UpstreamConfig, len(l.configs))
	copy(out, l.configs)
	return out
}

// Len returns the number of upstreams in the list.
func (l *UpstreamList) Len() int {
	return len(l.configs)
}

// LoadUpstreams reads upstream definitions, one per line, and adds them to the list.
func LoadUpstreams(r io.Reader, l *UpstreamList) error {
	s := bufio.NewScanner(r)
	var n int
	for s.Scan() {
		n++
		if _, _, err := l.AddLine(s.Text()); err != nil {
			return errors.Wrapf(err, "line %d", n)
		}
	}
	return s.Err()
}

// Splits host[:port] with support for bracketed IPv6 addresses and bare IPv6
// addresses without port.
func parseHostPort(s string) (string, int, error) {
	if s == "" {
		return "", 0, errors.New("empty upstream address")
	}
	if ip := net.ParseIP(s); ip != nil {
		return s, defaultUpstreamPort, nil
	}
	if strings.HasPrefix(s, "[") && strings.HasSuffix(s, "]") {
		return s[1 : len(s)-1], defaultUpstreamPort, nil
	}
	if !strings.Contains(s, ":") {
		return s, defaultUpstreamPort, nil
	}
	host, p, err := net.SplitHostPort(s)
	if err != nil {
		return "", 0, errors.Wrapf(err, "invalid upstream address '%s'", s)
	}
	port, err := strconv.Atoi(p)
	if err != nil || port <= 0 || port > 65535 {
		return "", 0, fmt.Errorf("invalid port in upstream address '%s'", s)
	}
	if host == "" {
		return "", 0, fmt.Errorf("missing host in upstream address '%s'", s)
	}
	return host, port, nil
}

func normalizeSuffix(s string) string {
	return strings.Trim(strings.ToLower(strings.TrimSpace(s)), ".")
}

// Resolves the addresses of all upstreams and fails if two of them point at the
// same address.
func resolveUpstreams(configs []UpstreamConfig) ([]*net.UDPAddr, error) {
	addrs := make([]*net.UDPAddr, 0, len(configs))
	seen := make(map[string]UpstreamConfig)
	for _, c := range configs {
		addr, err := net.ResolveUDPAddr("udp", c.Address())
		if err != nil {
			return nil, errors.Wrapf(err, "failed to resolve upstream %s", c)
		}
		key := addr.String()
		if first, ok := seen[key]; ok {
			return nil, DuplicateUpstreamError{Addr: key, First: first, Second: c}
		}
		seen[key] = c
		addrs = append(addrs, addr)
	}
	return addrs, nil
}
