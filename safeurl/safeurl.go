package safeurl

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
	"syscall"
)

// ErrBlocked marks an address rejected by the SSRF policy. Callers can
// tell a policy rejection apart from an ordinary connection failure with
// errors.Is.
var ErrBlocked = errors.New("address blocked by SSRF policy")

// Reserved, private, loopback, link-local, carrier-NAT, documentation and
// multicast ranges. Loaded once; every call site shares these tables.
var blockedCIDRs = []string{
	// IPv4
	"0.0.0.0/8",
	"10.0.0.0/8",
	"100.64.0.0/10",
	"127.0.0.0/8",
	"169.254.0.0/16",
	"172.16.0.0/12",
	"192.0.0.0/24",
	"192.0.2.0/24",
	"192.168.0.0/16",
	"198.18.0.0/15",
	"198.51.100.0/24",
	"203.0.113.0/24",
	"224.0.0.0/4",
	"240.0.0.0/4",
	"255.255.255.255/32",
	// IPv6
	"::/128",
	"::1/128",
	"fc00::/7",
	"fe80::/10",
	"ff00::/8",
	"2001:db8::/32",
}

// Hostnames that never resolve to something we should probe, matched
// exactly and as parent domains of subdomains.
var blockedHostnames = []string{
	"localhost",
	"internal",
	"metadata.goog",
	"instance-data",
	"kubernetes.default.svc",
	"cluster.local",
}

var blockedNets []*net.IPNet

func init() {
	blockedNets = make([]*net.IPNet, 0, len(blockedCIDRs))
	for _, cidr := range blockedCIDRs {
		_, ipNet, err := net.ParseCIDR(cidr)
		if err != nil {
			panic(fmt.Sprintf("safeurl: bad blocklist CIDR %q: %v", cidr, err))
		}
		blockedNets = append(blockedNets, ipNet)
	}
}

// IsSafeIP reports whether the IP is outside every blocked range.
// IPv4-mapped IPv6 addresses are unwrapped by To4; 6to4 addresses have
// their embedded IPv4 extracted and re-checked so 2002:7f00:1:: cannot
// smuggle in 127.0.0.1.
func IsSafeIP(ip net.IP) error {
	if ip == nil {
		return fmt.Errorf("%w: unparseable IP", ErrBlocked)
	}

	for _, ipNet := range blockedNets {
		if ipNet.Contains(ip) {
			return fmt.Errorf("%w: %s in %s", ErrBlocked, ip, ipNet)
		}
	}

	// 6to4: the IPv4 address lives in bytes 2..5 of the 16-byte form.
	if ip16 := ip.To16(); ip16 != nil && ip.To4() == nil && ip16[0] == 0x20 && ip16[1] == 0x02 {
		embedded := net.IPv4(ip16[2], ip16[3], ip16[4], ip16[5])
		if err := IsSafeIP(embedded); err != nil {
			return fmt.Errorf("%w: 6to4 address embeds %s", ErrBlocked, embedded)
		}
	}

	return nil
}

// IsSafeHost validates a bare host: literal IPs against the range tables,
// symbolic names against the hostname blocklist and then against the
// ranges for every address they currently resolve to. The resolution
// step only defends the create-time validator; the connect-time check in
// DialControl is the authoritative one.
func IsSafeHost(host string) error {
	host = strings.TrimSuffix(strings.ToLower(host), ".")
	if host == "" {
		return fmt.Errorf("%w: empty host", ErrBlocked)
	}

	if ip := net.ParseIP(host); ip != nil {
		return IsSafeIP(ip)
	}

	for _, blocked := range blockedHostnames {
		if host == blocked || strings.HasSuffix(host, "."+blocked) {
			return fmt.Errorf("%w: hostname %s", ErrBlocked, host)
		}
	}

	ips, err := net.LookupIP(host)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", host, err)
	}
	for _, ip := range ips {
		if err := IsSafeIP(ip); err != nil {
			return err
		}
	}
	return nil
}

// IsSafeURL validates a candidate monitor target: http(s) scheme plus a
// safe host.
func IsSafeURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBlocked, err)
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return fmt.Errorf("%w: scheme %q", ErrBlocked, u.Scheme)
	}
	return IsSafeHost(u.Hostname())
}

// IsSafe is the boolean form used by validation call sites.
func IsSafe(raw string) bool {
	return IsSafeURL(raw) == nil
}

// DialControl is a net.Dialer Control hook that re-validates the address
// the socket is actually about to connect to. It runs after DNS
// resolution, so a record that flipped to a private IP between
// validation time and request time is still refused.
func DialControl(network, address string, _ syscall.RawConn) error {
	host, _, err := net.SplitHostPort(address)
	if err != nil {
		host = address
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return fmt.Errorf("%w: dial to non-IP address %q", ErrBlocked, address)
	}
	return IsSafeIP(ip)
}
