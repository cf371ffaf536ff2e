//go:build linux

package netreactor

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/dgraph-io/ristretto"
	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"
)

const defaultResolveTTL = 30 * time.Second

type InetAddress struct {
	IP   net.IP
	Port int
}

func NewInetAddress(ip string, port int) (InetAddress, error) {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return InetAddress{}, fmt.Errorf("invalid ip address %q", ip)
	}
	return InetAddress{IP: parsed, Port: port}, nil
}

// AnyAddress is the wildcard IPv4 address, or loopback when loopbackOnly.
func AnyAddress(port int, loopbackOnly bool) InetAddress {
	if loopbackOnly {
		return InetAddress{IP: net.IPv4(127, 0, 0, 1), Port: port}
	}
	return InetAddress{IP: net.IPv4zero, Port: port}
}

func (a InetAddress) IsIPv6() bool {
	return a.IP != nil && a.IP.To4() == nil
}

func (a InetAddress) Family() int {
	if a.IsIPv6() {
		return unix.AF_INET6
	}
	return unix.AF_INET
}

func (a InetAddress) Sockaddr() unix.Sockaddr {
	if a.IsIPv6() {
		sa := &unix.SockaddrInet6{Port: a.Port}
		copy(sa.Addr[:], a.IP.To16())
		return sa
	}
	sa := &unix.SockaddrInet4{Port: a.Port}
	if ip4 := a.IP.To4(); ip4 != nil {
		copy(sa.Addr[:], ip4)
	}
	return sa
}

func (a InetAddress) IPString() string {
	if a.IP == nil {
		return ""
	}
	return a.IP.String()
}

func (a InetAddress) String() string {
	return net.JoinHostPort(a.IPString(), strconv.Itoa(a.Port))
}

func sockaddrToInetAddress(sa unix.Sockaddr) InetAddress {
	switch addr := sa.(type) {
	case *unix.SockaddrInet4:
		return InetAddress{IP: net.IPv4(addr.Addr[0], addr.Addr[1], addr.Addr[2], addr.Addr[3]), Port: addr.Port}
	case *unix.SockaddrInet6:
		ip := make(net.IP, net.IPv6len)
		copy(ip, addr.Addr[:])
		return InetAddress{IP: ip, Port: addr.Port}
	}
	return InetAddress{}
}

type lookupFunc func(ctx context.Context, host string) ([]net.IPAddr, error)

// Resolver turns host:port strings into addresses, caching host lookups so a
// reconnecting client does not hit DNS on every attempt.
type Resolver struct {
	cache  *ristretto.Cache
	ttl    time.Duration
	lookup lookupFunc
}

func NewResolver(ttl time.Duration) (*Resolver, error) {
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 1 << 14,
		MaxCost:     1 << 10,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}
	return &Resolver{
		cache:  cache,
		ttl:    ttl,
		lookup: net.DefaultResolver.LookupIPAddr,
	}, nil
}

func (r *Resolver) Resolve(ctx context.Context, hostport string) (InetAddress, error) {
	host, portStr, err := net.SplitHostPort(hostport)
	if err != nil {
		return InetAddress{}, err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 0 || port > 65535 {
		return InetAddress{}, fmt.Errorf("invalid port in %q", hostport)
	}
	if host == "" {
		return AnyAddress(port, false), nil
	}
	if ip := net.ParseIP(host); ip != nil {
		return InetAddress{IP: ip, Port: port}, nil
	}
	if cached, ok := r.cache.Get(host); ok {
		return InetAddress{IP: cached.(net.IP), Port: port}, nil
	}
	addrs, err := r.lookup(ctx, host)
	if err != nil {
		return InetAddress{}, err
	}
	if len(addrs) == 0 {
		return InetAddress{}, fmt.Errorf("no addresses found for %q", host)
	}
	ip := addrs[0].IP
	for _, addr := range addrs {
		if addr.IP.To4() != nil {
			ip = addr.IP
			break
		}
	}
	if log.Debug().Enabled() {
		log.Debug().Msgf("resolved %s to %s", host, ip)
	}
	r.cache.SetWithTTL(host, ip, 1, r.ttl)
	return InetAddress{IP: ip, Port: port}, nil
}

func (r *Resolver) Close() {
	r.cache.Close()
}

var defaultResolver struct {
	once     sync.Once
	resolver *Resolver
	err      error
}

// ResolveInetAddress resolves hostport through a process-wide cached resolver.
func ResolveInetAddress(hostport string) (InetAddress, error) {
	defaultResolver.once.Do(func() {
		defaultResolver.resolver, defaultResolver.err = NewResolver(defaultResolveTTL)
	})
	if defaultResolver.err != nil {
		return InetAddress{}, defaultResolver.err
	}
	return defaultResolver.resolver.Resolve(context.Background(), hostport)
}
