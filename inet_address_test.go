//go:build linux

package netreactor

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestInetAddress(t *testing.T) {
	addr, err := NewInetAddress("127.0.0.1", 80)
	require.NoError(t, err)
	assert.False(t, addr.IsIPv6())
	assert.Equal(t, unix.AF_INET, addr.Family())
	assert.Equal(t, "127.0.0.1:80", addr.String())

	addr6, err := NewInetAddress("::1", 443)
	require.NoError(t, err)
	assert.True(t, addr6.IsIPv6())
	assert.Equal(t, unix.AF_INET6, addr6.Family())
	assert.Equal(t, "[::1]:443", addr6.String())

	_, err = NewInetAddress("not-an-ip", 1)
	assert.Error(t, err)

	assert.Equal(t, "0.0.0.0:9", AnyAddress(9, false).String())
	assert.Equal(t, "127.0.0.1:9", AnyAddress(9, true).String())
}

func TestInetAddressSockaddrRoundTrip(t *testing.T) {
	for _, ip := range []string{"10.1.2.3", "fe80::1"} {
		addr, err := NewInetAddress(ip, 8080)
		require.NoError(t, err)
		back := sockaddrToInetAddress(addr.Sockaddr())
		assert.True(t, addr.IP.Equal(back.IP), ip)
		assert.Equal(t, 8080, back.Port)
	}
}

func TestResolver(t *testing.T) {
	resolver, err := NewResolver(time.Minute)
	require.NoError(t, err)
	defer resolver.Close()
	lookups := 0
	resolver.lookup = func(ctx context.Context, host string) ([]net.IPAddr, error) {
		lookups++
		if host == "broken.test" {
			return nil, errors.New("no such host")
		}
		return []net.IPAddr{{IP: net.ParseIP("::1")}, {IP: net.ParseIP("10.0.0.1")}}, nil
	}
	ctx := context.Background()

	addr, err := resolver.Resolve(ctx, "192.168.1.1:53")
	require.NoError(t, err)
	assert.Equal(t, "192.168.1.1:53", addr.String())
	assert.Equal(t, 0, lookups)

	addr, err = resolver.Resolve(ctx, ":8080")
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0:8080", addr.String())

	addr, err = resolver.Resolve(ctx, "echo.test:7")
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.1:7", addr.String())
	assert.Equal(t, 1, lookups)

	_, err = resolver.Resolve(ctx, "broken.test:7")
	assert.Error(t, err)

	_, err = resolver.Resolve(ctx, "echo.test:http")
	assert.Error(t, err)
	_, err = resolver.Resolve(ctx, "no-port")
	assert.Error(t, err)
}

func TestResolveInetAddress(t *testing.T) {
	addr, err := ResolveInetAddress("127.0.0.1:2007")
	require.NoError(t, err)
	assert.Equal(t, 2007, addr.Port)
}
