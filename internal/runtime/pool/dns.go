package pool

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"
)

// dnsCache resolves hosts once per ttl and dials the cached addresses.
type dnsCache struct {
	dialer   *net.Dialer
	resolver *net.Resolver
	ttl      time.Duration
	now      func() time.Time

	mu      sync.Mutex
	entries map[string]dnsEntry
}

type dnsEntry struct {
	addrs   []string
	expires time.Time
}

func newDNSCache(dialer *net.Dialer, ttl time.Duration) *dnsCache {
	return &dnsCache{
		dialer:   dialer,
		resolver: net.DefaultResolver,
		ttl:      ttl,
		now:      time.Now,
		entries:  make(map[string]dnsEntry),
	}
}

func (d *dnsCache) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	host, port, err := net.SplitHostPort(address)
	if err != nil || d.ttl <= 0 || net.ParseIP(host) != nil {
		return d.dialer.DialContext(ctx, network, address)
	}

	addrs, err := d.lookup(ctx, host)
	if err != nil {
		return nil, err
	}
	var errs []error
	for _, ip := range addrs {
		conn, err := d.dialer.DialContext(ctx, network, net.JoinHostPort(ip, port))
		if err == nil {
			return conn, nil
		}
		errs = append(errs, err)
	}
	d.forget(host)
	return nil, errors.Join(errs...)
}

func (d *dnsCache) lookup(ctx context.Context, host string) ([]string, error) {
	d.mu.Lock()
	entry, ok := d.entries[host]
	d.mu.Unlock()
	if ok && d.now().Before(entry.expires) {
		return entry.addrs, nil
	}

	addrs, err := d.resolver.LookupHost(ctx, host)
	if err != nil {
		return nil, err
	}
	d.mu.Lock()
	d.entries[host] = dnsEntry{addrs: addrs, expires: d.now().Add(d.ttl)}
	d.mu.Unlock()
	return addrs, nil
}

func (d *dnsCache) forget(host string) {
	d.mu.Lock()
	delete(d.entries, host)
	d.mu.Unlock()
}
