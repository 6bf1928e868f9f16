package controller

import (
	"context"
	"net"
	"strconv"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/pkg/errors"

	"github.com/armadaproject/corral/internal/common/corralerrors"
)

const (
	resolverTTL     = 5 * time.Minute
	resolverCleanup = 10 * time.Minute
)

// HostLookup resolves a host name to addresses.
type HostLookup func(ctx context.Context, host string) ([]string, error)

// resolver maps node names to agent addresses, caching lookups. Lookups may block on DNS, so they only
// run on the worker pool.
type resolver struct {
	lookup HostLookup
	cache  *cache.Cache
}

func newResolver(lookup HostLookup) *resolver {
	if lookup == nil {
		lookup = net.DefaultResolver.LookupHost
	}
	return &resolver{
		lookup: lookup,
		cache:  cache.New(resolverTTL, resolverCleanup),
	}
}

// Resolve returns host:port for a node with the given address and port. Literal IP addresses are not
// looked up.
func (r *resolver) Resolve(ctx context.Context, host string, port uint16) (string, error) {
	p := strconv.Itoa(int(port))
	if net.ParseIP(host) != nil {
		return net.JoinHostPort(host, p), nil
	}
	if addr, ok := r.cache.Get(host); ok {
		return net.JoinHostPort(addr.(string), p), nil
	}
	addrs, err := r.lookup(ctx, host)
	if err != nil {
		return "", errors.WithMessage(corralerrors.New(corralerrors.CodeConnectionError, err.Error()), "resolving "+host)
	}
	if len(addrs) == 0 {
		return "", corralerrors.Newf(corralerrors.CodeConnectionError, "no addresses for %s", host)
	}
	r.cache.SetDefault(host, addrs[0])
	return net.JoinHostPort(addrs[0], p), nil
}

// Forget drops a cached lookup, e.g. after the node stopped answering.
func (r *resolver) Forget(host string) {
	r.cache.Delete(host)
}
