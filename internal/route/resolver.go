// Package route selects the outbound mail transfer host for a destination
// address.
package route

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"
)

// ErrNoRoute is returned when no usable host exists for an address.
var ErrNoRoute = errors.New("no route to destination")

// Record is one mail exchanger candidate.
type Record struct {
	Preference int
	Host       string
}

// Lookup returns the mail exchanger records for a domain.
// An empty result with a nil error means the domain has no exchangers.
type Lookup interface {
	LookupRoutes(ctx context.Context, domain string) ([]Record, error)
}

// DNSLookup queries MX records through a net.Resolver.
type DNSLookup struct {
	Resolver *net.Resolver
}

// LookupRoutes implements Lookup.
func (l DNSLookup) LookupRoutes(ctx context.Context, domain string) ([]Record, error) {
	r := l.Resolver
	if r == nil {
		r = net.DefaultResolver
	}

	mxs, err := r.LookupMX(ctx, domain)
	if err != nil {
		var dnsErr *net.DNSError
		if errors.As(err, &dnsErr) && dnsErr.IsNotFound {
			return nil, nil
		}
		if len(mxs) == 0 {
			return nil, fmt.Errorf("mx lookup for %s: %w", domain, err)
		}
		// LookupMX returns the valid records alongside an error when some
		// of them were malformed.
	}

	records := make([]Record, 0, len(mxs))
	for _, mx := range mxs {
		records = append(records, Record{Preference: int(mx.Pref), Host: mx.Host})
	}
	return records, nil
}

// StaticLookup serves records from a configured table keyed by domain.
// Each entry is "<preference> <host>".
type StaticLookup struct {
	routes map[string][]Record
}

// NewStaticLookup parses a static route table. Entries whose preference is
// not numeric are discarded.
func NewStaticLookup(table map[string][]string) *StaticLookup {
	routes := make(map[string][]Record, len(table))
	for domain, entries := range table {
		key := strings.ToLower(strings.TrimSuffix(domain, "."))
		for _, entry := range entries {
			rec, ok := ParseRecord(entry)
			if !ok {
				continue
			}
			routes[key] = append(routes[key], rec)
		}
	}
	return &StaticLookup{routes: routes}
}

// LookupRoutes implements Lookup.
func (l *StaticLookup) LookupRoutes(ctx context.Context, domain string) ([]Record, error) {
	recs := l.routes[strings.ToLower(strings.TrimSuffix(domain, "."))]
	out := make([]Record, len(recs))
	copy(out, recs)
	return out, nil
}

// Has reports whether the table has an entry for domain.
func (l *StaticLookup) Has(domain string) bool {
	_, ok := l.routes[strings.ToLower(strings.TrimSuffix(domain, "."))]
	return ok
}

// ParseRecord parses a textual "<preference> <host>" record.
func ParseRecord(s string) (Record, bool) {
	fields := strings.Fields(s)
	if len(fields) != 2 {
		return Record{}, false
	}
	pref, err := strconv.Atoi(fields[0])
	if err != nil || pref < 0 {
		return Record{}, false
	}
	return Record{Preference: pref, Host: fields[1]}, true
}

// ChainLookup consults the static table first and falls back to Next for
// domains the table does not know.
type ChainLookup struct {
	Static *StaticLookup
	Next   Lookup
}

// LookupRoutes implements Lookup.
func (l ChainLookup) LookupRoutes(ctx context.Context, domain string) ([]Record, error) {
	if l.Static != nil && l.Static.Has(domain) {
		return l.Static.LookupRoutes(ctx, domain)
	}
	if l.Next == nil {
		return nil, nil
	}
	return l.Next.LookupRoutes(ctx, domain)
}

// Resolver picks the best host for an address.
type Resolver struct {
	lookup Lookup
}

// NewResolver creates a Resolver backed by lookup.
func NewResolver(lookup Lookup) *Resolver {
	return &Resolver{lookup: lookup}
}

// Resolve returns the most preferred mail exchanger for address with one
// trailing dot removed. Ties are broken by host name.
func (r *Resolver) Resolve(ctx context.Context, address string) (string, error) {
	i := strings.LastIndex(address, "@")
	if i < 0 {
		return "", ErrNoRoute
	}
	domain := address[i+1:]
	if domain == "" {
		return "", ErrNoRoute
	}

	records, err := r.lookup.LookupRoutes(ctx, domain)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrNoRoute, err)
	}

	host := Best(records)
	if host == "" {
		return "", ErrNoRoute
	}
	return host, nil
}

// Best ranks records and returns the winning host without its trailing dot,
// or "" when there is none.
func Best(records []Record) string {
	if len(records) == 0 {
		return ""
	}
	ranked := make([]Record, len(records))
	copy(ranked, records)
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].Preference != ranked[j].Preference {
			return ranked[i].Preference < ranked[j].Preference
		}
		return ranked[i].Host < ranked[j].Host
	})
	return strings.TrimSuffix(ranked[0].Host, ".")
}
