// Package router decides what to do with an inbound gateway request: serve
// the index page, redirect to a canonical URL, answer a well-known lookup,
// or serve a path from an archive.
//
// Plan is a pure function of the request. Route layers address resolution
// on top of it.
package router

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/JakeFAU/dat-gateway/internal/datkey"
	"github.com/JakeFAU/dat-gateway/internal/resolve"
)

// WellKnownTTL is the cache hint, in seconds, returned by well-known lookups.
const WellKnownTTL = 3600

// WellKnownPath is the archive-relative path answered with key metadata.
const WellKnownPath = "/.well-known/dat"

// staticAssets are root-level names browsers request on their own. They are
// never treated as archive addresses.
var staticAssets = map[string]struct{}{
	"favicon.ico":                      {},
	"robots.txt":                       {},
	"apple-touch-icon.png":             {},
	"apple-touch-icon-precomposed.png": {},
	"sitemap.xml":                      {},
	"humans.txt":                       {},
	"manifest.json":                    {},
}

// Kind enumerates routing outcomes.
type Kind int

// Routing outcomes.
const (
	KindIndex Kind = iota
	KindRedirect
	KindNotFound
	KindWellKnown
	KindResolve
)

func (k Kind) String() string {
	switch k {
	case KindIndex:
		return "index"
	case KindRedirect:
		return "redirect"
	case KindNotFound:
		return "not_found"
	case KindWellKnown:
		return "well_known"
	case KindResolve:
		return "archive"
	default:
		return "unknown"
	}
}

// Request is the part of an HTTP request the router looks at.
type Request struct {
	Host     string
	Path     string
	RawQuery string
	// Scheme is "http" or "https"; empty means "http".
	Scheme string
}

// FromHTTP extracts a Request from r.
func FromHTTP(r *http.Request) Request {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if fwd := r.Header.Get("X-Forwarded-Proto"); fwd == "http" || fwd == "https" {
		scheme = fwd
	}
	return Request{Host: r.Host, Path: r.URL.Path, RawQuery: r.URL.RawQuery, Scheme: scheme}
}

// Plan is the resolution-free part of a routing decision.
type Plan struct {
	Kind Kind
	// RedirectURL and CORS are set for KindRedirect.
	RedirectURL string
	CORS        bool
	// Address is the unresolved archive address for KindWellKnown and
	// KindResolve; Path is the archive-relative path, always starting with "/".
	Address string
	Path    string
	// SubdomainAddressed reports that Address came from the Host header.
	SubdomainAddressed bool
	// ToSubdomain asks Route to redirect to the subdomain form once the
	// address has been resolved.
	ToSubdomain bool
}

// Decision is the final routing result.
type Decision struct {
	Kind        Kind
	RedirectURL string
	// Status is the redirect status code.
	Status int
	CORS   bool
	Key    datkey.Key
	Path   string
	// TTL is set for KindWellKnown.
	TTL     int
	Address string
	// Err explains a KindNotFound that came from resolution.
	Err error
}

// Resolver maps an address to an archive key. Unknown names must produce an
// error wrapping resolve.ErrNameNotFound.
type Resolver interface {
	ResolveKey(ctx context.Context, address string) (datkey.Key, error)
}

// Config controls hostname handling.
type Config struct {
	// Redirect enables redirecting path-addressed requests to the subdomain form.
	Redirect bool
	// Loopback is the hostname loopback requests are redirected to, and a
	// base domain under which subdomain addressing is recognised.
	Loopback string
	// BaseHosts are additional public hostnames that accept subdomain addressing.
	BaseHosts []string
}

// Router computes decisions for inbound requests.
type Router struct {
	cfg      Config
	bases    []string
	resolver Resolver
}

// New builds a Router.
func New(cfg Config, resolver Resolver) (*Router, error) {
	cfg.Loopback = strings.ToLower(strings.Trim(cfg.Loopback, "."))
	if cfg.Loopback == "" {
		return nil, errors.New("loopback hostname is required")
	}
	if resolver == nil {
		return nil, errors.New("resolver is required")
	}
	bases := []string{cfg.Loopback}
	for _, b := range cfg.BaseHosts {
		if b = strings.ToLower(strings.Trim(b, ".")); b != "" {
			bases = append(bases, b)
		}
	}
	return &Router{cfg: cfg, bases: bases, resolver: resolver}, nil
}

// Plan applies every rule that does not need name resolution, in order:
// loopback normalisation, subdomain extraction, index, trailing slash.
func (rt *Router) Plan(req Request) Plan {
	hostname, port := splitHostPort(req.Host)
	hostname = strings.ToLower(hostname)

	if isLoopback(hostname) && !rt.underLoopback(hostname) {
		target := "http://" + rt.cfg.Loopback
		if port != "" {
			target += ":" + port
		}
		return Plan{Kind: KindRedirect, RedirectURL: withQuery(target+ensureLeadingSlash(req.Path), req.RawQuery), CORS: true}
	}

	if sub, ok := rt.subdomain(hostname); ok {
		return rt.planArchive(Plan{
			Kind:               KindResolve,
			Address:            sub,
			Path:               ensureLeadingSlash(req.Path),
			SubdomainAddressed: true,
		})
	}

	trimmed := strings.TrimPrefix(req.Path, "/")
	address, rest, hasSlash := strings.Cut(trimmed, "/")
	if address == "" {
		if rest == "" {
			return Plan{Kind: KindIndex}
		}
		// "//foo": an empty address is never resolvable.
		return Plan{Kind: KindNotFound}
	}
	if !hasSlash {
		if _, ok := staticAssets[strings.ToLower(address)]; ok {
			return Plan{Kind: KindNotFound, Address: address}
		}
		return Plan{Kind: KindRedirect, RedirectURL: withQuery("/"+address+"/", req.RawQuery)}
	}
	return rt.planArchive(Plan{
		Kind:        KindResolve,
		Address:     address,
		Path:        "/" + rest,
		ToSubdomain: rt.cfg.Redirect && rt.isBase(hostname),
	})
}

func (rt *Router) planArchive(p Plan) Plan {
	// The well-known answer is served on whatever host asked for it, so a
	// redirect to the subdomain never applies to it.
	if p.Path == WellKnownPath {
		p.Kind = KindWellKnown
		p.ToSubdomain = false
	}
	return p
}

// Route plans req and resolves the address if the plan needs one. Unknown
// names produce a KindNotFound decision; other resolver failures are
// returned as errors.
func (rt *Router) Route(ctx context.Context, req Request) (Decision, error) {
	p := rt.Plan(req)
	d := Decision{Kind: p.Kind, RedirectURL: p.RedirectURL, CORS: p.CORS, Address: p.Address, Path: p.Path}
	switch p.Kind {
	case KindRedirect:
		d.Status = http.StatusFound
		return d, nil
	case KindIndex, KindNotFound:
		return d, nil
	}

	key, err := rt.resolver.ResolveKey(ctx, p.Address)
	if err != nil {
		if errors.Is(err, resolve.ErrNameNotFound) {
			return Decision{Kind: KindNotFound, Address: p.Address, Err: err}, nil
		}
		return Decision{}, fmt.Errorf("route %q: %w", p.Address, err)
	}
	d.Key = key

	if p.ToSubdomain {
		label := resolve.Normalize(p.Address)
		if !strings.Contains(label, ".") {
			label = key.Subdomain()
		}
		scheme := req.Scheme
		if scheme == "" {
			scheme = "http"
		}
		host := strings.ToLower(req.Host)
		return Decision{
			Kind:        KindRedirect,
			RedirectURL: withQuery(scheme+"://"+label+"."+host+p.Path, req.RawQuery),
			Status:      http.StatusFound,
			Key:         key,
			Address:     p.Address,
		}, nil
	}
	if p.Kind == KindWellKnown {
		d.TTL = WellKnownTTL
	}
	return d, nil
}

// Target returns the address a request names, taken from the subdomain or
// else the first path segment. No redirect rules apply. It is used for
// WebSocket upgrades, which address an archive as "/<address>".
func (rt *Router) Target(req Request) (string, bool) {
	hostname, _ := splitHostPort(req.Host)
	if sub, ok := rt.subdomain(strings.ToLower(hostname)); ok {
		return sub, true
	}
	address, _, _ := strings.Cut(strings.TrimPrefix(req.Path, "/"), "/")
	return address, address != ""
}

// ResolveTarget resolves the address returned by Target.
func (rt *Router) ResolveTarget(ctx context.Context, req Request) (datkey.Key, error) {
	address, ok := rt.Target(req)
	if !ok {
		return datkey.Key{}, fmt.Errorf("no archive address in %q: %w", req.Path, resolve.ErrNameNotFound)
	}
	key, err := rt.resolver.ResolveKey(ctx, address)
	if err != nil {
		return datkey.Key{}, fmt.Errorf("route %q: %w", address, err)
	}
	return key, nil
}

// subdomain returns the address encoded in the leading labels of hostname,
// if hostname sits under a base domain and the labels form a valid address:
// either a dotted name or a single encoded key label.
func (rt *Router) subdomain(hostname string) (string, bool) {
	for _, base := range rt.bases {
		sub, ok := strings.CutSuffix(hostname, "."+base)
		if !ok || sub == "" {
			continue
		}
		if strings.Contains(sub, ".") {
			return sub, true
		}
		if _, err := datkey.DecodeSubdomain(sub); err == nil {
			return sub, true
		}
	}
	return "", false
}

// underLoopback reports whether hostname is the configured loopback domain
// or one of its subdomains.
func (rt *Router) underLoopback(hostname string) bool {
	return hostname == rt.cfg.Loopback || strings.HasSuffix(hostname, "."+rt.cfg.Loopback)
}

// isBase reports whether hostname is exactly one of the hosts under which
// subdomain addressing is recognised. Redirecting to a subdomain of any
// other host would produce a name the router cannot route back.
func (rt *Router) isBase(hostname string) bool {
	for _, base := range rt.bases {
		if hostname == base {
			return true
		}
	}
	return false
}

// isLoopback matches localhost and the literal loopback addresses.
func isLoopback(hostname string) bool {
	switch hostname {
	case "localhost", "127.0.0.1", "::1":
		return true
	}
	return false
}

// splitHostPort separates an optional port from a Host header value,
// including bracketed IPv6 literals.
func splitHostPort(host string) (string, string) {
	if strings.HasPrefix(host, "[") {
		end := strings.IndexByte(host, ']')
		if end < 0 {
			return host, ""
		}
		name := host[1:end]
		if rest := host[end+1:]; strings.HasPrefix(rest, ":") {
			return name, rest[1:]
		}
		return name, ""
	}
	if i := strings.LastIndexByte(host, ':'); i >= 0 && strings.Count(host, ":") == 1 {
		return host[:i], host[i+1:]
	}
	return host, ""
}

func ensureLeadingSlash(p string) string {
	if !strings.HasPrefix(p, "/") {
		return "/" + p
	}
	return p
}

func withQuery(u, rawQuery string) string {
	if rawQuery == "" {
		return u
	}
	return u + "?" + rawQuery
}
