// Package resolve turns user-supplied addresses into archive keys. Encoded
// keys decode locally; dotted names are looked up through the HTTPS
// well-known document and then DNS TXT records. Answers are cached for their
// TTL and concurrent lookups of one name share a single network round trip.
package resolve

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/dgraph-io/ristretto/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/JakeFAU/dat-gateway/internal/datkey"
	"github.com/JakeFAU/dat-gateway/internal/metrics"
)

// ErrNameNotFound reports that no record maps the name to a key.
var ErrNameNotFound = errors.New("dat name not found")

// Error is an unexpected resolver failure, such as an unreachable DNS server.
type Error struct {
	Name string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("resolve %q: %v", e.Name, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Sources of a resolution.
const (
	SourceKey       = "key"
	SourceCache     = "cache"
	SourceWellKnown = "well_known"
	SourceDNS       = "dns"
)

const (
	wellKnownPath    = "/.well-known/dat"
	maxWellKnownBody = 4 << 10
	txtPrefix        = "datkey="
)

var tracer = otel.Tracer("github.com/JakeFAU/dat-gateway/internal/resolve")

// Result is a resolved address.
type Result struct {
	Key datkey.Key
	// TTL is how long the answer may be cached. Zero for encoded keys.
	TTL    time.Duration
	Source string
}

// TXTLookupFunc matches net.Resolver.LookupTXT.
type TXTLookupFunc func(ctx context.Context, name string) ([]string, error)

// Config controls lookups and caching.
type Config struct {
	// Timeout bounds one network lookup (well-known plus DNS).
	Timeout time.Duration `mapstructure:"timeout"`
	// CacheSize is the maximum number of cached names.
	CacheSize int64 `mapstructure:"cache_size"`
	// DefaultTTL applies when a record carries no TTL.
	DefaultTTL time.Duration `mapstructure:"default_ttl"`
	// Scheme is used for well-known lookups; "https" outside tests.
	Scheme string `mapstructure:"scheme"`

	HTTPClient *http.Client  `mapstructure:"-"`
	LookupTXT  TXTLookupFunc `mapstructure:"-"`
	Logger     *zap.Logger   `mapstructure:"-"`
}

// Resolver resolves addresses. It is safe for concurrent use.
type Resolver struct {
	timeout    time.Duration
	defaultTTL time.Duration
	scheme     string
	client     *http.Client
	lookupTXT  TXTLookupFunc
	logger     *zap.Logger

	cache *ristretto.Cache[string, Result]
	group singleflight.Group
}

// New builds a Resolver, filling unset fields with defaults.
func New(cfg Config) (*Resolver, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = 1024
	}
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = time.Hour
	}
	if cfg.Scheme == "" {
		cfg.Scheme = "https"
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{
			CheckRedirect: func(_ *http.Request, via []*http.Request) error {
				if len(via) >= 3 {
					return errors.New("too many redirects")
				}
				return nil
			},
		}
	}
	if cfg.LookupTXT == nil {
		cfg.LookupTXT = net.DefaultResolver.LookupTXT
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	cache, err := ristretto.NewCache(&ristretto.Config[string, Result]{
		NumCounters: cfg.CacheSize * 10,
		MaxCost:     cfg.CacheSize,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("create resolve cache: %w", err)
	}
	return &Resolver{
		timeout:    cfg.Timeout,
		defaultTTL: cfg.DefaultTTL,
		scheme:     cfg.Scheme,
		client:     cfg.HTTPClient,
		lookupTXT:  cfg.LookupTXT,
		logger:     cfg.Logger,
		cache:      cache,
	}, nil
}

// Close releases the cache's background goroutines.
func (r *Resolver) Close() {
	r.cache.Close()
}

// Normalize lowercases address and strips a dat:// scheme, any path, and a
// +version suffix.
func Normalize(address string) string {
	s := strings.ToLower(strings.TrimSpace(address))
	s = strings.TrimPrefix(s, "dat://")
	if i := strings.IndexByte(s, '/'); i >= 0 {
		s = s[:i]
	}
	if i := strings.IndexByte(s, '+'); i >= 0 {
		s = s[:i]
	}
	return s
}

// ResolveKey is Resolve without the metadata.
func (r *Resolver) ResolveKey(ctx context.Context, address string) (datkey.Key, error) {
	res, err := r.Resolve(ctx, address)
	if err != nil {
		return datkey.Key{}, err
	}
	return res.Key, nil
}

// Resolve maps address to a key. It returns an error wrapping
// ErrNameNotFound when the name has no record, or an *Error for unexpected
// failures.
func (r *Resolver) Resolve(ctx context.Context, address string) (Result, error) {
	name := Normalize(address)
	if name == "" {
		return Result{}, fmt.Errorf("empty address: %w", ErrNameNotFound)
	}
	if k, err := datkey.Parse(name); err == nil {
		return Result{Key: k, Source: SourceKey}, nil
	}
	if !strings.Contains(name, ".") {
		metrics.ObserveResolve(SourceKey, "not_found")
		return Result{}, fmt.Errorf("%q is neither a key nor a domain name: %w", name, ErrNameNotFound)
	}
	if res, ok := r.cache.Get(name); ok {
		metrics.ObserveResolve(SourceCache, "hit")
		res.Source = SourceCache
		return res, nil
	}

	ch := r.group.DoChan(name, func() (any, error) {
		lookupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.timeout)
		defer cancel()
		return r.lookup(lookupCtx, name)
	})
	select {
	case out := <-ch:
		if out.Err != nil {
			return Result{}, out.Err
		}
		return out.Val.(Result), nil //nolint:forcetypeassert // lookup only returns Result
	case <-ctx.Done():
		return Result{}, fmt.Errorf("resolve %q: %w", name, ctx.Err())
	}
}

func (r *Resolver) lookup(ctx context.Context, name string) (Result, error) {
	ctx, span := tracer.Start(ctx, "resolve.lookup")
	span.SetAttributes(attribute.String("dat.name", name))
	defer span.End()

	res, err := r.lookupWellKnown(ctx, name)
	if err == nil {
		metrics.ObserveResolve(SourceWellKnown, "found")
		r.store(name, res)
		return res, nil
	}
	r.logger.Debug("well-known lookup failed, trying DNS", zap.String("name", name), zap.Error(err))

	res, err = r.lookupDNS(ctx, name)
	switch {
	case err == nil:
		metrics.ObserveResolve(SourceDNS, "found")
		r.store(name, res)
		return res, nil
	case errors.Is(err, ErrNameNotFound):
		metrics.ObserveResolve(SourceDNS, "not_found")
	default:
		metrics.ObserveResolve(SourceDNS, "error")
		span.RecordError(err)
		span.SetStatus(codes.Error, "dns lookup failed")
	}
	return Result{}, err
}

func (r *Resolver) store(name string, res Result) {
	r.cache.SetWithTTL(name, res, 1, res.TTL)
	r.cache.Wait()
}

func (r *Resolver) lookupWellKnown(ctx context.Context, name string) (Result, error) {
	url := r.scheme + "://" + name + wellKnownPath
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Result{}, fmt.Errorf("build well-known request: %w", err)
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("fetch %s: %w", url, err)
	}
	defer resp.Body.Close() //nolint:errcheck // read-only body
	if resp.StatusCode != http.StatusOK {
		return Result{}, fmt.Errorf("fetch %s: status %d", url, resp.StatusCode)
	}
	return r.parseWellKnown(io.LimitReader(resp.Body, maxWellKnownBody))
}

// parseWellKnown reads a document of the form
//
//	dat://<64 hex>
//	ttl=<seconds>
//
// where the ttl line is optional.
func (r *Resolver) parseWellKnown(body io.Reader) (Result, error) {
	sc := bufio.NewScanner(body)
	if !sc.Scan() {
		return Result{}, errors.New("empty well-known document")
	}
	first := strings.TrimSpace(sc.Text())
	if !strings.HasPrefix(strings.ToLower(first), "dat://") {
		return Result{}, fmt.Errorf("well-known document does not start with dat://")
	}
	k, err := datkey.ParseHex(strings.TrimSuffix(first[len("dat://"):], "/"))
	if err != nil {
		return Result{}, fmt.Errorf("well-known key: %w", err)
	}
	res := Result{Key: k, TTL: r.defaultTTL, Source: SourceWellKnown}
	for sc.Scan() {
		line := strings.ToLower(strings.TrimSpace(sc.Text()))
		v, ok := strings.CutPrefix(line, "ttl=")
		if !ok {
			continue
		}
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			res.TTL = time.Duration(secs) * time.Second
		}
	}
	return res, nil
}

func (r *Resolver) lookupDNS(ctx context.Context, name string) (Result, error) {
	records, err := r.lookupTXT(ctx, name)
	if err != nil {
		var dnsErr *net.DNSError
		if errors.As(err, &dnsErr) && dnsErr.IsNotFound {
			return Result{}, fmt.Errorf("no TXT record for %q: %w", name, ErrNameNotFound)
		}
		return Result{}, &Error{Name: name, Err: err}
	}
	for _, rec := range records {
		v, ok := strings.CutPrefix(strings.TrimSpace(rec), txtPrefix)
		if !ok {
			continue
		}
		if k, err := datkey.ParseHex(v); err == nil {
			return Result{Key: k, TTL: r.defaultTTL, Source: SourceDNS}, nil
		}
	}
	return Result{}, fmt.Errorf("no %s TXT record for %q: %w", txtPrefix, name, ErrNameNotFound)
}
