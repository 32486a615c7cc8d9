package api

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/polyroute/polyroute/internal/metrics"
	"github.com/polyroute/polyroute/internal/observability"
	routeerrors "github.com/polyroute/polyroute/pkg/errors"
)

// visitorIdleTTL is how long a client's token bucket survives without
// traffic before the sweep drops it.
const visitorIdleTTL = 3 * time.Minute

// sweepEvery spaces the inline visitor sweeps.
const sweepEvery = time.Minute

// MiddlewareConfig tunes the standard middleware stack.
type MiddlewareConfig struct {
	Logger *slog.Logger

	// InboundRPS caps each client's sustained request rate before any
	// router work happens. Zero disables the inbound limiter.
	InboundRPS   float64
	InboundBurst int

	// TrustedProxies lists proxy addresses (IPs or CIDRs) whose
	// X-Forwarded-For headers are believed.
	TrustedProxies []string
}

// Chain wraps next in the standard stack, outermost first: panic recovery,
// correlation IDs, client address resolution, inbound smoothing, access
// logging and HTTP metrics.
func Chain(next http.Handler, cfg MiddlewareConfig) http.Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	handler := metrics.Middleware(next)
	handler = AccessLog(logger)(handler)
	if cfg.InboundRPS > 0 {
		handler = NewInboundLimiter(cfg.InboundRPS, cfg.InboundBurst, logger).Middleware(handler)
	}
	handler = ClientIP(cfg.TrustedProxies)(handler)
	handler = observability.CorrelationMiddleware(handler)
	handler = Recover(logger)(handler)
	return handler
}

// Recover turns handler panics into 500 problem responses. The panic value
// stays in the log; the client sees only the generic payload.
func Recover(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				logger.Error("handler panic",
					"panic", rec,
					"method", r.Method,
					"path", r.URL.Path,
					"stack", string(debug.Stack()),
				)
				rerr := routeerrors.NewInternal(nil).
					WithCorrelationID(observability.CorrelationIDFromContext(r.Context()))
				writeProblem(w, logger, rerr)
			}()
			next.ServeHTTP(w, r)
		})
	}
}

type clientIPKey struct{}

// ClientIP resolves the real client address once per request and stores it
// in the context. When the peer is a trusted proxy the rightmost
// X-Forwarded-For hop not itself trusted wins; otherwise the socket address
// is authoritative and the header is ignored.
func ClientIP(trustedProxies []string) func(http.Handler) http.Handler {
	trusted := parseProxySpecs(trustedProxies)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := resolveClientIP(r, trusted)
			ctx := context.WithValue(r.Context(), clientIPKey{}, ip)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// ClientIPFromContext returns the resolved client address, or "" when the
// middleware did not run.
func ClientIPFromContext(ctx context.Context) string {
	ip, _ := ctx.Value(clientIPKey{}).(string)
	return ip
}

func resolveClientIP(r *http.Request, trusted []netip.Prefix) string {
	peer, ok := remoteIP(r)
	if !ok {
		return r.RemoteAddr
	}
	if len(trusted) == 0 || !containsIP(trusted, peer) {
		return peer.String()
	}

	hops := forwardedHops(r.Header.Values("X-Forwarded-For"))
	for i := len(hops) - 1; i >= 0; i-- {
		ip, err := netip.ParseAddr(hops[i])
		if err != nil {
			// A malformed hop poisons everything to its left.
			break
		}
		if !containsIP(trusted, ip) {
			return ip.String()
		}
	}
	return peer.String()
}

func remoteIP(r *http.Request) (netip.Addr, bool) {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return netip.Addr{}, false
	}
	return addr.Unmap(), true
}

// parseProxySpecs accepts plain addresses and CIDR ranges. Entries that
// parse as neither are dropped, which fails toward ignoring the forwarded
// header rather than trusting it.
func parseProxySpecs(specs []string) []netip.Prefix {
	prefixes := make([]netip.Prefix, 0, len(specs))
	for _, spec := range specs {
		spec = strings.TrimSpace(spec)
		if spec == "" {
			continue
		}
		if p, err := netip.ParsePrefix(spec); err == nil {
			prefixes = append(prefixes, p)
			continue
		}
		if a, err := netip.ParseAddr(spec); err == nil {
			a = a.Unmap()
			prefixes = append(prefixes, netip.PrefixFrom(a, a.BitLen()))
		}
	}
	return prefixes
}

func containsIP(prefixes []netip.Prefix, addr netip.Addr) bool {
	for _, p := range prefixes {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

func forwardedHops(headers []string) []string {
	var hops []string
	for _, header := range headers {
		for _, hop := range strings.Split(header, ",") {
			hop = strings.TrimSpace(hop)
			if hop != "" {
				hops = append(hops, hop)
			}
		}
	}
	return hops
}

// InboundLimiter smooths per-client request rates with a token bucket per
// address, in front of the router's identity quotas. Buckets for idle
// clients are swept inline so the map stays bounded under address churn.
type InboundLimiter struct {
	rps    rate.Limit
	burst  int
	logger *slog.Logger
	now    func() time.Time

	mu        sync.Mutex
	visitors  map[string]*visitor
	lastSweep time.Time
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewInboundLimiter creates a limiter allowing rps sustained requests per
// client with the given burst headroom.
func NewInboundLimiter(rps float64, burst int, logger *slog.Logger) *InboundLimiter {
	if burst < 1 {
		burst = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &InboundLimiter{
		rps:      rate.Limit(rps),
		burst:    burst,
		logger:   logger,
		now:      time.Now,
		visitors: make(map[string]*visitor),
	}
}

// Middleware denies requests above the per-client budget with the standard
// rate-limited problem payload.
func (l *InboundLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := ClientIPFromContext(r.Context())
		if ip == "" {
			ip = r.RemoteAddr
		}
		if !l.allow(ip) {
			metrics.RecordRateLimitDenial("inbound")
			rerr := routeerrors.NewRateLimited("inbound", time.Second).
				WithCorrelationID(observability.CorrelationIDFromContext(r.Context()))
			writeProblem(w, l.logger, rerr)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (l *InboundLimiter) allow(ip string) bool {
	now := l.now()

	l.mu.Lock()
	if now.Sub(l.lastSweep) > sweepEvery {
		l.sweepLocked(now)
		l.lastSweep = now
	}
	v, ok := l.visitors[ip]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(l.rps, l.burst)}
		l.visitors[ip] = v
	}
	v.lastSeen = now
	l.mu.Unlock()

	return v.limiter.Allow()
}

func (l *InboundLimiter) sweepLocked(now time.Time) {
	for ip, v := range l.visitors {
		if now.Sub(v.lastSeen) > visitorIdleTTL {
			delete(l.visitors, ip)
		}
	}
}

// Len reports the tracked client count.
func (l *InboundLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.visitors)
}

// AccessLog emits one structured line per served request.
func AccessLog(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &responseRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)

			logger.LogAttrs(r.Context(), slog.LevelInfo, "http request",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", rec.status),
				slog.Int64("bytes", rec.bytes),
				slog.Int64("duration_ms", time.Since(start).Milliseconds()),
				slog.String("client_ip", ClientIPFromContext(r.Context())),
				slog.String("correlation_id", observability.CorrelationIDFromContext(r.Context())),
			)
		})
	}
}

// responseRecorder captures the status and byte count for the access log.
type responseRecorder struct {
	http.ResponseWriter
	status int
	bytes  int64
}

func (r *responseRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *responseRecorder) Write(p []byte) (int, error) {
	n, err := r.ResponseWriter.Write(p)
	r.bytes += int64(n)
	return n, err
}

// Flush implements http.Flusher for handlers that stream.
func (r *responseRecorder) Flush() {
	if flusher, ok := r.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}
