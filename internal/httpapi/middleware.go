package httpapi

import (
	"bufio"
	"compress/gzip"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// routeClass decides how a route is limited and encoded.
type routeClass uint8

const (
	// classOps covers health, metrics and build info. Never limited.
	classOps routeClass = iota
	// classRead covers the JSON views a dashboard polls.
	classRead
	// classControl covers start, stop and restart. These get their own
	// buckets so a polling dashboard cannot starve the buttons.
	classControl
	// classStream covers the websocket and SSE endpoints. Limited per
	// connect, never compressed.
	classStream
)

func (c routeClass) String() string {
	switch c {
	case classRead:
		return "read"
	case classControl:
		return "control"
	case classStream:
		return "stream"
	default:
		return "ops"
	}
}

func (c routeClass) limited() bool { return c != classOps }

func (c routeClass) compressible() bool { return c == classRead }

// trackedWriter records the status and body size a route produced and, for
// compressible routes, gzips the body once the handler commits to one.
type trackedWriter struct {
	http.ResponseWriter
	status   int
	bytes    int64
	compress bool
	gz       *gzip.Writer
}

var gzipPool = sync.Pool{New: func() any { return gzip.NewWriter(nil) }}

func (w *trackedWriter) WriteHeader(code int) {
	if w.status != 0 {
		return
	}
	w.status = code
	if w.compress && bodyAllowed(code) && w.Header().Get("Content-Encoding") == "" {
		h := w.Header()
		h.Set("Content-Encoding", "gzip")
		h.Add("Vary", "Accept-Encoding")
		h.Del("Content-Length")
		w.gz = gzipPool.Get().(*gzip.Writer)
		w.gz.Reset(w.ResponseWriter)
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *trackedWriter) Write(b []byte) (int, error) {
	if w.status == 0 {
		w.WriteHeader(http.StatusOK)
	}
	w.bytes += int64(len(b))
	if w.gz != nil {
		return w.gz.Write(b)
	}
	return w.ResponseWriter.Write(b)
}

func (w *trackedWriter) Flush() {
	if w.gz != nil {
		_ = w.gz.Flush()
	}
	_ = http.NewResponseController(w.ResponseWriter).Flush()
}

// Hijack lets websocket upgrades through; the upgrade is recorded as 101.
func (w *trackedWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	conn, rw, err := http.NewResponseController(w.ResponseWriter).Hijack()
	if err == nil && w.status == 0 {
		w.status = http.StatusSwitchingProtocols
	}
	return conn, rw, err
}

func (w *trackedWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }

func (w *trackedWriter) Status() int {
	if w.status == 0 {
		return http.StatusOK
	}
	return w.status
}

// finish flushes the gzip trailer and returns the writer to the pool.
func (w *trackedWriter) finish() {
	if w.gz == nil {
		return
	}
	_ = w.gz.Close()
	w.gz.Reset(nil)
	gzipPool.Put(w.gz)
	w.gz = nil
}

func bodyAllowed(code int) bool {
	return code >= http.StatusOK && code != http.StatusNoContent && code != http.StatusNotModified
}

func acceptsGzip(r *http.Request) bool {
	for _, part := range strings.Split(r.Header.Get("Accept-Encoding"), ",") {
		name, params, _ := strings.Cut(part, ";")
		if !strings.EqualFold(strings.TrimSpace(name), "gzip") {
			continue
		}
		q := strings.ReplaceAll(params, " ", "")
		return q != "q=0" && q != "q=0.0"
	}
	return false
}

// clientBuckets is a token bucket per client IP and route class.
type clientBuckets struct {
	limit rate.Limit
	burst int
	idle  time.Duration

	mu        sync.Mutex
	buckets   map[bucketKey]*bucket
	nextSweep time.Time
}

type bucketKey struct {
	class routeClass
	ip    string
}

type bucket struct {
	lim  *rate.Limiter
	seen time.Time
}

// newClientBuckets returns nil, which allows everything, when rps is not
// positive.
func newClientBuckets(rps float64, burst int) *clientBuckets {
	if rps <= 0 {
		return nil
	}
	if burst < 1 {
		burst = 1
	}
	return &clientBuckets{
		limit:   rate.Limit(rps),
		burst:   burst,
		idle:    5 * time.Minute,
		buckets: make(map[bucketKey]*bucket),
	}
}

// allow takes a token for ip on class. When none is left it reports how long
// until one is.
func (b *clientBuckets) allow(class routeClass, ip string, now time.Time) (bool, time.Duration) {
	if b == nil {
		return true, 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if now.After(b.nextSweep) {
		for k, bk := range b.buckets {
			if now.Sub(bk.seen) > b.idle {
				delete(b.buckets, k)
			}
		}
		b.nextSweep = now.Add(b.idle)
	}

	key := bucketKey{class: class, ip: ip}
	bk, ok := b.buckets[key]
	if !ok {
		bk = &bucket{lim: rate.NewLimiter(b.limit, b.burst)}
		b.buckets[key] = bk
	}
	bk.seen = now

	res := bk.lim.ReserveN(now, 1)
	if delay := res.DelayFrom(now); delay > 0 {
		res.CancelAt(now)
		return false, delay
	}
	return true, 0
}

func retryAfter(d time.Duration) string {
	return strconv.Itoa(int(math.Max(1, math.Ceil(d.Seconds()))))
}

// clientIP prefers the first X-Forwarded-For hop; the server expects to sit
// behind at most one trusted proxy.
func clientIP(r *http.Request) string {
	if first, _, _ := strings.Cut(r.Header.Get("X-Forwarded-For"), ","); strings.TrimSpace(first) != "" {
		return strings.TrimSpace(first)
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

// originPolicy is the browser origin allow list for the control surface.
type originPolicy struct {
	any     bool
	allowed map[string]bool
}

// newOriginPolicy returns nil, which skips origin checks, for an empty list.
func newOriginPolicy(origins []string) *originPolicy {
	var p originPolicy
	for _, o := range origins {
		o = strings.TrimRight(strings.TrimSpace(o), "/")
		switch o {
		case "":
			continue
		case "*":
			p.any = true
		default:
			if p.allowed == nil {
				p.allowed = make(map[string]bool)
			}
			p.allowed[strings.ToLower(o)] = true
		}
	}
	if !p.any && len(p.allowed) == 0 {
		return nil
	}
	return &p
}

func (p *originPolicy) permits(origin string) bool {
	if p == nil {
		return true
	}
	lower := strings.ToLower(origin)
	if !strings.HasPrefix(lower, "http://") && !strings.HasPrefix(lower, "https://") {
		return false
	}
	return p.any || p.allowed[lower]
}

// decorate echoes an accepted origin back to the browser.
func (p *originPolicy) decorate(h http.Header, origin string) {
	if p == nil || origin == "" {
		return
	}
	h.Set("Access-Control-Allow-Origin", origin)
	h.Add("Vary", "Origin")
}
