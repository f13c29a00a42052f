package gateway

import (
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/netip"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// AuditEvent records an access decision. Addresses are server-side only.
type AuditEvent struct {
	Timestamp time.Time `json:"ts"`
	RequestID string    `json:"request_id,omitempty"`
	SessionID string    `json:"preview_session_id,omitempty"`
	UserID    string    `json:"user_id,omitempty"`
	ClientIP  string    `json:"client_ip,omitempty"`
	Route     string    `json:"route"`
	Decision  string    `json:"decision"` // allow|deny|error
	Reason    string    `json:"reason"`
	Method    string    `json:"method"`
	Path      string    `json:"path"`
	Addresses []string  `json:"resolved_addresses,omitempty"`
}

// Auditor writes one JSON object per event.
type Auditor struct {
	mu  sync.Mutex
	enc *json.Encoder
}

// NewAuditor writes events to w. A nil w discards them.
func NewAuditor(w io.Writer) *Auditor {
	if w == nil {
		w = io.Discard
	}
	return &Auditor{enc: json.NewEncoder(w)}
}

func (a *Auditor) Emit(ev AuditEvent) {
	a.mu.Lock()
	defer a.mu.Unlock()
	_ = a.enc.Encode(ev)
}

const (
	routeProbe           = "probe"
	routeExchange        = "exchange"
	routeProxy           = "proxy"
	routeIssueExchange   = "issue_exchange_token"
	routeIssueUpstream   = "issue_upstream_origin_token"
	outcomeOK            = "ok"
	outcomeError         = "error"
	outcomeTimeout       = "timeout"
	outcomeClientAborted = "client_aborted"
)

// Metrics are registered on a per-gateway registry so tests can build many
// gateways in one process.
type Metrics struct {
	Registry         *prometheus.Registry
	requests         *prometheus.CounterVec
	denials          *prometheus.CounterVec
	inflight         prometheus.Gauge
	upstreamDuration *prometheus.HistogramVec
}

func newMetrics() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "preview_gateway_requests_total",
				Help: "Total number of requests handled by the preview gateway.",
			},
			[]string{"route", "code"},
		),
		denials: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "preview_gateway_denials_total",
				Help: "Requests refused by the pipeline, by reason code.",
			},
			[]string{"reason"},
		),
		inflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "preview_gateway_inflight",
			Help: "Proxied requests currently in flight.",
		}),
		upstreamDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "preview_gateway_upstream_duration_seconds",
				Help:    "Time to upstream response headers.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"outcome"},
		),
	}
	m.Registry.MustRegister(m.requests, m.denials, m.inflight, m.upstreamDuration)
	return m
}

// clientIP returns the caller address. X-Forwarded-For is only consulted
// when the gateway sits behind a trusted proxy.
func clientIP(r *http.Request, trustForwarded bool) string {
	if trustForwarded {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			first, _, _ := strings.Cut(xff, ",")
			if a, err := netip.ParseAddr(strings.TrimSpace(first)); err == nil {
				return a.Unmap().String()
			}
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	if a, err := netip.ParseAddr(host); err == nil {
		return a.Unmap().String()
	}
	return host
}
