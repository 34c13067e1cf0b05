package metrics

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"
)

type Registry struct {
	mu         sync.RWMutex
	endpoint   map[string]*EndpointStat
	recovery   map[string]int64
	freeze     map[string]int64
	errorKind  map[string]int64
	delivery   map[string]int64
	gauges     map[string]float64
	Histograms *HistogramRegistry
}

type EndpointStat struct {
	Count          int64   `json:"count"`
	ErrorCount     int64   `json:"error_count"`
	TotalMillis    int64   `json:"total_millis"`
	MaxMillis      int64   `json:"max_millis"`
	AverageMillis  float64 `json:"average_millis"`
	LastStatusCode int     `json:"last_status_code"`
}

type Snapshot struct {
	GeneratedAt     string                  `json:"generated_at"`
	Endpoints       map[string]EndpointStat `json:"endpoints"`
	RecoveryTotals  map[string]int64        `json:"recovery_totals"`
	FreezeTotals    map[string]int64        `json:"freeze_totals"`
	ErrorKindTotals map[string]int64        `json:"error_kind_totals"`
	DeliveryTotals  map[string]int64        `json:"outbox_delivery_totals"`
	Gauges          map[string]float64      `json:"gauges"`
	Histograms      []HistogramSnapshot     `json:"histograms,omitempty"`
}

func NewRegistry() *Registry {
	return &Registry{
		endpoint:   map[string]*EndpointStat{},
		recovery:   map[string]int64{},
		freeze:     map[string]int64{},
		errorKind:  map[string]int64{},
		delivery:   map[string]int64{},
		gauges:     map[string]float64{},
		Histograms: NewHistogramRegistry(),
	}
}

func (r *Registry) ObserveLatency(endpoint string, d time.Duration) {
	r.Histograms.ObserveDuration(endpoint, d)
}

func (r *Registry) Observe(path string, status int, d time.Duration) {
	millis := d.Milliseconds()
	r.mu.Lock()
	defer r.mu.Unlock()
	stat, ok := r.endpoint[path]
	if !ok {
		stat = &EndpointStat{}
		r.endpoint[path] = stat
	}
	stat.Count++
	if status >= 400 {
		stat.ErrorCount++
	}
	stat.TotalMillis += millis
	if millis > stat.MaxMillis {
		stat.MaxMillis = millis
	}
	stat.LastStatusCode = status
	stat.AverageMillis = float64(stat.TotalMillis) / float64(stat.Count)
}

func inc(mu *sync.RWMutex, m map[string]int64, key string, delta int64) {
	key = strings.TrimSpace(key)
	if key == "" || delta <= 0 {
		return
	}
	mu.Lock()
	m[key] += delta
	mu.Unlock()
}

// IncRecovery counts recovery ledger transitions (initiated, approved, completed, cancelled).
func (r *Registry) IncRecovery(transition string) {
	inc(&r.mu, r.recovery, strings.ToLower(transition), 1)
}

// IncFreeze counts freeze table changes (frozen, unfrozen, auto_unfrozen).
func (r *Registry) IncFreeze(action string) {
	inc(&r.mu, r.freeze, strings.ToLower(action), 1)
}

func (r *Registry) IncErrorKind(kind string) {
	inc(&r.mu, r.errorKind, kind, 1)
}

// AddDelivery counts outbox events handed to a sink, by sink and result.
func (r *Registry) AddDelivery(sink, result string, n int) {
	if strings.TrimSpace(sink) == "" {
		return
	}
	inc(&r.mu, r.delivery, sink+"|"+result, int64(n))
}

func (r *Registry) SetGauge(name string, value float64) {
	if name == "" {
		return
	}
	r.mu.Lock()
	r.gauges[name] = value
	r.mu.Unlock()
}

func copyCounts(m map[string]int64) map[string]int64 {
	out := make(map[string]int64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func (r *Registry) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := Snapshot{
		GeneratedAt:     time.Now().UTC().Format(time.RFC3339),
		Endpoints:       make(map[string]EndpointStat, len(r.endpoint)),
		RecoveryTotals:  copyCounts(r.recovery),
		FreezeTotals:    copyCounts(r.freeze),
		ErrorKindTotals: copyCounts(r.errorKind),
		DeliveryTotals:  copyCounts(r.delivery),
		Gauges:          make(map[string]float64, len(r.gauges)),
	}
	for k, v := range r.endpoint {
		out.Endpoints[k] = *v
	}
	for k, v := range r.gauges {
		out.Gauges[k] = v
	}
	out.Histograms = r.Histograms.Snapshots()
	return out
}

func (r *Registry) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		snap := r.Snapshot()
		w.Header().Set("Content-Type", "application/json")
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		_ = enc.Encode(snap)
	}
}

func writeCounter(b *strings.Builder, name, help, label string, values map[string]int64) {
	fmt.Fprintf(b, "# HELP %s %s\n", name, help)
	fmt.Fprintf(b, "# TYPE %s counter\n", name)
	for _, k := range SortedKeys(values) {
		fmt.Fprintf(b, "%s{%s=%q} %d\n", name, label, k, values[k])
	}
}

func (r *Registry) PrometheusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		snap := r.Snapshot()
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		b := &strings.Builder{}
		b.WriteString("# HELP vaultguard_endpoint_count total requests by endpoint\n")
		b.WriteString("# TYPE vaultguard_endpoint_count counter\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			fmt.Fprintf(b, "vaultguard_endpoint_count{endpoint=%q} %d\n", ep, snap.Endpoints[ep].Count)
		}
		b.WriteString("# HELP vaultguard_endpoint_error_count total endpoint errors\n")
		b.WriteString("# TYPE vaultguard_endpoint_error_count counter\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			fmt.Fprintf(b, "vaultguard_endpoint_error_count{endpoint=%q} %d\n", ep, snap.Endpoints[ep].ErrorCount)
		}
		b.WriteString("# HELP vaultguard_endpoint_avg_millis endpoint average latency in milliseconds\n")
		b.WriteString("# TYPE vaultguard_endpoint_avg_millis gauge\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			fmt.Fprintf(b, "vaultguard_endpoint_avg_millis{endpoint=%q} %.3f\n", ep, snap.Endpoints[ep].AverageMillis)
		}
		b.WriteString("# HELP vaultguard_endpoint_max_millis endpoint max latency in milliseconds\n")
		b.WriteString("# TYPE vaultguard_endpoint_max_millis gauge\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			fmt.Fprintf(b, "vaultguard_endpoint_max_millis{endpoint=%q} %d\n", ep, snap.Endpoints[ep].MaxMillis)
		}

		writeCounter(b, "vaultguard_recovery_total", "recovery ledger transitions", "transition", snap.RecoveryTotals)
		writeCounter(b, "vaultguard_freeze_total", "freeze table changes", "action", snap.FreezeTotals)
		writeCounter(b, "vaultguard_error_kind_total", "rejected operations by error kind", "kind", snap.ErrorKindTotals)

		b.WriteString("# HELP vaultguard_outbox_delivery_total outbox events by sink and result\n")
		b.WriteString("# TYPE vaultguard_outbox_delivery_total counter\n")
		for _, key := range SortedKeys(snap.DeliveryTotals) {
			sink, result, _ := strings.Cut(key, "|")
			fmt.Fprintf(b, "vaultguard_outbox_delivery_total{sink=%q,result=%q} %d\n", sink, result, snap.DeliveryTotals[key])
		}

		b.WriteString("# HELP vaultguard_gauge operational gauge metrics\n")
		b.WriteString("# TYPE vaultguard_gauge gauge\n")
		for _, name := range SortedKeys(snap.Gauges) {
			fmt.Fprintf(b, "vaultguard_gauge{name=%q} %.3f\n", name, snap.Gauges[name])
		}
		for _, h := range snap.Histograms {
			b.WriteString("# HELP vaultguard_latency_seconds latency histogram\n")
			b.WriteString("# TYPE vaultguard_latency_seconds histogram\n")
			for _, bucket := range h.Buckets {
				fmt.Fprintf(b, "vaultguard_latency_seconds_bucket{endpoint=%q,le=\"%.3f\"} %d\n", h.Name, bucket.Le, bucket.Count)
			}
			fmt.Fprintf(b, "vaultguard_latency_seconds_bucket{endpoint=%q,le=\"+Inf\"} %d\n", h.Name, h.Count)
			fmt.Fprintf(b, "vaultguard_latency_seconds_sum{endpoint=%q} %.6f\n", h.Name, h.Sum)
			fmt.Fprintf(b, "vaultguard_latency_seconds_count{endpoint=%q} %d\n", h.Name, h.Count)
			fmt.Fprintf(b, "vaultguard_latency_p95_seconds{endpoint=%q} %.6f\n", h.Name, h.P95)
		}
		_, _ = w.Write([]byte(b.String()))
	}
}

func SortedKeys[M ~map[string]V, V any](m M) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
