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
	mu              sync.RWMutex
	endpoint        map[string]*EndpointStat
	outcome         map[string]int64
	reason          map[string]int64
	gauges          map[string]float64
	purposeOutcome  map[string]int64
	uploadBackend   map[string]int64
	settlement      map[string]int64
	replayRejects   int64
	tokensIssued    int64
	assertionVerify VerifyLatencyStat
	Histograms      *HistogramRegistry
}

type EndpointStat struct {
	Count          int64   `json:"count"`
	ErrorCount     int64   `json:"error_count"`
	TotalMillis    int64   `json:"total_millis"`
	MaxMillis      int64   `json:"max_millis"`
	AverageMillis  float64 `json:"average_millis"`
	LastStatusCode int     `json:"last_status_code"`
}

type VerifyLatencyStat struct {
	Count   int64   `json:"count"`
	TotalMS int64   `json:"total_ms"`
	MaxMS   int64   `json:"max_ms"`
	LastMS  int64   `json:"last_ms"`
	AvgMS   float64 `json:"avg_ms"`
}

type Snapshot struct {
	GeneratedAt              string                  `json:"generated_at"`
	Endpoints                map[string]EndpointStat `json:"endpoints"`
	Outcomes                 map[string]int64        `json:"outcomes"`
	Reasons                  map[string]int64        `json:"reasons"`
	Gauges                   map[string]float64      `json:"gauges"`
	PurposeOutcome           map[string]int64        `json:"purpose_outcome"`
	UploadTotals             map[string]int64        `json:"upload_totals"`
	SettlementTotals         map[string]int64        `json:"settlement_totals"`
	ReplayRejects            int64                   `json:"replay_rejects_total"`
	TokensIssued             int64                   `json:"tokens_issued_total"`
	AssertionVerifyLatencyMS VerifyLatencyStat       `json:"assertion_verify_latency_ms"`
	Histograms               []HistogramSnapshot     `json:"histograms,omitempty"`
}

func NewRegistry() *Registry {
	return &Registry{
		endpoint:       map[string]*EndpointStat{},
		outcome:        map[string]int64{},
		reason:         map[string]int64{},
		gauges:         map[string]float64{},
		purposeOutcome: map[string]int64{},
		uploadBackend:  map[string]int64{},
		settlement:     map[string]int64{},
		Histograms:     NewHistogramRegistry(),
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

func (r *Registry) IncOutcome(outcome string) {
	if outcome == "" {
		return
	}
	r.mu.Lock()
	r.outcome[outcome]++
	r.mu.Unlock()
}

func (r *Registry) IncReason(reason string) {
	if reason == "" {
		return
	}
	r.mu.Lock()
	r.reason[reason]++
	r.mu.Unlock()
}

// IncPurposeOutcome counts access decisions keyed by service purpose
// and outcome ("granted" / "denied").
func (r *Registry) IncPurposeOutcome(purpose, outcome string) {
	purpose = strings.TrimSpace(purpose)
	outcome = strings.TrimSpace(outcome)
	if purpose == "" {
		return
	}
	if outcome == "" {
		outcome = "unknown"
	}
	key := purpose + "|" + outcome
	r.mu.Lock()
	r.purposeOutcome[key]++
	r.mu.Unlock()
}

func (r *Registry) ObserveAssertionVerify(d time.Duration) {
	ms := d.Milliseconds()
	if ms < 0 {
		ms = 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.assertionVerify.Count++
	r.assertionVerify.TotalMS += ms
	r.assertionVerify.LastMS = ms
	if ms > r.assertionVerify.MaxMS {
		r.assertionVerify.MaxMS = ms
	}
	r.assertionVerify.AvgMS = float64(r.assertionVerify.TotalMS) / float64(r.assertionVerify.Count)
}

func (r *Registry) IncUpload(backend string) {
	backend = strings.TrimSpace(strings.ToLower(backend))
	if backend == "" {
		return
	}
	r.mu.Lock()
	r.uploadBackend[backend]++
	r.mu.Unlock()
}

// IncSettlement counts on-ledger settlements triggered per purpose.
func (r *Registry) IncSettlement(purpose string) {
	purpose = strings.TrimSpace(purpose)
	if purpose == "" {
		return
	}
	r.mu.Lock()
	r.settlement[purpose]++
	r.mu.Unlock()
}

func (r *Registry) IncReplayReject() {
	r.mu.Lock()
	r.replayRejects++
	r.mu.Unlock()
}

func (r *Registry) IncTokenIssued() {
	r.mu.Lock()
	r.tokensIssued++
	r.mu.Unlock()
}

func (r *Registry) SetGauge(name string, value float64) {
	if name == "" {
		return
	}
	r.mu.Lock()
	r.gauges[name] = value
	r.mu.Unlock()
}

func (r *Registry) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := Snapshot{
		GeneratedAt:      time.Now().UTC().Format(time.RFC3339),
		Endpoints:        make(map[string]EndpointStat, len(r.endpoint)),
		Outcomes:         make(map[string]int64, len(r.outcome)),
		Reasons:          make(map[string]int64, len(r.reason)),
		Gauges:           make(map[string]float64, len(r.gauges)),
		PurposeOutcome:   make(map[string]int64, len(r.purposeOutcome)),
		UploadTotals:     make(map[string]int64, len(r.uploadBackend)),
		SettlementTotals: make(map[string]int64, len(r.settlement)),
		ReplayRejects:    r.replayRejects,
		TokensIssued:     r.tokensIssued,
		AssertionVerifyLatencyMS: VerifyLatencyStat{
			Count:   r.assertionVerify.Count,
			TotalMS: r.assertionVerify.TotalMS,
			MaxMS:   r.assertionVerify.MaxMS,
			LastMS:  r.assertionVerify.LastMS,
			AvgMS:   r.assertionVerify.AvgMS,
		},
	}
	for k, v := range r.endpoint {
		out.Endpoints[k] = *v
	}
	for k, v := range r.outcome {
		out.Outcomes[k] = v
	}
	for k, v := range r.reason {
		out.Reasons[k] = v
	}
	for k, v := range r.gauges {
		out.Gauges[k] = v
	}
	for k, v := range r.purposeOutcome {
		out.PurposeOutcome[k] = v
	}
	for k, v := range r.uploadBackend {
		out.UploadTotals[k] = v
	}
	for k, v := range r.settlement {
		out.SettlementTotals[k] = v
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

func (r *Registry) PrometheusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		snap := r.Snapshot()
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		b := &strings.Builder{}
		b.WriteString("# HELP nodegate_endpoint_count total requests by endpoint\n")
		b.WriteString("# TYPE nodegate_endpoint_count counter\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			stat := snap.Endpoints[ep]
			fmt.Fprintf(b, "nodegate_endpoint_count{endpoint=%q} %d\n", ep, stat.Count)
		}
		b.WriteString("# HELP nodegate_endpoint_error_count total endpoint errors\n")
		b.WriteString("# TYPE nodegate_endpoint_error_count counter\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			stat := snap.Endpoints[ep]
			fmt.Fprintf(b, "nodegate_endpoint_error_count{endpoint=%q} %d\n", ep, stat.ErrorCount)
		}
		b.WriteString("# HELP nodegate_endpoint_avg_millis endpoint average latency in milliseconds\n")
		b.WriteString("# TYPE nodegate_endpoint_avg_millis gauge\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			stat := snap.Endpoints[ep]
			fmt.Fprintf(b, "nodegate_endpoint_avg_millis{endpoint=%q} %.3f\n", ep, stat.AverageMillis)
		}
		b.WriteString("# HELP nodegate_endpoint_max_millis endpoint max latency in milliseconds\n")
		b.WriteString("# TYPE nodegate_endpoint_max_millis gauge\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			stat := snap.Endpoints[ep]
			fmt.Fprintf(b, "nodegate_endpoint_max_millis{endpoint=%q} %d\n", ep, stat.MaxMillis)
		}
		b.WriteString("# HELP nodegate_outcome_total total decisions by outcome\n")
		b.WriteString("# TYPE nodegate_outcome_total counter\n")
		for _, outcome := range SortedKeys(snap.Outcomes) {
			fmt.Fprintf(b, "nodegate_outcome_total{outcome=%q} %d\n", outcome, snap.Outcomes[outcome])
		}
		b.WriteString("# HELP nodegate_reason_total total decisions by reason code\n")
		b.WriteString("# TYPE nodegate_reason_total counter\n")
		for _, reason := range SortedKeys(snap.Reasons) {
			fmt.Fprintf(b, "nodegate_reason_total{reason=%q} %d\n", reason, snap.Reasons[reason])
		}
		b.WriteString("# HELP nodegate_decision_total access decisions by purpose and outcome\n")
		b.WriteString("# TYPE nodegate_decision_total counter\n")
		for _, key := range SortedKeys(snap.PurposeOutcome) {
			parts := strings.SplitN(key, "|", 2)
			purpose := parts[0]
			outcome := "unknown"
			if len(parts) == 2 {
				outcome = parts[1]
			}
			fmt.Fprintf(b, "nodegate_decision_total{purpose=%q,outcome=%q} %d\n", purpose, outcome, snap.PurposeOutcome[key])
		}
		b.WriteString("# HELP nodegate_upload_total uploads by storage backend\n")
		b.WriteString("# TYPE nodegate_upload_total counter\n")
		for _, backend := range SortedKeys(snap.UploadTotals) {
			fmt.Fprintf(b, "nodegate_upload_total{backend=%q} %d\n", backend, snap.UploadTotals[backend])
		}
		b.WriteString("# HELP nodegate_settlement_total settlements triggered by purpose\n")
		b.WriteString("# TYPE nodegate_settlement_total counter\n")
		for _, purpose := range SortedKeys(snap.SettlementTotals) {
			fmt.Fprintf(b, "nodegate_settlement_total{purpose=%q} %d\n", purpose, snap.SettlementTotals[purpose])
		}
		b.WriteString("# HELP nodegate_replay_rejects_total assertions rejected for jti replay\n")
		b.WriteString("# TYPE nodegate_replay_rejects_total counter\n")
		fmt.Fprintf(b, "nodegate_replay_rejects_total %d\n", snap.ReplayRejects)
		b.WriteString("# HELP nodegate_tokens_issued_total bearer tokens issued\n")
		b.WriteString("# TYPE nodegate_tokens_issued_total counter\n")
		fmt.Fprintf(b, "nodegate_tokens_issued_total %d\n", snap.TokensIssued)
		b.WriteString("# HELP nodegate_gauge operational gauge metrics\n")
		b.WriteString("# TYPE nodegate_gauge gauge\n")
		for _, name := range SortedKeys(snap.Gauges) {
			fmt.Fprintf(b, "nodegate_gauge{name=%q} %.3f\n", name, snap.Gauges[name])
		}
		for _, h := range snap.Histograms {
			b.WriteString("# HELP nodegate_latency_seconds latency histogram\n")
			b.WriteString("# TYPE nodegate_latency_seconds histogram\n")
			for _, bucket := range h.Buckets {
				fmt.Fprintf(b, "nodegate_latency_seconds_bucket{endpoint=%q,le=\"%.3f\"} %d\n", h.Name, bucket.Le, bucket.Count)
			}
			fmt.Fprintf(b, "nodegate_latency_seconds_bucket{endpoint=%q,le=\"+Inf\"} %d\n", h.Name, h.Count)
			fmt.Fprintf(b, "nodegate_latency_seconds_sum{endpoint=%q} %.6f\n", h.Name, h.Sum)
			fmt.Fprintf(b, "nodegate_latency_seconds_count{endpoint=%q} %d\n", h.Name, h.Count)
			fmt.Fprintf(b, "nodegate_latency_p50_seconds{endpoint=%q} %.6f\n", h.Name, h.P50)
			fmt.Fprintf(b, "nodegate_latency_p95_seconds{endpoint=%q} %.6f\n", h.Name, h.P95)
			fmt.Fprintf(b, "nodegate_latency_p99_seconds{endpoint=%q} %.6f\n", h.Name, h.P99)
		}

		b.WriteString("# HELP nodegate_assertion_verify_latency_ms client assertion verify latency in ms\n")
		b.WriteString("# TYPE nodegate_assertion_verify_latency_ms gauge\n")
		fmt.Fprintf(b, "nodegate_assertion_verify_latency_ms{stat=%q} %d\n", "last", snap.AssertionVerifyLatencyMS.LastMS)
		fmt.Fprintf(b, "nodegate_assertion_verify_latency_ms{stat=%q} %.3f\n", "avg", snap.AssertionVerifyLatencyMS.AvgMS)
		fmt.Fprintf(b, "nodegate_assertion_verify_latency_ms{stat=%q} %d\n", "max", snap.AssertionVerifyLatencyMS.MaxMS)

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
