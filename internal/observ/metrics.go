package observ

import (
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
)

const histWindow = 512

type registry struct {
	mu       sync.Mutex
	counters map[string]map[string]int64   // name -> labelsKey -> count
	gauges   map[string]map[string]float64 // name -> labelsKey -> value
	hist     map[string]map[string][]float64
}

var reg = newRegistry()

func newRegistry() *registry {
	return &registry{
		counters: map[string]map[string]int64{},
		gauges:   map[string]map[string]float64{},
		hist:     map[string]map[string][]float64{},
	}
}

// canonicalize label map so key order is stable
func canonLabels(lbl map[string]string) string {
	if len(lbl) == 0 {
		return ""
	}
	keys := make([]string, 0, len(lbl))
	for k := range lbl {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteString(",")
		}
		b.WriteString(k)
		b.WriteString("=")
		b.WriteString(lbl[k])
	}
	return b.String()
}

func IncCounter(name string, labels map[string]string) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	m, ok := reg.counters[name]
	if !ok {
		m = map[string]int64{}
		reg.counters[name] = m
	}
	m[canonLabels(labels)]++
}

func SetGauge(name string, value float64, labels map[string]string) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	m, ok := reg.gauges[name]
	if !ok {
		m = map[string]float64{}
		reg.gauges[name] = m
	}
	m[canonLabels(labels)] = value
}

// Observe keeps the most recent histWindow samples per series.
func Observe(name string, value float64, labels map[string]string) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	m, ok := reg.hist[name]
	if !ok {
		m = map[string][]float64{}
		reg.hist[name] = m
	}
	k := canonLabels(labels)
	s := append(m[k], value)
	if len(s) > histWindow {
		s = s[len(s)-histWindow:]
	}
	m[k] = s
}

func RecordDuration(name string, d time.Duration, labels map[string]string) {
	Observe(name+"_ms", float64(d.Milliseconds()), labels)
}

// CounterValue reads a single counter series; zero when absent.
func CounterValue(name string, labels map[string]string) int64 {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	return reg.counters[name][canonLabels(labels)]
}

// ResetMetrics drops every series. Tests only.
func ResetMetrics() {
	fresh := newRegistry()
	reg.mu.Lock()
	reg.counters, reg.gauges, reg.hist = fresh.counters, fresh.gauges, fresh.hist
	reg.mu.Unlock()
}

type histSummary struct {
	Count int     `json:"count"`
	P50   float64 `json:"p50"`
	P95   float64 `json:"p95"`
	Max   float64 `json:"max"`
}

func summarize(samples []float64) histSummary {
	if len(samples) == 0 {
		return histSummary{}
	}
	sorted := append([]float64(nil), samples...)
	sort.Float64s(sorted)
	at := func(q float64) float64 {
		i := int(float64(len(sorted)) * q)
		if i >= len(sorted) {
			i = len(sorted) - 1
		}
		return sorted[i]
	}
	return histSummary{Count: len(sorted), P50: at(0.50), P95: at(0.95), Max: sorted[len(sorted)-1]}
}

// Handler dumps the registry as JSON (not Prometheus format on purpose).
func Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		reg.mu.Lock()
		counters := make(map[string]map[string]int64, len(reg.counters))
		for name, series := range reg.counters {
			cp := make(map[string]int64, len(series))
			for k, v := range series {
				cp[k] = v
			}
			counters[name] = cp
		}
		gauges := make(map[string]map[string]float64, len(reg.gauges))
		for name, series := range reg.gauges {
			cp := make(map[string]float64, len(series))
			for k, v := range series {
				cp[k] = v
			}
			gauges[name] = cp
		}
		hist := make(map[string]map[string]histSummary, len(reg.hist))
		for name, series := range reg.hist {
			cp := make(map[string]histSummary, len(series))
			for k, v := range series {
				cp[k] = summarize(v)
			}
			hist[name] = cp
		}
		reg.mu.Unlock()
		c.JSON(http.StatusOK, gin.H{
			"counters":   counters,
			"gauges":     gauges,
			"histograms": hist,
			"uptime":     time.Since(startTime).String(),
		})
	}
}

var startTime = time.Now()
