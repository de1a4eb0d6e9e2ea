package metrics

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// Metrics holds process-wide relay counters.
type Metrics struct {
	mu sync.RWMutex

	// Call lifecycle
	CallsStarted     int64
	CallsEnded       int64
	CallsRateLimited int64
	CallsRejected    int64

	// Relay events
	BargeIns      int64
	FunctionCalls int64

	// Per-close-reason counters
	CloseReasons map[string]int64

	StartTime time.Time
}

var globalMetrics = &Metrics{
	CloseReasons: make(map[string]int64),
	StartTime:    time.Now(),
}

func RecordCallStarted() {
	globalMetrics.mu.Lock()
	defer globalMetrics.mu.Unlock()
	globalMetrics.CallsStarted++
}

func RecordCallEnded(reason string) {
	globalMetrics.mu.Lock()
	defer globalMetrics.mu.Unlock()
	globalMetrics.CallsEnded++
	globalMetrics.CloseReasons[reason]++
}

func RecordCallRateLimited() {
	globalMetrics.mu.Lock()
	defer globalMetrics.mu.Unlock()
	globalMetrics.CallsRateLimited++
}

func RecordCallRejected() {
	globalMetrics.mu.Lock()
	defer globalMetrics.mu.Unlock()
	globalMetrics.CallsRejected++
}

func RecordBargeIn() {
	globalMetrics.mu.Lock()
	defer globalMetrics.mu.Unlock()
	globalMetrics.BargeIns++
}

func RecordFunctionCall() {
	globalMetrics.mu.Lock()
	defer globalMetrics.mu.Unlock()
	globalMetrics.FunctionCalls++
}

// GetMetrics returns current metrics
func GetMetrics() map[string]interface{} {
	globalMetrics.mu.RLock()
	defer globalMetrics.mu.RUnlock()

	reasons := make(map[string]int64, len(globalMetrics.CloseReasons))
	for k, v := range globalMetrics.CloseReasons {
		reasons[k] = v
	}

	uptime := time.Since(globalMetrics.StartTime)

	return map[string]interface{}{
		"uptime_seconds": uptime.Seconds(),
		"calls": map[string]interface{}{
			"started":      globalMetrics.CallsStarted,
			"ended":        globalMetrics.CallsEnded,
			"rate_limited": globalMetrics.CallsRateLimited,
			"rejected":     globalMetrics.CallsRejected,
		},
		"relay": map[string]interface{}{
			"barge_ins":      globalMetrics.BargeIns,
			"function_calls": globalMetrics.FunctionCalls,
		},
		"close_reasons": reasons,
	}
}

// GetPrometheusMetrics returns metrics in Prometheus format
func GetPrometheusMetrics() string {
	globalMetrics.mu.RLock()
	defer globalMetrics.mu.RUnlock()

	var output string

	output += "# HELP relay_uptime_seconds Relay uptime in seconds\n"
	output += "# TYPE relay_uptime_seconds gauge\n"
	output += fmt.Sprintf("relay_uptime_seconds %.2f\n", time.Since(globalMetrics.StartTime).Seconds())

	output += "# HELP relay_calls_total Call sessions by outcome\n"
	output += "# TYPE relay_calls_total counter\n"
	output += fmt.Sprintf("relay_calls_total{outcome=\"started\"} %d\n", globalMetrics.CallsStarted)
	output += fmt.Sprintf("relay_calls_total{outcome=\"ended\"} %d\n", globalMetrics.CallsEnded)
	output += fmt.Sprintf("relay_calls_total{outcome=\"rate_limited\"} %d\n", globalMetrics.CallsRateLimited)
	output += fmt.Sprintf("relay_calls_total{outcome=\"rejected\"} %d\n", globalMetrics.CallsRejected)

	output += "# HELP relay_barge_ins_total Caller interruptions that truncated model speech\n"
	output += "# TYPE relay_barge_ins_total counter\n"
	output += fmt.Sprintf("relay_barge_ins_total %d\n", globalMetrics.BargeIns)

	output += "# HELP relay_function_calls_total Model tool calls dispatched\n"
	output += "# TYPE relay_function_calls_total counter\n"
	output += fmt.Sprintf("relay_function_calls_total %d\n", globalMetrics.FunctionCalls)

	reasons := make([]string, 0, len(globalMetrics.CloseReasons))
	for r := range globalMetrics.CloseReasons {
		reasons = append(reasons, r)
	}
	sort.Strings(reasons)
	output += "# HELP relay_close_reasons_total Session teardowns by first-closing leg\n"
	output += "# TYPE relay_close_reasons_total counter\n"
	for _, r := range reasons {
		output += fmt.Sprintf("relay_close_reasons_total{reason=\"%s\"} %d\n", r, globalMetrics.CloseReasons[r])
	}

	return output
}
