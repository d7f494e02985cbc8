package main

import (
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/bytedance/sonic"
)

const (
	boardEventName   = "board.request.completed"
	boardEventDomain = "board"

	attrRoute         = "http.route"
	attrStatusCode    = "http.status_code"
	attrTotalMillis   = "board.total_ms"
	attrAuthMillis    = "board.auth_ms"
	attrStoreMillis   = "board.store_ms"
	attrTasksReturned = "board.tasks_returned"
	attrDegraded      = "board.degraded"
	attrErrorStage    = "board.error_stage"
)

type logRecord struct {
	EventName    string         `json:"event.name"`
	EventDomain  string         `json:"event.domain"`
	SeverityText string         `json:"severity_text"`
	Attributes   map[string]any `json:"attributes"`
}

// collector aggregates board request events read from the service's JSON log.
type collector struct {
	eventName   string
	eventDomain string
	count       int
	severity    map[string]int
	status      map[int]int
	routes      map[string]int
	durations   map[string]*numericStats
	tasks       *numericStats
	degraded    int
	errorStages map[string]int
	skipped     int
}

type numericStats struct {
	Count int
	Sum   float64
	Min   float64
	Max   float64
}

type statSummary struct {
	Count int     `json:"count"`
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	Avg   float64 `json:"avg"`
}

type summaryOutput struct {
	EventName      string                 `json:"event_name"`
	EventDomain    string                 `json:"event_domain"`
	TotalEvents    int                    `json:"total_events"`
	SeverityCounts map[string]int         `json:"severity_counts"`
	StatusCounts   map[string]int         `json:"status_counts"`
	RouteCounts    map[string]int         `json:"route_counts"`
	DurationMs     map[string]statSummary `json:"duration_ms"`
	TasksReturned  statSummary            `json:"tasks_returned"`
	DegradedEvents int                    `json:"degraded_events"`
	ErrorStages    map[string]int         `json:"error_stages,omitempty"`
	SkippedLines   int                    `json:"skipped_lines"`
}

func newCollector(eventName, eventDomain string) *collector {
	return &collector{
		eventName:   eventName,
		eventDomain: eventDomain,
		severity:    make(map[string]int),
		status:      make(map[int]int),
		routes:      make(map[string]int),
		durations:   make(map[string]*numericStats),
		errorStages: make(map[string]int),
	}
}

// ingest consumes one log line. Compose output prefixes lines with
// "service |", which is stripped.
func (c *collector) ingest(line string) {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return
	}
	if pipe := strings.Index(trimmed, "|"); pipe >= 0 && !strings.HasPrefix(trimmed, "{") {
		trimmed = strings.TrimSpace(trimmed[pipe+1:])
	}

	var rec logRecord
	if err := sonic.ConfigStd.UnmarshalFromString(trimmed, &rec); err != nil {
		c.skipped++
		return
	}
	if rec.EventName != c.eventName {
		return
	}
	if c.eventDomain != "" && rec.EventDomain != c.eventDomain {
		return
	}
	c.add(rec)
}

func (c *collector) add(rec logRecord) {
	c.count++
	severity := strings.ToUpper(strings.TrimSpace(rec.SeverityText))
	if severity == "" {
		severity = "UNSPECIFIED"
	}
	c.severity[severity]++

	attrs := rec.Attributes
	if attrs == nil {
		return
	}
	if v, ok := attrs[attrStatusCode].(float64); ok {
		c.status[int(v)]++
	}
	if route, ok := attrs[attrRoute].(string); ok && route != "" {
		c.routes[route]++
	}
	for key, name := range map[string]string{attrTotalMillis: "total", attrAuthMillis: "auth", attrStoreMillis: "store"} {
		if v, ok := attrs[key].(float64); ok {
			c.addDuration(name, v)
		}
	}
	if v, ok := attrs[attrTasksReturned].(float64); ok {
		if c.tasks == nil {
			c.tasks = newNumericStats()
		}
		c.tasks.add(v)
	}
	if degraded, _ := attrs[attrDegraded].(bool); degraded {
		c.degraded++
	}
	if stage, ok := attrs[attrErrorStage].(string); ok && stage != "" {
		c.errorStages[stage]++
	}
}

func (c *collector) addDuration(key string, value float64) {
	stat, ok := c.durations[key]
	if !ok {
		stat = newNumericStats()
		c.durations[key] = stat
	}
	stat.add(value)
}

func newNumericStats() *numericStats {
	return &numericStats{Min: math.MaxFloat64}
}

func (n *numericStats) add(value float64) {
	n.Count++
	n.Sum += value
	n.Min = min(n.Min, value)
	n.Max = max(n.Max, value)
}

func (n *numericStats) summary() statSummary {
	if n == nil || n.Count == 0 {
		return statSummary{}
	}
	return statSummary{Count: n.Count, Min: n.Min, Max: n.Max, Avg: n.Sum / float64(n.Count)}
}

func (c *collector) summary() summaryOutput {
	durations := make(map[string]statSummary, len(c.durations))
	for key, stat := range c.durations {
		durations[key] = stat.summary()
	}
	status := make(map[string]int, len(c.status))
	for code, n := range c.status {
		status[strconv.Itoa(code)] = n
	}
	var stages map[string]int
	if len(c.errorStages) > 0 {
		stages = c.errorStages
	}
	return summaryOutput{
		EventName:      c.eventName,
		EventDomain:    c.eventDomain,
		TotalEvents:    c.count,
		SeverityCounts: c.severity,
		StatusCounts:   status,
		RouteCounts:    c.routes,
		DurationMs:     durations,
		TasksReturned:  c.tasks.summary(),
		DegradedEvents: c.degraded,
		ErrorStages:    stages,
		SkippedLines:   c.skipped,
	}
}

// ShortString renders a one-line digest for CI logs.
func (s summaryOutput) ShortString() string {
	total := s.DurationMs["total"]
	parts := []string{
		"event=" + s.EventName,
		"total=" + strconv.Itoa(s.TotalEvents),
		"warn=" + strconv.Itoa(s.SeverityCounts["WARN"]),
		"error=" + strconv.Itoa(s.SeverityCounts["ERROR"]),
		"degraded=" + strconv.Itoa(s.DegradedEvents),
		"avg_total_ms=" + formatFloat(total.Avg),
		"max_total_ms=" + formatFloat(total.Max),
	}
	routes := make([]string, 0, len(s.RouteCounts))
	for route := range s.RouteCounts {
		routes = append(routes, route)
	}
	sort.Strings(routes)
	for _, route := range routes {
		parts = append(parts, route+"="+strconv.Itoa(s.RouteCounts[route]))
	}
	return strings.Join(parts, " ")
}

func formatFloat(v float64) string {
	if v == 0 {
		return "0"
	}
	return strconv.FormatFloat(v, 'f', 2, 64)
}
