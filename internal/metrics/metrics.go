// Package metrics exposes orchestrator state as Prometheus gauges. The
// collector reads the queue directories and finished result.json files at
// scrape time; nothing is held in memory between scrapes.
package metrics

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/handleui/relay/internal/queue"
)

var (
	queueJobsDesc = prometheus.NewDesc(
		"orchestrator_queue_jobs",
		"Number of queue entries by state.",
		[]string{"state"}, nil,
	)
	jobsTotalDesc = prometheus.NewDesc(
		"orchestrator_jobs_total",
		"Number of finished jobs by final status.",
		[]string{"status"}, nil,
	)
	stepsTotalDesc = prometheus.NewDesc(
		"orchestrator_steps_total",
		"Number of step results by status.",
		[]string{"status"}, nil,
	)
	durationSumDesc = prometheus.NewDesc(
		"orchestrator_job_duration_ms_sum",
		"Sum of job duration in milliseconds.",
		nil, nil,
	)
	durationCountDesc = prometheus.NewDesc(
		"orchestrator_job_duration_ms_count",
		"Number of jobs with measurable duration.",
		nil, nil,
	)
)

// Collector implements prometheus.Collector over the queue and artifact
// tree.
type Collector struct {
	queue         *queue.Queue
	artifactsRoot string
}

// NewCollector returns a collector for the given queue and artifacts root.
func NewCollector(q *queue.Queue, artifactsRoot string) *Collector {
	return &Collector{queue: q, artifactsRoot: artifactsRoot}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- queueJobsDesc
	ch <- jobsTotalDesc
	ch <- stepsTotalDesc
	ch <- durationSumDesc
	ch <- durationCountDesc
}

type resultDoc struct {
	Status     string `json:"status"`
	StartedAt  string `json:"started_at"`
	FinishedAt string `json:"finished_at"`
	Steps      []struct {
		Status string `json:"status"`
	} `json:"steps"`
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	for _, state := range queue.States {
		ch <- prometheus.MustNewConstMetric(
			queueJobsDesc, prometheus.GaugeValue,
			float64(c.queue.Count(state)), string(state),
		)
	}

	jobStatus := make(map[string]int)
	stepStatus := make(map[string]int)
	durationSumMS := 0.0
	durationCount := 0

	entries, err := os.ReadDir(c.artifactsRoot)
	if err == nil {
		for _, entry := range entries {
			if !entry.IsDir() {
				continue
			}
			data, err := os.ReadFile(filepath.Join(c.artifactsRoot, entry.Name(), "result.json"))
			if err != nil {
				continue
			}
			var doc resultDoc
			if err := json.Unmarshal(data, &doc); err != nil {
				continue
			}
			status := doc.Status
			if status == "" {
				status = "unknown"
			}
			jobStatus[status]++
			for _, step := range doc.Steps {
				s := step.Status
				if s == "" {
					s = "unknown"
				}
				stepStatus[s]++
			}
			if d, ok := durationMS(doc.StartedAt, doc.FinishedAt); ok {
				durationSumMS += d
				durationCount++
			}
		}
	}

	if len(jobStatus) == 0 {
		jobStatus["none"] = 0
	}
	for status, count := range jobStatus {
		ch <- prometheus.MustNewConstMetric(jobsTotalDesc, prometheus.GaugeValue, float64(count), status)
	}
	if len(stepStatus) == 0 {
		stepStatus["none"] = 0
	}
	for status, count := range stepStatus {
		ch <- prometheus.MustNewConstMetric(stepsTotalDesc, prometheus.GaugeValue, float64(count), status)
	}
	ch <- prometheus.MustNewConstMetric(durationSumDesc, prometheus.GaugeValue, durationSumMS)
	ch <- prometheus.MustNewConstMetric(durationCountDesc, prometheus.GaugeValue, float64(durationCount))
}

func durationMS(startedAt, finishedAt string) (float64, bool) {
	start, err := time.Parse(time.RFC3339Nano, startedAt)
	if err != nil {
		return 0, false
	}
	finish, err := time.Parse(time.RFC3339Nano, finishedAt)
	if err != nil || finish.Before(start) {
		return 0, false
	}
	return float64(finish.Sub(start).Milliseconds()), true
}
