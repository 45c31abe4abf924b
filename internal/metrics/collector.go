package metrics

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
)

// JobCounter reports the number of non-terminal job records.
type JobCounter interface {
	CountIncomplete(ctx context.Context) (int, error)
}

// Collector implements prometheus.Collector to read live gauges at scrape time.
type Collector struct {
	pool *pgxpool.Pool
	jobs JobCounter

	incompleteJobs  *prometheus.Desc
	dbTotalConns    *prometheus.Desc
	dbAcquiredConns *prometheus.Desc
}

// NewCollector creates a collector that reads live state at scrape time.
// pool may be nil when the file job store is in use.
func NewCollector(pool *pgxpool.Pool, jobs JobCounter) *Collector {
	return &Collector{
		pool: pool,
		jobs: jobs,
		incompleteJobs: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "jobs_incomplete"),
			"Job records in pending or polling state.",
			nil, nil,
		),
		dbTotalConns: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "db_pool", "total_conns"),
			"Total database pool connections.",
			nil, nil,
		),
		dbAcquiredConns: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "db_pool", "acquired_conns"),
			"Database pool connections currently in use.",
			nil, nil,
		),
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.incompleteJobs
	ch <- c.dbTotalConns
	ch <- c.dbAcquiredConns
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	var incomplete float64
	if c.jobs != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if n, err := c.jobs.CountIncomplete(ctx); err == nil {
			incomplete = float64(n)
		}
		cancel()
	}
	ch <- prometheus.MustNewConstMetric(c.incompleteJobs, prometheus.GaugeValue, incomplete)

	if c.pool != nil {
		stat := c.pool.Stat()
		ch <- prometheus.MustNewConstMetric(c.dbTotalConns, prometheus.GaugeValue, float64(stat.TotalConns()))
		ch <- prometheus.MustNewConstMetric(c.dbAcquiredConns, prometheus.GaugeValue, float64(stat.AcquiredConns()))
	} else {
		ch <- prometheus.MustNewConstMetric(c.dbTotalConns, prometheus.GaugeValue, 0)
		ch <- prometheus.MustNewConstMetric(c.dbAcquiredConns, prometheus.GaugeValue, 0)
	}
}
