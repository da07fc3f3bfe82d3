package backup

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/vbauerster/mpb/v8"
	"github.com/vbauerster/mpb/v8/decor"

	"github.com/abbbi/qmpbackup-go/internal/applog"
	"github.com/abbbi/qmpbackup-go/internal/command"
	"github.com/abbbi/qmpbackup-go/internal/config"
)

// jobBytesCopied holds each device's running backup-job offset in the
// default Prometheus registry; this tool serves no metrics endpoint of its
// own. Progress tracking is
// explicitly non-authoritative (spec §4.D "it does not influence
// correctness and is cancellable").
var jobBytesCopied = prometheus.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: "qmpbackup",
	Name:      "job_bytes_copied",
	Help:      "Bytes copied so far by the running backup job, by device node.",
}, []string{"device"})

func init() {
	prometheus.MustRegister(jobBytesCopied)
}

// Progress polls query-block-jobs at a bounded interval and renders one mpb
// bar per device plus a prometheus gauge, entirely decoupled from the
// completion logic in Run.Execute (which instead awaits BLOCK_JOB_* events).
type Progress struct {
	facade   *command.Facade
	log      applog.Logger
	p        *mpb.Progress
	bars     map[string]*mpb.Bar
	interval time.Duration
}

// NewProgress creates a tracker for the given jobs, one bar per device,
// sized by each device's virtual size as an approximation of total bytes.
func NewProgress(facade *command.Facade, log applog.Logger, topologies []Topology) *Progress {
	p := mpb.New(mpb.WithWidth(48))
	bars := make(map[string]*mpb.Bar, len(topologies))
	for _, t := range topologies {
		total := t.Device.VirtualSize
		if total <= 0 {
			total = 1
		}
		bars[t.JobID] = p.AddBar(total,
			mpb.PrependDecorators(decor.Name(t.Device.Node, decor.WC{W: 16})),
			mpb.AppendDecorators(decor.Percentage(decor.WC{W: 5})),
		)
	}
	return &Progress{
		facade:   facade,
		log:      log,
		p:        p,
		bars:     bars,
		interval: config.JobPollInterval,
	}
}

// Run polls until ctx is cancelled, updating bars and the prometheus gauge
// from query-block-jobs snapshots (spec §4.D "A background task drains
// events and logs per-job throughput").
func (pr *Progress) Run(ctx context.Context) {
	ticker := time.NewTicker(pr.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			pr.finish()
			return
		case <-ticker.C:
			pr.poll(ctx)
		}
	}
}

func (pr *Progress) poll(ctx context.Context) {
	jobs, err := pr.facade.QueryBlockJobs(ctx)
	if err != nil {
		pr.log.Warning("progress poll failed", "error", err)
		return
	}
	for _, j := range jobs {
		bar, ok := pr.bars[j.Device]
		if !ok {
			continue
		}
		bar.SetCurrent(j.Offset)
		jobBytesCopied.WithLabelValues(j.Device).Set(float64(j.Offset))
		if j.Len > 0 {
			pr.log.Info("job progress", "device", j.Device, "offset", j.Offset, "len", j.Len,
				"percent", fmt.Sprintf("%.1f", float64(j.Offset)/float64(j.Len)*100))
		}
	}
}

func (pr *Progress) finish() {
	for _, bar := range pr.bars {
		if !bar.Completed() {
			bar.SetCurrent(bar.Current())
			bar.Abort(false)
		}
	}
	pr.p.Wait()
}
