package daemon

import (
	"fmt"
	"sync"
	"time"

	"github.com/go-kit/kit/log"

	"github.com/fluxcd/relay/pkg/job"
	fluxmetrics "github.com/fluxcd/relay/pkg/metrics"
)

const DefaultJobTimeout = time.Hour

type LoopVars struct {
	// DeployTimeout bounds deploys asked for directly; pipeline runs
	// have their own.
	DeployTimeout time.Duration
	// JobTimeout bounds a whole job, e.g., a pipeline run from fetch
	// to deploy.
	JobTimeout time.Duration
	// HistoryLimit is how many runs to keep in the history; zero
	// keeps them all.
	HistoryLimit int
}

// Loop runs jobs as they become ready, one at a time, until stopped.
// This is what keeps to one pipeline run (or deploy) in flight.
func (d *Daemon) Loop(stop chan struct{}, wg *sync.WaitGroup, logger log.Logger) {
	defer wg.Done()

	if d.JobTimeout <= 0 {
		d.JobTimeout = DefaultJobTimeout
	}

	for {
		select {
		case <-stop:
			logger.Log("stopping", "true")
			return
		case <-d.Jobs.Ready():
			for {
				select {
				case <-stop:
					logger.Log("stopping", "true")
					return
				default:
				}
				j, ok := d.Jobs.Next()
				if !ok {
					break
				}
				d.runJob(j, logger)
			}
		}
	}
}

func (d *Daemon) runJob(j *job.Job, logger log.Logger) {
	queueLength.Set(float64(d.Jobs.Len()))
	jobLogger := log.With(logger, "jobID", j.ID, "kind", j.Kind)
	jobLogger.Log("state", "in-progress", "subject", j.Subject, "waited", time.Since(j.EnqueuedAt))
	start := time.Now()
	err := j.Do(jobLogger)
	jobDuration.With(
		fluxmetrics.LabelSuccess, fmt.Sprint(err == nil),
	).Observe(time.Since(start).Seconds())
	if err != nil {
		jobLogger.Log("state", "done", "success", "false", "err", err)
	} else {
		jobLogger.Log("state", "done", "success", "true")
	}
}
