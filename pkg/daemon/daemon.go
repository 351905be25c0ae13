package daemon

import (
	"context"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/pkg/errors"

	"github.com/fluxcd/relay/pkg/api"
	fluxerr "github.com/fluxcd/relay/pkg/errors"
	"github.com/fluxcd/relay/pkg/event"
	"github.com/fluxcd/relay/pkg/history"
	"github.com/fluxcd/relay/pkg/image"
	"github.com/fluxcd/relay/pkg/job"
	"github.com/fluxcd/relay/pkg/pipeline"
	"github.com/fluxcd/relay/pkg/registry"
	"github.com/fluxcd/relay/pkg/source"
	"github.com/fluxcd/relay/pkg/target"
)

// Daemon is relayd: it owns the pipeline, the registry it builds
// into and the target it deploys to, and runs jobs against them one
// at a time.
type Daemon struct {
	V              string
	Registry       registry.Registry
	Target         target.Target
	Pipeline       *pipeline.Pipeline
	History        history.Store
	Jobs           *job.Queue
	JobStatusCache *job.StatusCache
	Logger         log.Logger
	// bookkeeping
	*LoopVars
}

// Invariant.
var _ api.Server = &Daemon{}

func (d *Daemon) Version(ctx context.Context) (string, error) {
	return d.V, nil
}

func (d *Daemon) Ping(ctx context.Context) error {
	_, err := d.Target.Status(ctx)
	return err
}

// jobFunc is a type for procedures that the daemon will execute in a job
type jobFunc func(ctx context.Context, jobID job.ID, logger log.Logger) (job.Result, error)

// executeJob runs a job func and keeps track of its status, so the
// daemon can report it when asked.
func (d *Daemon) executeJob(id job.ID, do jobFunc, logger log.Logger) (job.Result, error) {
	ctx, cancel := context.WithTimeout(context.Background(), d.JobTimeout)
	defer cancel()
	d.JobStatusCache.Update(id, func(s *job.Status) {
		s.StatusString = job.StatusRunning
		s.StartedAt = time.Now().UTC()
	})
	result, err := do(ctx, id, logger)
	d.JobStatusCache.Update(id, func(s *job.Status) {
		s.Result = result
		s.FinishedAt = time.Now().UTC()
		if err == nil {
			s.StatusString = job.StatusSucceeded
			return
		}
		s.StatusString = job.StatusFailed
		s.Err = err.Error()
		if kind, ok := pipeline.KindOf(err); ok {
			s.Failure = string(kind)
		}
	})
	return result, err
}

// queueJob queues a job func to be executed.
func (d *Daemon) queueJob(kind job.Kind, subject string, do jobFunc) job.ID {
	id := job.NewID()
	enqueuedAt := time.Now()
	// Set the status before enqueuing, since the job may be picked up
	// (and its status updated) straight away.
	d.JobStatusCache.SetStatus(id, job.Status{
		Kind:         kind,
		StatusString: job.StatusQueued,
		QueuedAt:     enqueuedAt.UTC(),
	})
	d.Jobs.Enqueue(&job.Job{
		ID:         id,
		Kind:       kind,
		Subject:    subject,
		EnqueuedAt: enqueuedAt,
		Do: func(logger log.Logger) error {
			queueDuration.Observe(time.Since(enqueuedAt).Seconds())
			_, err := d.executeJob(id, do, logger)
			return err
		},
	})
	queueLength.Set(float64(d.Jobs.Len()))
	return id
}

// NotifyPush queues a pipeline run for a push, if it's one the
// pipeline is triggered by.
func (d *Daemon) NotifyPush(ctx context.Context, push source.PushEvent) (api.NotifyResult, error) {
	if push.Repository == "" || push.Branch == "" {
		return api.NotifyResult{}, invalidPushError(push)
	}
	if !d.Pipeline.Accepts(push) {
		// It isn't strictly an _error_ to be notified about a push
		// we don't care about, but it's worth logging anyway for
		// debugging.
		d.Logger.Log("msg", "notified about unrelated push", "push", push)
		return api.NotifyResult{Accepted: false}, nil
	}
	run := d.Pipeline.NewRun(push)
	id := d.queueJob(job.KindRun, push.Repository+"/"+push.Branch, d.runPipeline(run))
	d.Logger.Log("msg", "queued pipeline run", "push", push, "run", run.ID, "jobID", id)
	return api.NotifyResult{Accepted: true, JobID: id, RunID: run.ID}, nil
}

func (d *Daemon) runPipeline(run *pipeline.Run) jobFunc {
	return func(ctx context.Context, jobID job.ID, logger log.Logger) (job.Result, error) {
		err := d.Pipeline.Execute(ctx, run)
		d.pruneHistory(logger)
		return job.Result{RunID: run.ID, Revision: run.Revision, Artifact: run.Artifact}, err
	}
}

func (d *Daemon) pruneHistory(logger log.Logger) {
	if d.HistoryLimit <= 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	n, err := d.History.Prune(ctx, d.HistoryLimit)
	if err != nil {
		logger.Log("err", errors.Wrap(err, "pruning run history"))
		return
	}
	if n > 0 {
		logger.Log("info", "pruned run history", "removed", n)
	}
}

// Deploy queues a deploy of an artifact that is already in the
// registry. It fails straight away if the artifact isn't there.
func (d *Daemon) Deploy(ctx context.Context, tag string) (job.ID, error) {
	var id job.ID
	if err := image.ValidateTag(tag); err != nil {
		return id, invalidTagError(tag, err)
	}
	info, err := d.Registry.Describe(ctx, tag)
	if err != nil {
		return id, err
	}
	ref := info.Ref
	return d.queueJob(job.KindDeploy, ref.String(), func(ctx context.Context, jobID job.ID, logger log.Logger) (job.Result, error) {
		result := job.Result{Artifact: ref.String()}
		started := time.Now().UTC()
		err := d.Target.Deploy(ctx, ref, d.DeployTimeout)
		metadata := &event.DeployEventMetadata{Artifact: ref.String()}
		level := event.LogLevelInfo
		if err != nil {
			metadata.Error = err.Error()
			level = event.LogLevelError
		}
		if logErr := d.LogEvent(event.Event{
			Type:      event.EventDeploy,
			StartedAt: started,
			EndedAt:   time.Now().UTC(),
			LogLevel:  level,
			Metadata:  metadata,
		}); logErr != nil {
			logger.Log("err", errors.Wrap(logErr, "logging deploy event"))
		}
		return result, err
	}), nil
}

// JobStatus - Ask the daemon how far it's got with a job; is it
// queued? running? finished?
func (d *Daemon) JobStatus(ctx context.Context, jobID job.ID) (job.Status, error) {
	status, ok := d.JobStatusCache.Status(jobID)
	if ok {
		if status.StatusString == job.StatusQueued {
			if ahead, waiting := d.Jobs.Ahead(jobID); waiting {
				status.Ahead = ahead
			}
		}
		return status, nil
	}
	return status, unknownJobError(jobID)
}

func (d *Daemon) ListRuns(ctx context.Context, limit int) ([]pipeline.Run, error) {
	return d.History.Runs(ctx, limit)
}

func (d *Daemon) GetRun(ctx context.Context, id string) (api.RunDetail, error) {
	run, err := d.History.Run(ctx, id)
	if err != nil {
		return api.RunDetail{}, err
	}
	events, err := d.History.EventsForRun(ctx, id)
	if err != nil {
		return api.RunDetail{}, err
	}
	return api.RunDetail{Run: run, Events: events}, nil
}

func (d *Daemon) TargetStatus(ctx context.Context) (target.Status, error) {
	return d.Target.Status(ctx)
}

// Scale sets the replica count directly. The autoscaler, if running,
// may change it again.
func (d *Daemon) Scale(ctx context.Context, replicas int) (api.ScaleResult, error) {
	result := api.ScaleResult{Requested: replicas}
	if replicas < 0 {
		return result, invalidReplicasError(replicas)
	}
	before, err := d.Target.Status(ctx)
	if err != nil {
		return result, err
	}
	applied, err := d.Target.Scale(ctx, replicas)
	if err != nil {
		return result, err
	}
	result.Applied = applied
	now := time.Now().UTC()
	if err := d.LogEvent(event.Event{
		Type:      event.EventScale,
		StartedAt: now,
		EndedAt:   now,
		LogLevel:  event.LogLevelInfo,
		Metadata:  &event.ScaleEventMetadata{From: before.Desired, To: applied, Reason: "requested"},
	}); err != nil {
		d.Logger.Log("err", errors.Wrap(err, "logging scale event"))
	}
	return result, nil
}

func (d *Daemon) ListArtifacts(ctx context.Context) ([]image.Info, error) {
	tags, err := d.Registry.Tags(ctx)
	if err != nil {
		return nil, err
	}
	infos := make([]image.Info, 0, len(tags))
	for _, tag := range tags {
		info, err := d.Registry.Describe(ctx, tag)
		if err != nil {
			if fluxerr.IsMissing(err) {
				// deleted since listing
				continue
			}
			return nil, err
		}
		infos = append(infos, info)
	}
	return infos, nil
}

func (d *Daemon) PushArtifact(ctx context.Context, tag string, artifact []byte) (image.Info, error) {
	if err := image.ValidateTag(tag); err != nil {
		return image.Info{}, invalidTagError(tag, err)
	}
	if len(artifact) == 0 {
		return image.Info{}, fluxerr.UserError(errors.New("empty artifact"), "An artifact must have some content.\n")
	}
	if _, err := d.Registry.Push(ctx, tag, artifact); err != nil {
		return image.Info{}, err
	}
	return d.Registry.Describe(ctx, tag)
}

func (d *Daemon) PullArtifact(ctx context.Context, tag string) ([]byte, error) {
	if err := image.ValidateTag(tag); err != nil {
		return nil, invalidTagError(tag, err)
	}
	return d.Registry.Pull(ctx, tag)
}

func (d *Daemon) LogEvent(ev event.Event) error {
	if d.History == nil {
		d.Logger.Log("event", ev, "logupstream", "false")
		return nil
	}
	d.Logger.Log("event", ev, "logupstream", "true")
	return d.History.LogEvent(ev)
}
