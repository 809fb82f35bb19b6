package deploy

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/quayside/stackpilot/internal/store"
)

// Runner is the pipeline entry point the scheduler fires. Satisfied by
// *Orchestrator.
type Runner interface {
	Run(ctx context.Context, opts RunOptions) (*Outcome, error)
}

// Scheduler holds deferred deployment runs until their wall-clock deadline
// and then invokes the same pipeline the immediate path uses. At most one
// Pending task exists at a time; scheduling a new run cancels the previous
// one.
type Scheduler struct {
	Poll time.Duration

	st     *store.Store
	runner Runner
}

func NewScheduler(st *store.Store, runner Runner) *Scheduler {
	return &Scheduler{Poll: 15 * time.Second, st: st, runner: runner}
}

// ScheduleDeploy persists a Pending task due at the given time, cancelling
// any previously pending one.
func (s *Scheduler) ScheduleDeploy(ctx context.Context, at time.Time, targetVersion string) (*store.ScheduledTask, error) {
	t := &store.ScheduledTask{
		ID:            uuid.NewString(),
		TaskType:      store.TaskUpgradeDeploy,
		TargetVersion: targetVersion,
		ScheduledAt:   at.UTC(),
	}
	if err := s.st.CreateScheduledTask(ctx, t); err != nil {
		return nil, err
	}
	log.Info().Str("id", t.ID).Time("at", t.ScheduledAt).Msg("deployment scheduled")
	return t, nil
}

// CancelPending cancels any pending deployment task.
func (s *Scheduler) CancelPending(ctx context.Context) (int64, error) {
	return s.st.CancelPendingScheduledTasks(ctx, store.TaskUpgradeDeploy)
}

// Status lists all scheduled tasks, newest first.
func (s *Scheduler) Status(ctx context.Context) ([]store.ScheduledTask, error) {
	return s.st.ListScheduledTasks(ctx)
}

// Run polls for due tasks until ctx ends.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.Poll)
	defer ticker.Stop()
	for {
		if _, err := s.RunDue(ctx); err != nil {
			log.Error().Err(err).Msg("scheduler tick failed")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// RunDue fires the pending task if its deadline has passed. Reports whether
// a task was run.
func (s *Scheduler) RunDue(ctx context.Context) (bool, error) {
	task, err := s.st.PendingScheduledTask(ctx, store.TaskUpgradeDeploy)
	if err != nil {
		return false, err
	}
	if task == nil || task.ScheduledAt.After(time.Now()) {
		return false, nil
	}

	if err := s.st.UpdateScheduledTaskStatus(ctx, task.ID, store.ScheduleInProgress, ""); err != nil {
		return false, err
	}
	log.Info().Str("id", task.ID).Msg("running scheduled deployment")

	out, err := s.runner.Run(ctx, RunOptions{})
	switch {
	case errors.Is(err, ErrLocked):
		// A manual invocation holds the workdir. The task goes back to
		// Pending and fires on a later tick.
		_ = s.st.UpdateScheduledTaskStatus(ctx, task.ID, store.SchedulePending, "waiting for working directory lock")
		log.Info().Str("id", task.ID).Msg("workdir locked, deployment deferred to next tick")
		return false, nil
	case err != nil:
		_ = s.st.UpdateScheduledTaskStatus(ctx, task.ID, store.ScheduleFailed, err.Error())
	case out.UpToDate:
		_ = s.st.UpdateScheduledTaskStatus(ctx, task.ID, store.ScheduleCompleted, "already up to date")
	case out.Degraded:
		_ = s.st.UpdateScheduledTaskStatus(ctx, task.ID, store.ScheduleCompleted,
			"deployed "+out.ToVersion+", health verification timed out")
	default:
		_ = s.st.UpdateScheduledTaskStatus(ctx, task.ID, store.ScheduleCompleted, "deployed "+out.ToVersion)
	}
	return true, nil
}
