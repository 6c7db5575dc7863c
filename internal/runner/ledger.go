package runner

import (
	"context"
	"time"

	"github.com/seantiz/vbin/internal/failure"
	"github.com/seantiz/vbin/internal/model"
	"github.com/seantiz/vbin/internal/resolver"
)

// begin records a running run. Ledger errors are logged and never fail the
// launch.
func (r *Runner) begin(ctx context.Context, args []string, start time.Time) *model.Run {
	if r.ledger == nil {
		return nil
	}
	rec := &model.Run{
		ID:        model.NewID(),
		Version:   model.NoVersion,
		Status:    model.RunStatusRunning,
		StartedAt: start.UTC(),
	}
	if req, err := resolver.Parse(args); err == nil {
		rec.Target = req.Target
		rec.Args = req.Args
		if req.Version != nil {
			rec.Version = *req.Version
		}
	}
	if host, err := r.hostname(); err == nil {
		rec.Host = host
	}
	if err := r.ledger.CreateRun(ctx, rec); err != nil {
		r.log(r.cfg).Warn("record run", "error", err)
		return nil
	}
	return rec
}

// finish stores the outcome of rec.
func (r *Runner) finish(rec *model.Run, rt *Runtime, start time.Time, err error) {
	if rec == nil {
		return
	}
	now := time.Now().UTC()
	durationMS := int(now.Sub(start).Milliseconds())
	exitCode := failure.ExitCode(err)

	rec.Status = model.RunStatusCompleted
	if err != nil {
		rec.Status = model.RunStatusFailed
		rec.ErrorKind = string(failure.KindOf(err))
		rec.Error = err.Error()
	}
	if rt != nil {
		rec.Version = rt.version
	}
	rec.ExitCode = &exitCode
	rec.DurationMS = &durationMS
	rec.FinishedAt = &now

	if err := r.ledger.FinishRun(context.Background(), rec); err != nil {
		r.log(r.cfg).Error("failed to update run", "run_id", rec.ID, "error", err)
	}
}
