package orchestrator

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"github.com/gluk-w/claworc/termrt/internal/terminal"
)

const (
	cwdTimeout     = 5 * time.Second
	cwdConcurrency = 8
)

func (r *Runtime) startCwdWatchLocked() {
	c := cron.New()
	c.Schedule(cron.Every(r.cwdInterval), cron.FuncJob(r.pollCwd))
	c.Start()
	r.cwdCron = c
}

// pollCwd refreshes the working directory of every running session.
// RefreshCwd emits cwd:changed for the ones that moved.
func (r *Runtime) pollCwd() {
	var g errgroup.Group
	g.SetLimit(cwdConcurrency)
	for _, s := range r.registry.List() {
		if s.State != terminal.StateRunning {
			continue
		}
		g.Go(func() error {
			ctx, cancel := context.WithTimeout(context.Background(), cwdTimeout)
			defer cancel()
			if _, _, err := r.registry.RefreshCwd(ctx, s.ID); err != nil {
				r.log.Debug().Err(err).Str("session", s.ID).Msg("refresh cwd")
			}
			return nil
		})
	}
	g.Wait()
}
