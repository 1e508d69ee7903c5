package pipeline

import (
	"context"
	"sync"

	"github.com/go-logr/logr"

	"github.com/gzhole/transguard/internal/model"
)

// Runner is the unit of work a Pool schedules. *Pipeline implements it.
type Runner interface {
	Run(ctx context.Context, cmd model.Command) Outcome
}

// Pool runs a fixed number of workers over a channel of commands.
// Outcomes arrive in completion order, not input order.
type Pool struct {
	runner  Runner
	workers int
	log     logr.Logger
}

func NewPool(runner Runner, workers int, log logr.Logger) *Pool {
	if workers <= 0 {
		workers = 1
	}
	return &Pool{runner: runner, workers: workers, log: log.WithName("pool")}
}

// Run consumes in until it is closed or ctx is done. The returned channel
// is closed once every started command has produced its outcome.
func (p *Pool) Run(ctx context.Context, in <-chan model.Command) <-chan Outcome {
	out := make(chan Outcome, p.workers)

	var wg sync.WaitGroup
	for i := 0; i < p.workers; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case cmd, ok := <-in:
					if !ok {
						return
					}
					p.log.V(1).Info("processing", "worker", worker, "command_id", cmd.ID)
					res := p.runner.Run(ctx, cmd)
					select {
					case out <- res:
					case <-ctx.Done():
						return
					}
				}
			}
		}(i)
	}

	go func() {
		wg.Wait()
		close(out)
	}()
	return out
}

// RunAll feeds cmds through the pool and collects every outcome.
func (p *Pool) RunAll(ctx context.Context, cmds []model.Command) []Outcome {
	in := make(chan model.Command)
	go func() {
		defer close(in)
		for _, c := range cmds {
			select {
			case in <- c:
			case <-ctx.Done():
				return
			}
		}
	}()

	results := make([]Outcome, 0, len(cmds))
	for res := range p.Run(ctx, in) {
		results = append(results, res)
	}
	return results
}
