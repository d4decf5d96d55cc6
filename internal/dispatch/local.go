package dispatch

import (
	"context"
	"errors"
	"fmt"
	"os"
	"slices"
	"sync"

	"github.com/gammazero/deque"
	"go.uber.org/zap"

	"raydist/internal/core"
	"raydist/internal/raytracer"
)

// ErrHostExcluded is returned by LocalFacility when the local host is on the
// group's exclusion list.
var ErrHostExcluded = errors.New("local host is excluded")

// LocalFacility runs every job of a group on this host, at most Width at a
// time. It stands in for the cluster on a single machine and in tests.
type LocalFacility struct {
	Runner core.Runner
	Logger *zap.Logger

	// Hostname overrides os.Hostname for the exclusion check.
	Hostname string
}

func NewLocalFacility(runner core.Runner, logger *zap.Logger) *LocalFacility {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LocalFacility{Runner: runner, Logger: logger}
}

func (f *LocalFacility) hostname() (string, error) {
	if f.Hostname != "" {
		return f.Hostname, nil
	}
	return os.Hostname()
}

// Submit drains a FIFO of pending area indices with Width workers. Once ctx
// is done no further jobs are started; jobs already running are killed by
// the runner.
func (f *LocalFacility) Submit(ctx context.Context, g Group) (*GroupResult, error) {
	if err := g.Validate(); err != nil {
		return nil, err
	}
	if f.Runner == nil {
		return nil, errors.New("local facility has no runner")
	}
	host, err := f.hostname()
	if err != nil {
		return nil, fmt.Errorf("resolve hostname: %w", err)
	}
	if slices.Contains(g.ExcludeNodes, host) {
		return nil, fmt.Errorf("%w: %s", ErrHostExcluded, host)
	}

	var (
		mu      sync.Mutex
		pending deque.Deque[int]
		jobs    = make(map[int]*core.ExecutionResult, g.AreaCount)
		errs    []error
	)
	for area := 0; area < g.AreaCount; area++ {
		pending.PushBack(area)
	}

	next := func() (int, bool) {
		mu.Lock()
		defer mu.Unlock()
		if pending.Len() == 0 || ctx.Err() != nil {
			return 0, false
		}
		return pending.PopFront(), true
	}

	workers := min(g.Width, g.AreaCount)
	f.Logger.Info("running job group locally",
		zap.String("group", g.Name),
		zap.String("host", host),
		zap.Int("jobs", g.AreaCount),
		zap.Int("width", workers),
	)

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				area, ok := next()
				if !ok {
					return
				}
				res, err := f.Runner.Execute(ctx, core.Command{
					Name: fmt.Sprintf("area-%d", area),
					Path: g.Mediator,
					Args: raytracer.RunArgs(g.Config, area),
					Dir:  g.StageDir,
				})

				mu.Lock()
				if err != nil {
					errs = append(errs, fmt.Errorf("area %d: %w", area, err))
				} else {
					jobs[area] = res
				}
				mu.Unlock()

				if err != nil {
					f.Logger.Warn("area job did not run", zap.Int("area", area), zap.Error(err))
				} else if !res.Success() {
					f.Logger.Warn("area job failed",
						zap.Int("area", area),
						zap.Int("exit_code", res.ExitCode),
						zap.String("diagnostic", res.Diagnostic()),
					)
				} else {
					f.Logger.Debug("area job finished", zap.Int("area", area), zap.Duration("elapsed", res.Duration))
				}
			}
		}()
	}
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("job group %s interrupted: %w", g.Name, err)
	}

	success := len(errs) == 0 && len(jobs) == g.AreaCount
	for _, res := range jobs {
		if !res.Success() {
			success = false
		}
	}
	if len(errs) > 0 {
		f.Logger.Warn("some area jobs could not be started", zap.Error(errors.Join(errs...)))
	}
	return &GroupResult{Success: success, Jobs: jobs}, nil
}
