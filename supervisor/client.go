package supervisor

import (
	"context"

	"github.com/nathoo/mythcore/ipc"
	"github.com/nathoo/mythcore/types"
)

// Worker indexes of the default pool.
const (
	ExecutorIndex  = 0
	SchedulerIndex = 1
)

// DefaultSpecs lists the workers of a standard deployment: one executor
// serving resolve and execute, one scheduler running turns.
func DefaultSpecs(env map[string]string) []ipc.Spec {
	return []ipc.Spec{
		{Index: ExecutorIndex, Module: ipc.ModuleExecutor, Env: env},
		{Index: SchedulerIndex, Module: ipc.ModuleScheduler, Env: env},
	}
}

// Resolve asks the executor which rules apply to the selected actor and
// targets.
func (s *Supervisor) Resolve(ctx context.Context, restriction types.Restriction, sel types.Selector, email string, wholeRule bool) (map[string][]types.Applicable, error) {
	resp, err := s.Call(ctx, ExecutorIndex, ipc.MethodResolve, restriction, sel, email, wholeRule)
	if err != nil {
		return nil, err
	}
	out := map[string][]types.Applicable{}
	if err := resp.Result(0, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Execute asks the executor to run one rule and returns its result.
func (s *Supervisor) Execute(ctx context.Context, ruleID string, sel types.Selector, params map[string]any, email string) (any, error) {
	resp, err := s.Call(ctx, ExecutorIndex, ipc.MethodExecute, ruleID, sel, params, email)
	if err != nil {
		return nil, err
	}
	var result any
	if len(resp.Results) > 1 {
		if err := resp.Result(0, &result); err != nil {
			return nil, err
		}
	}
	return result, nil
}

// Trigger asks the scheduler for a turn. It reports false when a turn was
// already in progress.
func (s *Supervisor) Trigger(ctx context.Context) (bool, error) {
	resp, err := s.Call(ctx, SchedulerIndex, ipc.MethodTrigger)
	if err != nil {
		return false, err
	}
	var ran bool
	if err := resp.Result(0, &ran); err != nil {
		return false, err
	}
	return ran, nil
}
