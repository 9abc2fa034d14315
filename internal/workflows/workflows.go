// Package workflows runs phase runs and pending sweeps as Temporal
// workflows so that they survive worker restarts.
package workflows

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/worker"
	"go.temporal.io/sdk/workflow"
	"go.uber.org/zap"

	"github.com/sells-group/tender-cli/internal/model"
	"github.com/sells-group/tender-cli/internal/pipeline"
	"github.com/sells-group/tender-cli/internal/store"
)

// Workflow names registered with the worker.
const (
	PhaseWorkflowName = "CasePhase"
	SweepWorkflowName = "PendingSweep"
)

// Application error types.
const (
	ErrTypeNotFound = "NotFound"
	ErrTypeCaseBusy = "CaseBusy"
)

// DefaultSweepConcurrency bounds concurrent phase activities in a sweep.
const DefaultSweepConcurrency = 4

// PhaseInput starts one phase run.
type PhaseInput struct {
	CaseID   string                  `json:"case_id"`
	Phase    model.Phase             `json:"phase"`
	Force    bool                    `json:"force,omitempty"`
	External *model.ExternalDeadline `json:"external,omitempty"`
}

// SweepInput starts a sweep over pending cases.
type SweepInput struct {
	Phase       model.Phase `json:"phase"`
	Limit       int         `json:"limit,omitempty"`
	Concurrency int         `json:"concurrency,omitempty"`
}

// Activities wraps the pipeline for Temporal.
type Activities struct {
	Pipeline *pipeline.Pipeline
	Store    store.Store
}

// RunPhase runs one phase on a case. Unknown cases fail without retry.
func (a *Activities) RunPhase(ctx context.Context, in PhaseInput) (*model.RunSummary, error) {
	activity.GetLogger(ctx).Info("workflows: run phase", "case_id", in.CaseID, "phase", string(in.Phase))
	s, err := a.Pipeline.Run(ctx, in.CaseID, in.Phase, pipeline.RunOptions{Force: in.Force, External: in.External})
	switch {
	case err == nil:
		return s, nil
	case errors.Is(err, pipeline.ErrNotFound):
		return nil, temporal.NewNonRetryableApplicationError(err.Error(), ErrTypeNotFound, err)
	case errors.Is(err, pipeline.ErrCaseBusy):
		return nil, temporal.NewApplicationError(err.Error(), ErrTypeCaseBusy)
	}
	return nil, err
}

// ListPending returns the IDs of cases pending a phase.
func (a *Activities) ListPending(ctx context.Context, in SweepInput) ([]string, error) {
	cases, err := a.Store.ListPending(ctx, in.Phase, in.Limit)
	if err != nil {
		return nil, eris.Wrap(err, "workflows: list pending")
	}
	ids := make([]string, len(cases))
	for i, c := range cases {
		ids[i] = c.ID
	}
	return ids, nil
}

func activityOptions(ctx workflow.Context) workflow.Context {
	return workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: 30 * time.Minute,
		RetryPolicy: &temporal.RetryPolicy{
			InitialInterval:        10 * time.Second,
			BackoffCoefficient:     2,
			MaximumInterval:        5 * time.Minute,
			MaximumAttempts:        3,
			NonRetryableErrorTypes: []string{ErrTypeNotFound},
		},
	})
}

// PhaseWorkflow runs one phase on one case.
func PhaseWorkflow(ctx workflow.Context, in PhaseInput) (*model.RunSummary, error) {
	ctx = activityOptions(ctx)
	var a *Activities
	var s model.RunSummary
	if err := workflow.ExecuteActivity(ctx, a.RunPhase, in).Get(ctx, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// SweepWorkflow runs a phase on every pending case in batches of
// Concurrency. A failing case never stops the sweep.
func SweepWorkflow(ctx workflow.Context, in SweepInput) (*model.PendingSummary, error) {
	ctx = activityOptions(ctx)
	logger := workflow.GetLogger(ctx)

	var a *Activities
	var ids []string
	if err := workflow.ExecuteActivity(ctx, a.ListPending, in).Get(ctx, &ids); err != nil {
		return nil, err
	}

	summary := &model.PendingSummary{TotalPending: len(ids), Errors: []string{}}
	batch := in.Concurrency
	if batch <= 0 {
		batch = DefaultSweepConcurrency
	}
	for start := 0; start < len(ids); start += batch {
		end := min(start+batch, len(ids))
		futures := make([]workflow.Future, 0, end-start)
		for _, id := range ids[start:end] {
			futures = append(futures, workflow.ExecuteActivity(ctx, a.RunPhase, PhaseInput{CaseID: id, Phase: in.Phase}))
		}
		for i, f := range futures {
			id := ids[start+i]
			var s model.RunSummary
			if err := f.Get(ctx, &s); err != nil {
				summary.Errors = append(summary.Errors, fmt.Sprintf("%s: %v", id, err))
				continue
			}
			if s.Status == model.SummaryFailed {
				summary.Errors = append(summary.Errors, fmt.Sprintf("%s: %s", id, strings.Join(s.Errors, "; ")))
				continue
			}
			summary.Analyzed++
		}
	}

	logger.Info("workflows: sweep finished", "phase", string(in.Phase), "total", summary.TotalPending, "analyzed", summary.Analyzed)
	return summary, nil
}

// Register adds the workflows and activities to a worker.
func Register(w worker.Registry, acts *Activities) {
	w.RegisterWorkflowWithOptions(PhaseWorkflow, workflow.RegisterOptions{Name: PhaseWorkflowName})
	w.RegisterWorkflowWithOptions(SweepWorkflow, workflow.RegisterOptions{Name: SweepWorkflowName})
	w.RegisterActivity(acts)
}

// StartPhase starts a PhaseWorkflow. The workflow ID is derived from the
// case and phase so that a case never runs the same phase twice at once.
func StartPhase(ctx context.Context, c client.Client, taskQueue string, in PhaseInput) (client.WorkflowRun, error) {
	run, err := c.ExecuteWorkflow(ctx, client.StartWorkflowOptions{
		ID:        fmt.Sprintf("case-%s-%s", in.CaseID, in.Phase),
		TaskQueue: taskQueue,
	}, PhaseWorkflowName, in)
	if err != nil {
		return nil, err
	}
	zap.L().Info("workflows: phase started",
		zap.String("case_id", in.CaseID),
		zap.String("phase", string(in.Phase)),
		zap.String("workflow_id", run.GetID()),
		zap.String("run_id", run.GetRunID()),
	)
	return run, nil
}

// StartSweep starts a SweepWorkflow.
func StartSweep(ctx context.Context, c client.Client, taskQueue string, in SweepInput) (client.WorkflowRun, error) {
	return c.ExecuteWorkflow(ctx, client.StartWorkflowOptions{
		ID:        fmt.Sprintf("sweep-%s-%d", in.Phase, time.Now().Unix()),
		TaskQueue: taskQueue,
	}, SweepWorkflowName, in)
}
