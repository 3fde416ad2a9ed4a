package e2e

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arion-ai/arion/pkg/models"
	"github.com/arion-ai/arion/pkg/provider"
)

// runDetail mirrors the run detail response body.
type runDetail struct {
	Run   *models.WorkflowRun          `json:"run"`
	Steps []*models.WorkflowStepResult `json:"steps"`
}

func TestWorkflowStream_TwoStepRun(t *testing.T) {
	app := newTestApp(t)
	_, token := app.seedUser(t, "runner@acme.test", models.RoleMember, "workflows:*")

	app.scripted.Enqueue("analysis", provider.ScriptedResponse{FinalText: "findings: the cache is stale"})
	app.scripted.Enqueue("code", provider.ScriptedResponse{FinalText: "patch: invalidate on write"})

	rec := app.do(t, requestSpec{
		method: http.MethodPost, path: "/api/v1/workflows/analysis-code/run-stream",
		body:  `{"message":"why are reads stale?"}`,
		token: token,
	})
	require.Equal(t, http.StatusOK, rec.Code)

	frames := decodeSSEFrames(t, rec.Body.String())
	require.NotEmpty(t, frames)

	first := frames[0]
	require.Equal(t, models.FrameLifecycle, first.Kind)
	assert.Equal(t, "workflow_started", first.Payload["status"])
	assert.Equal(t, "analysis-code", first.Payload["workflow_key"])
	require.NotNil(t, first.Workflow)
	runID := first.Workflow.WorkflowRunID
	require.NotEmpty(t, runID)

	last := frames[len(frames)-1]
	require.Equal(t, models.FrameFinal, last.Kind)
	assert.Equal(t, "patch: invalidate on write", last.Payload["response_text"])

	// Every frame of the run carries the workflow context.
	for _, f := range frames {
		require.NotNil(t, f.Workflow)
		assert.Equal(t, runID, f.Workflow.WorkflowRunID)
	}

	rec = app.do(t, requestSpec{
		method: http.MethodGet, path: "/api/v1/workflows/runs/" + runID,
		token: token,
	})
	require.Equal(t, http.StatusOK, rec.Code)
	var detail runDetail
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &detail))
	assert.Equal(t, models.RunStatusSucceeded, detail.Run.Status)
	require.NotNil(t, detail.Run.FinalOutputText)
	assert.Equal(t, "patch: invalidate on write", *detail.Run.FinalOutputText)

	require.Len(t, detail.Steps, 2)
	assert.Equal(t, "analysis", detail.Steps[0].AgentKey)
	assert.Equal(t, models.StepSucceeded, detail.Steps[0].Status)
	assert.Equal(t, "code", detail.Steps[1].AgentKey)
	assert.Equal(t, models.StepSucceeded, detail.Steps[1].Status)
}

func TestWorkflow_PooledRunAndReplay(t *testing.T) {
	app := newTestApp(t)
	_, token := app.seedUser(t, "runner@acme.test", models.RoleMember, "workflows:*")

	app.scripted.Enqueue("analysis", provider.ScriptedResponse{FinalText: "findings"})
	app.scripted.Enqueue("code", provider.ScriptedResponse{FinalText: "patch"})

	rec := app.do(t, requestSpec{
		method: http.MethodPost, path: "/api/v1/workflows/analysis-code/run",
		body:  `{"message":"go"}`,
		token: token,
	})
	require.Equal(t, http.StatusAccepted, rec.Code)
	var run models.WorkflowRun
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &run))
	require.NotEmpty(t, run.ID)
	assert.Equal(t, models.RunStatusRunning, run.Status)

	final := app.waitForRun(t, run.ID, models.RunStatusSucceeded)
	require.NotNil(t, final.FinalOutputText)
	assert.Equal(t, "patch", *final.FinalOutputText)

	// The background run recorded its whole frame history; replay returns
	// it scoped to the run.
	rec = app.do(t, requestSpec{
		method: http.MethodGet, path: "/api/v1/workflows/runs/" + run.ID + "/replay/events?limit=100",
		token: token,
	})
	require.Equal(t, http.StatusOK, rec.Code)
	var page struct {
		Frames []*models.Frame `json:"frames"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &page))
	require.NotEmpty(t, page.Frames)
	assert.Equal(t, models.FrameLifecycle, page.Frames[0].Kind)
	assert.Equal(t, models.FrameFinal, page.Frames[len(page.Frames)-1].Kind)
	for _, f := range page.Frames {
		require.NotNil(t, f.Workflow)
		assert.Equal(t, run.ID, f.Workflow.WorkflowRunID)
	}
}

func TestWorkflow_SharedLocationRecordedAndForwarded(t *testing.T) {
	app := newTestApp(t)
	_, token := app.seedUser(t, "runner@acme.test", models.RoleMember, "workflows:*")

	app.scripted.Enqueue("analysis", provider.ScriptedResponse{FinalText: "findings"})
	app.scripted.Enqueue("code", provider.ScriptedResponse{FinalText: "patch"})

	rec := app.do(t, requestSpec{
		method: http.MethodPost, path: "/api/v1/workflows/analysis-code/run-stream",
		body: `{"message":"check outages near me",` +
			`"location":{"latitude":51.5072,"longitude":-0.1276,"label":"London"},"share_location":true}`,
		token: token,
	})
	require.Equal(t, http.StatusOK, rec.Code)

	frames := decodeSSEFrames(t, rec.Body.String())
	require.NotEmpty(t, frames)
	runID := frames[0].Workflow.WorkflowRunID

	// The run row records the shared location.
	run, err := app.runs.GetRun(context.Background(), app.tenantID, runID)
	require.NoError(t, err)
	require.NotEmpty(t, run.RequestLocation)
	var loc map[string]any
	require.NoError(t, json.Unmarshal(run.RequestLocation, &loc))
	assert.Equal(t, 51.5072, loc["latitude"])
	assert.Equal(t, "London", loc["label"])

	// Every step's provider call carries it as metadata.
	input, ok := app.scripted.LastInput()
	require.True(t, ok)
	assert.JSONEq(t, string(run.RequestLocation), input.Metadata["location"])

	// Without the opt-in flag nothing is recorded.
	app.scripted.Enqueue("analysis", provider.ScriptedResponse{FinalText: "findings"})
	app.scripted.Enqueue("code", provider.ScriptedResponse{FinalText: "patch"})
	rec = app.do(t, requestSpec{
		method: http.MethodPost, path: "/api/v1/workflows/analysis-code/run-stream",
		body:  `{"message":"check again","location":{"latitude":51.5072,"longitude":-0.1276}}`,
		token: token,
	})
	require.Equal(t, http.StatusOK, rec.Code)
	frames = decodeSSEFrames(t, rec.Body.String())
	require.NotEmpty(t, frames)
	run, err = app.runs.GetRun(context.Background(), app.tenantID, frames[0].Workflow.WorkflowRunID)
	require.NoError(t, err)
	assert.Empty(t, run.RequestLocation)
	input, ok = app.scripted.LastInput()
	require.True(t, ok)
	assert.NotContains(t, input.Metadata, "location")
}

func TestWorkflow_FailurePropagates(t *testing.T) {
	app := newTestApp(t)
	_, token := app.seedUser(t, "runner@acme.test", models.RoleMember, "workflows:*")

	app.scripted.Enqueue("analysis", provider.ScriptedResponse{Err: errors.New("backend down")})

	rec := app.do(t, requestSpec{
		method: http.MethodPost, path: "/api/v1/workflows/analysis-code/run-stream",
		body:  `{"message":"go"}`,
		token: token,
	})
	require.Equal(t, http.StatusOK, rec.Code)

	frames := decodeSSEFrames(t, rec.Body.String())
	require.NotEmpty(t, frames)
	last := frames[len(frames)-1]
	assert.Equal(t, models.FrameError, last.Kind)

	runID := frames[0].Workflow.WorkflowRunID
	run, err := app.runs.GetRun(context.Background(), app.tenantID, runID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusFailed, run.Status)

	steps, err := app.runs.ListSteps(context.Background(), runID)
	require.NoError(t, err)
	require.NotEmpty(t, steps)
	assert.Equal(t, models.StepFailed, steps[0].Status)
}

func TestWorkflow_Cancellation(t *testing.T) {
	app := newTestApp(t)
	_, token := app.seedUser(t, "admin@acme.test", models.RoleAdmin, "workflows:*")

	// The first step stalls long enough for the cancel request to land.
	app.scripted.Enqueue("analysis", provider.ScriptedResponse{
		FinalText: "never delivered",
		Delay:     10 * time.Second,
	})

	rec := app.do(t, requestSpec{
		method: http.MethodPost, path: "/api/v1/workflows/analysis-code/run",
		body:  `{"message":"slow work"}`,
		token: token,
	})
	require.Equal(t, http.StatusAccepted, rec.Code)
	var run models.WorkflowRun
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &run))

	rec = app.do(t, requestSpec{
		method: http.MethodPost, path: "/api/v1/workflows/runs/" + run.ID + "/cancel",
		token: token,
	})
	require.Equal(t, http.StatusAccepted, rec.Code)

	// The durable flag is set; if the pooled run had not registered its
	// cancel func yet, keep poking local cancellation instead of waiting
	// out the cooperative poll interval.
	require.Eventually(t, func() bool {
		current, err := app.runs.GetRun(context.Background(), app.tenantID, run.ID)
		if err == nil && current.Status.Terminal() {
			return true
		}
		return app.workflows.CancelLocal(run.ID)
	}, 10*time.Second, 20*time.Millisecond)

	final := app.waitForRun(t, run.ID, models.RunStatusCancelled)
	assert.True(t, final.CancelRequested)

	// The stream closed with a cancelled terminal frame.
	rec = app.do(t, requestSpec{
		method: http.MethodGet, path: "/api/v1/workflows/runs/" + run.ID + "/replay/events?limit=100",
		token: token,
	})
	require.Equal(t, http.StatusOK, rec.Code)
	var page struct {
		Frames []*models.Frame `json:"frames"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &page))
	require.NotEmpty(t, page.Frames)
	last := page.Frames[len(page.Frames)-1]
	assert.Equal(t, models.FrameError, last.Kind)
	assert.Equal(t, "cancelled", last.Payload["code"])
}
