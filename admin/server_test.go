package admin

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rillstream/go-mysql-cdc/cfg"
	"github.com/rillstream/go-mysql-cdc/task"
)

// fakeController records calls and serves canned state.
type fakeController struct {
	statuses map[string]task.Status
	configs  map[string]cfg.PipelineConfiguration
	deployed []cfg.PipelineConfiguration
	paused   []string
	resumed  []string
	deleted  map[string]bool // name -> purge flag
	err      error
}

func newFakeController() *fakeController {
	return &fakeController{
		statuses: map[string]task.Status{
			"orders": {Name: "orders", State: "RUNNING", Position: "mysql-bin.000002:77"},
		},
		configs: map[string]cfg.PipelineConfiguration{
			"orders": {Name: "orders", Database: "shop", TopicPrefix: "prod"},
		},
		deleted: map[string]bool{},
	}
}

func (f *fakeController) lookupErr(name string) error {
	if f.err != nil {
		return f.err
	}
	if _, ok := f.statuses[name]; !ok {
		return errors.Wrap(task.ErrTaskNotFound, name)
	}
	return nil
}

func (f *fakeController) Deploy(ctx context.Context, conf cfg.PipelineConfiguration) (task.Status, error) {
	if f.err != nil {
		return task.Status{}, f.err
	}
	f.deployed = append(f.deployed, conf)
	status := task.Status{Name: conf.Name, State: "RUNNING"}
	f.statuses[conf.Name] = status
	return status, nil
}

func (f *fakeController) Config(name string) (cfg.PipelineConfiguration, error) {
	if err := f.lookupErr(name); err != nil {
		return cfg.PipelineConfiguration{}, err
	}
	return f.configs[name], nil
}

func (f *fakeController) Status(name string) (task.Status, error) {
	if err := f.lookupErr(name); err != nil {
		return task.Status{}, err
	}
	return f.statuses[name], nil
}

func (f *fakeController) List() []task.Status {
	var out []task.Status
	for _, s := range f.statuses {
		out = append(out, s)
	}
	return out
}

func (f *fakeController) Pause(name string) error {
	if err := f.lookupErr(name); err != nil {
		return err
	}
	f.paused = append(f.paused, name)
	return nil
}

func (f *fakeController) Resume(name string) error {
	if err := f.lookupErr(name); err != nil {
		return err
	}
	f.resumed = append(f.resumed, name)
	return nil
}

func (f *fakeController) Restart(ctx context.Context, name string) error {
	return f.lookupErr(name)
}

func (f *fakeController) Delete(ctx context.Context, name string, purgeOffsets bool) error {
	if err := f.lookupErr(name); err != nil {
		return err
	}
	delete(f.statuses, name)
	f.deleted[name] = purgeOffsets
	return nil
}

func doRequest(t *testing.T, ctl Controller, method, path string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	rec := httptest.NewRecorder()
	NewRouter(ctl).ServeHTTP(rec, req)
	return rec
}

func TestListTasks(t *testing.T) {
	rec := doRequest(t, newFakeController(), http.MethodGet, "/tasks/", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var got []task.Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Len(t, got, 1)
	assert.Equal(t, "orders", got[0].Name)
}

func TestDeployTask(t *testing.T) {
	ctl := newFakeController()
	body, _ := json.Marshal(cfg.PipelineConfiguration{
		Name: "users", Database: "shop", TopicPrefix: "prod",
	})
	rec := doRequest(t, ctl, http.MethodPost, "/tasks/", body)

	require.Equal(t, http.StatusCreated, rec.Code)
	require.Len(t, ctl.deployed, 1)
	assert.Equal(t, "users", ctl.deployed[0].Name)

	var status task.Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, "RUNNING", status.State)
}

func TestDeployAcceptsSnakeCaseFields(t *testing.T) {
	ctl := newFakeController()
	body := []byte(`{
		"name": "users",
		"database": "shop",
		"topic_prefix": "prod",
		"snapshot_mode": "schema_only",
		"max_batch_size": 25,
		"poll_interval_ms": 200,
		"on_serialization_error": "skip",
		"transforms": [{"kind": "drop-column", "table": "shop.users", "column": "ssn"}],
		"retry": {"max_attempts": 3, "initial_ms": 10, "max_ms": 100, "multiplier": 2}
	}`)
	rec := doRequest(t, ctl, http.MethodPost, "/tasks/", body)

	require.Equal(t, http.StatusCreated, rec.Code)
	require.Len(t, ctl.deployed, 1)
	conf := ctl.deployed[0]
	assert.Equal(t, "prod", conf.TopicPrefix)
	assert.Equal(t, "schema_only", conf.SnapshotMode)
	assert.Equal(t, 25, conf.MaxBatchSize)
	assert.Equal(t, 200, conf.PollIntervalMS)
	assert.Equal(t, "skip", conf.OnSerializationError)
	require.Len(t, conf.Transforms, 1)
	assert.Equal(t, "ssn", conf.Transforms[0].Column)
	assert.Equal(t, 3, conf.Retry.MaxAttempts)
}

func TestConfigResponseUsesSnakeCaseFields(t *testing.T) {
	rec := doRequest(t, newFakeController(), http.MethodGet, "/tasks/orders/config", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var raw map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &raw))
	assert.Contains(t, raw, "topic_prefix")
	assert.Contains(t, raw, "snapshot_mode")
	assert.NotContains(t, raw, "TopicPrefix")
}

func TestDeployRejectsBadBody(t *testing.T) {
	rec := doRequest(t, newFakeController(), http.MethodPost, "/tasks/", []byte("{not json"))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetTaskStatus(t *testing.T) {
	for _, path := range []string{"/tasks/orders/", "/tasks/orders/status"} {
		rec := doRequest(t, newFakeController(), http.MethodGet, path, nil)
		require.Equal(t, http.StatusOK, rec.Code, path)

		var status task.Status
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
		assert.Equal(t, "mysql-bin.000002:77", status.Position)
	}
}

func TestGetTaskConfig(t *testing.T) {
	rec := doRequest(t, newFakeController(), http.MethodGet, "/tasks/orders/config", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var conf cfg.PipelineConfiguration
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &conf))
	assert.Equal(t, "shop", conf.Database)
}

func TestUnknownTaskIs404(t *testing.T) {
	rec := doRequest(t, newFakeController(), http.MethodGet, "/tasks/ghost/status", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Contains(t, body["error"], "task not found")
}

func TestPauseAndResume(t *testing.T) {
	ctl := newFakeController()

	rec := doRequest(t, ctl, http.MethodPut, "/tasks/orders/pause", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"orders"}, ctl.paused)

	rec = doRequest(t, ctl, http.MethodPut, "/tasks/orders/resume", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"orders"}, ctl.resumed)
}

func TestIllegalTransitionIs409(t *testing.T) {
	ctl := newFakeController()
	ctl.err = errors.Wrap(task.ErrIllegalTransition, "RUNNING -> RUNNING")

	rec := doRequest(t, ctl, http.MethodPut, "/tasks/orders/resume", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestRestartTask(t *testing.T) {
	rec := doRequest(t, newFakeController(), http.MethodPost, "/tasks/orders/restart", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestDeleteTask(t *testing.T) {
	ctl := newFakeController()
	rec := doRequest(t, ctl, http.MethodDelete, "/tasks/orders/", nil)
	require.Equal(t, http.StatusNoContent, rec.Code)

	purged, ok := ctl.deleted["orders"]
	require.True(t, ok)
	assert.False(t, purged)
}

func TestDeleteTaskPurgesOffsets(t *testing.T) {
	ctl := newFakeController()
	rec := doRequest(t, ctl, http.MethodDelete, "/tasks/orders/?purge_offsets=true", nil)
	require.Equal(t, http.StatusNoContent, rec.Code)
	assert.True(t, ctl.deleted["orders"])
}

func TestMetricsEndpoint(t *testing.T) {
	rec := doRequest(t, newFakeController(), http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}
