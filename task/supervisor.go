package task

import (
	"context"
	"sort"
	"sync"

	"github.com/pkg/errors"

	"github.com/rillstream/go-mysql-cdc/cfg"
	"github.com/rillstream/go-mysql-cdc/logger"
)

// ErrTaskNotFound is returned for operations on unknown task names.
var ErrTaskNotFound = errors.New("task not found")

// Supervisor owns every ConnectorTask in the process and is the sole
// entry point for external control. Tasks run fully in parallel; the
// only shared state is the broker sink and the offset store.
type Supervisor struct {
	deps Deps

	mu    sync.Mutex
	tasks map[string]*Task
}

// NewSupervisor creates an empty supervisor over shared dependencies.
func NewSupervisor(deps Deps) *Supervisor {
	return &Supervisor{
		deps:  deps,
		tasks: make(map[string]*Task),
	}
}

// Deploy registers a pipeline and starts it. Tuning fields left unset
// (API deploys bypass the config file loader) get their defaults here.
func (s *Supervisor) Deploy(ctx context.Context, conf cfg.PipelineConfiguration) (Status, error) {
	conf.ApplyDefaults()
	if err := conf.Validate(); err != nil {
		return Status{}, err
	}

	s.mu.Lock()
	if _, exists := s.tasks[conf.Name]; exists {
		s.mu.Unlock()
		return Status{}, errors.Errorf("task %q already deployed", conf.Name)
	}
	t, err := newTask(conf, s.deps)
	if err != nil {
		s.mu.Unlock()
		return Status{}, err
	}
	s.tasks[conf.Name] = t
	s.mu.Unlock()

	if err := t.Start(ctx); err != nil {
		return t.Status(), err
	}
	logger.Info(ctx).Str("task", conf.Name).Str("database", conf.Database).Msg("task deployed")
	return t.Status(), nil
}

func (s *Supervisor) get(name string) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[name]
	if !ok {
		return nil, errors.Wrap(ErrTaskNotFound, name)
	}
	return t, nil
}

// Config returns the deployed configuration of a task.
func (s *Supervisor) Config(name string) (cfg.PipelineConfiguration, error) {
	t, err := s.get(name)
	if err != nil {
		return cfg.PipelineConfiguration{}, err
	}
	return t.Conf, nil
}

// Status returns the status of one task.
func (s *Supervisor) Status(name string) (Status, error) {
	t, err := s.get(name)
	if err != nil {
		return Status{}, err
	}
	return t.Status(), nil
}

// List returns the status of every task, ordered by name.
func (s *Supervisor) List() []Status {
	s.mu.Lock()
	tasks := make([]*Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		tasks = append(tasks, t)
	}
	s.mu.Unlock()

	sort.Slice(tasks, func(i, j int) bool { return tasks[i].Name < tasks[j].Name })
	out := make([]Status, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, t.Status())
	}
	return out
}

// Pause suspends consumption for a task; in-flight batches flush.
func (s *Supervisor) Pause(name string) error {
	t, err := s.get(name)
	if err != nil {
		return err
	}
	return t.Pause()
}

// Resume continues a paused task.
func (s *Supervisor) Resume(name string) error {
	t, err := s.get(name)
	if err != nil {
		return err
	}
	return t.Resume()
}

// Restart stops and restarts a task, replaying from the last committed
// offset. Valid from any state, including Failed.
func (s *Supervisor) Restart(ctx context.Context, name string) error {
	t, err := s.get(name)
	if err != nil {
		return err
	}
	return t.Restart(ctx)
}

// Delete stops a task and removes it. Committed offsets survive unless
// purgeOffsets is set, so a later redeploy resumes where it left off.
func (s *Supervisor) Delete(ctx context.Context, name string, purgeOffsets bool) error {
	t, err := s.get(name)
	if err != nil {
		return err
	}
	if err := t.Stop(); err != nil {
		return err
	}

	s.mu.Lock()
	delete(s.tasks, name)
	s.mu.Unlock()

	if purgeOffsets {
		if err := s.deps.Offsets.Clear(ctx, name); err != nil {
			return errors.Wrap(err, "purge offsets")
		}
	}
	logger.Info(ctx).Str("task", name).Bool("purged_offsets", purgeOffsets).Msg("task deleted")
	return nil
}

// StopAll winds down every task; used at process shutdown.
func (s *Supervisor) StopAll(ctx context.Context) {
	for _, st := range s.List() {
		t, err := s.get(st.Name)
		if err != nil {
			continue
		}
		if err := t.Stop(); err != nil {
			logger.ErrorWith(ctx, err).Str("task", st.Name).Msg("stop task")
		}
	}
}
