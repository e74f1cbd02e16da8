// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package fibrt

// schedulerOptions holds configuration shared by NewScheduler and NewIOManager.
type schedulerOptions struct {
	threads  int
	useCaller bool
	name     string
	logger   Logger
}

// SchedulerOption configures a Scheduler or IOManager at construction time.
type SchedulerOption interface {
	applyScheduler(*schedulerOptions) error
}

// schedulerOptionImpl implements SchedulerOption.
type schedulerOptionImpl struct {
	applyFunc func(*schedulerOptions) error
}

func (o *schedulerOptionImpl) applyScheduler(opts *schedulerOptions) error {
	return o.applyFunc(opts)
}

// WithThreads sets the number of dedicated worker threads the scheduler
// spawns. Must be >= 0; 0 is only valid together with WithUseCaller(true).
func WithThreads(n int) SchedulerOption {
	return &schedulerOptionImpl{func(opts *schedulerOptions) error {
		if n < 0 {
			return WrapError("WithThreads", ErrInvalidConfig)
		}
		opts.threads = n
		return nil
	}}
}

// WithUseCaller, when enabled, spawns one fewer dedicated worker thread
// and instead wraps the constructing goroutine's own worker loop in a
// fiber that Scheduler.Stop resumes to drain residual work, rather
// than blocking Start itself. This mirrors the original scheduler's
// "use_caller" flag: the calling thread participates in scheduling
// instead of only ever submitting work to it, without making
// construction itself a blocking call.
func WithUseCaller(enabled bool) SchedulerOption {
	return &schedulerOptionImpl{func(opts *schedulerOptions) error {
		opts.useCaller = enabled
		return nil
	}}
}

// WithName sets the scheduler's name, used as the name of every worker
// OS thread (truncated to 15 bytes per pthread_setname_np/PR_SET_NAME)
// and as the "name" field of the scheduler's start/stop log entries.
func WithName(name string) SchedulerOption {
	return &schedulerOptionImpl{func(opts *schedulerOptions) error {
		opts.name = name
		return nil
	}}
}

// WithLogger overrides the default logger used for this scheduler's
// structured log output.
func WithLogger(logger Logger) SchedulerOption {
	return &schedulerOptionImpl{func(opts *schedulerOptions) error {
		opts.logger = logger
		return nil
	}}
}

// resolveSchedulerOptions applies SchedulerOption instances to schedulerOptions.
func resolveSchedulerOptions(opts []SchedulerOption) (*schedulerOptions, error) {
	cfg := &schedulerOptions{
		threads:   1,
		useCaller: false,
		name:      "scheduler",
		logger:    defaultLogger,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt.applyScheduler(cfg); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}
