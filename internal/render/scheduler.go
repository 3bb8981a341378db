package render

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/loqalabs/loqa-render/internal/logging"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"
)

const instrumentationName = "github.com/loqalabs/loqa-render/internal/render"

// Scheduler runs render work on a shared, optionally bounded pool of
// goroutines. Renders share no state through it.
type Scheduler struct {
	sem      *semaphore.Weighted
	log      *slog.Logger
	tracer   trace.Tracer
	tasks    metric.Int64Counter
	duration metric.Float64Histogram
	wg       sync.WaitGroup
}

// NewScheduler creates a scheduler allowing maxConcurrent renders at once.
// maxConcurrent <= 0 means unbounded.
func NewScheduler(maxConcurrent int, log *slog.Logger) *Scheduler {
	if log == nil {
		log = slog.Default()
	}
	s := &Scheduler{
		log:    log.With(slog.String("component", "render-scheduler")),
		tracer: otel.Tracer(instrumentationName),
	}
	if maxConcurrent > 0 {
		s.sem = semaphore.NewWeighted(int64(maxConcurrent))
	}
	if err := s.initMetrics(); err != nil {
		s.log.Warn("failed to initialize metrics", logging.Error(err))
	}
	return s
}

func (s *Scheduler) initMetrics() error {
	meter := otel.Meter(instrumentationName)
	tasks, err := meter.Int64Counter("loqa.render.tasks", metric.WithDescription("Render tasks by outcome"))
	if err != nil {
		return err
	}
	duration, err := meter.Float64Histogram("loqa.render.duration",
		metric.WithDescription("Wall time spent synthesizing a phrase"),
		metric.WithUnit("ms"))
	if err != nil {
		return err
	}
	s.tasks = tasks
	s.duration = duration
	return nil
}

// Go schedules fn and returns its task immediately. If ctx is done before
// fn gets a slot, fn never runs and the task settles as canceled.
func (s *Scheduler) Go(ctx context.Context, name string, attrs []attribute.KeyValue, fn func(context.Context) (Result, error)) *Task {
	task := newTask()
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.run(ctx, task, name, attrs, fn)
	}()
	return task
}

// Wait blocks until every scheduled task has settled.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

func (s *Scheduler) run(ctx context.Context, task *Task, name string, attrs []attribute.KeyValue, fn func(context.Context) (Result, error)) {
	ctx, span := s.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
	defer span.End()

	start := time.Now()
	defer func() {
		outcome := task.Status().String()
		span.SetAttributes(attribute.String("render.outcome", outcome))
		if s.tasks != nil {
			s.tasks.Add(context.Background(), 1, metric.WithAttributes(attribute.String("outcome", outcome)))
		}
		if s.duration != nil && task.Status() == StatusCompleted {
			s.duration.Record(context.Background(), float64(time.Since(start))/float64(time.Millisecond))
		}
	}()

	if err := ctx.Err(); err != nil {
		task.cancel(context.Cause(ctx))
		return
	}
	if s.sem != nil {
		if err := s.sem.Acquire(ctx, 1); err != nil {
			task.cancel(context.Cause(ctx))
			return
		}
		defer s.sem.Release(1)
		if err := ctx.Err(); err != nil {
			task.cancel(context.Cause(ctx))
			return
		}
	}

	res, err := s.invoke(ctx, fn)
	switch {
	case err == nil:
		task.complete(res)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		task.cancel(err)
	default:
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.log.Error("render task failed", slog.String("task", name), logging.Error(err))
		task.fail(err)
	}
}

func (s *Scheduler) invoke(ctx context.Context, fn func(context.Context) (Result, error)) (res Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("render task panicked", slog.Any("panic", r), slog.String("stack", string(debug.Stack())))
			res = Result{}
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn(ctx)
}
