// Package renderservice exposes registered render backends over NATS.
package renderservice

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-render/internal/bus"
	"github.com/loqalabs/loqa-render/internal/config"
	"github.com/loqalabs/loqa-render/internal/journal"
	"github.com/loqalabs/loqa-render/internal/logging"
	"github.com/loqalabs/loqa-render/internal/pcm"
	"github.com/loqalabs/loqa-render/internal/protocol"
	"github.com/loqalabs/loqa-render/internal/render"
	"github.com/nats-io/nats.go"
)

const (
	defaultSampleRate = 44100
	// chunkSlack covers the chunk fields and pcm key not present when the
	// result header is measured.
	chunkSlack   = 128
	drainTimeout = 5 * time.Second
)

var (
	// ErrPhraseTooLong rejects phrases above render.max_duration_ms.
	ErrPhraseTooLong = errors.New("phrase exceeds render.max_duration_ms")

	errShuttingDown = fmt.Errorf("%w: render service shutting down", render.ErrCanceled)
)

// Journal records finished jobs.
type Journal interface {
	Append(ctx context.Context, e journal.Entry) error
}

type sampleRater interface {
	SampleRate() int
}

type job struct {
	cancel  context.CancelFunc
	trackNo int
}

type Service struct {
	cfg      config.ServiceConfig
	render   config.RenderConfig
	bus      *bus.Client
	registry *render.Registry
	journal  Journal
	subs     []*nats.Subscription
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	logger   *slog.Logger
	newID    func() string
	clock    func() time.Time

	mu      sync.Mutex
	jobs    map[string]job
	closing bool
}

func New(parent context.Context, cfg config.Config, busClient *bus.Client, registry *render.Registry, j Journal, log *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	return &Service{
		cfg:      cfg.Service,
		render:   cfg.Render,
		bus:      busClient,
		registry: registry,
		journal:  j,
		ctx:      ctx,
		cancel:   cancel,
		logger:   log.With(slog.String("component", "render-service")),
		newID:    uuid.NewString,
		clock:    time.Now,
		jobs:     make(map[string]job),
	}
}

// Start subscribes to the render subjects. Layout and render requests are
// shared across the queue group; cancels reach every instance since only the
// owner of a job can stop it.
func (s *Service) Start() error {
	if !s.cfg.Enabled {
		return nil
	}
	conn := s.bus.Conn()
	subscribe := func(subject string, handler nats.MsgHandler) error {
		var (
			sub *nats.Subscription
			err error
		)
		if s.cfg.QueueGroup != "" {
			sub, err = conn.QueueSubscribe(subject, s.cfg.QueueGroup, handler)
		} else {
			sub, err = conn.Subscribe(subject, handler)
		}
		if err != nil {
			return err
		}
		s.subs = append(s.subs, sub)
		return nil
	}

	if err := subscribe(protocol.SubjectLayout, s.handleLayout); err != nil {
		return err
	}
	if err := subscribe(protocol.SubjectRenderRequest, s.handleRender); err != nil {
		return err
	}
	sub, err := conn.Subscribe(protocol.SubjectRenderCancel, s.handleCancel)
	if err != nil {
		return err
	}
	s.subs = append(s.subs, sub)
	if err := conn.Flush(); err != nil {
		return err
	}
	s.logger.Info("render service subscribed", slog.String("queue_group", s.cfg.QueueGroup))
	return nil
}

// Close stops accepting jobs, cancels in-flight ones and waits for their
// results to be published. Requests still buffered when Close starts are
// answered with a canceled result. Nothing is published once Close returns.
func (s *Service) Close() {
	s.mu.Lock()
	s.closing = true
	s.mu.Unlock()

	for _, sub := range s.subs {
		_ = sub.Drain()
	}
	s.waitDrained()
	s.cancel()
	s.wg.Wait()
}

// waitDrained blocks until every subscription has delivered its buffered
// messages, since Drain only starts the process.
func (s *Service) waitDrained() {
	deadline := time.Now().Add(drainTimeout)
	for _, sub := range s.subs {
		for sub.IsValid() {
			if time.Now().After(deadline) {
				s.logger.Warn("timed out draining render subscriptions", slog.String("subject", sub.Subject))
				return
			}
			time.Sleep(10 * time.Millisecond)
		}
	}
}

func (s *Service) Healthy() bool { return !s.cfg.Enabled || len(s.subs) > 0 }

// ActiveJobs reports the number of render jobs not yet settled.
func (s *Service) ActiveJobs() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.jobs)
}

func (s *Service) resolve(singer string) (render.SingerType, render.Renderer, error) {
	if singer == "" {
		singer = s.render.DefaultSinger
	}
	st, err := render.ParseSingerType(singer)
	if err != nil {
		return render.SingerType(singer), nil, err
	}
	backend, err := s.registry.Lookup(st)
	if err != nil {
		return st, nil, err
	}
	return st, backend, nil
}

func (s *Service) handleLayout(msg *nats.Msg) {
	var req protocol.LayoutRequest
	var reply protocol.LayoutReply
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.logger.Warn("failed to decode layout request", logging.Error(err))
		reply.Error = "invalid layout request: " + err.Error()
		s.respond(msg, reply)
		return
	}

	st, backend, err := s.resolve(req.Singer)
	reply.Singer = string(st)
	if err != nil {
		reply.Error = err.Error()
		s.respond(msg, reply)
		return
	}
	res := backend.Layout(req.Phrase.Phrase())
	reply.LeadingMs = res.LeadingMs
	reply.PositionMs = res.PositionMs
	reply.EstimatedLengthMs = res.EstimatedLengthMs
	s.respond(msg, reply)
}

func (s *Service) respond(msg *nats.Msg, v any) {
	if msg.Reply == "" {
		return
	}
	data, err := json.Marshal(v)
	if err != nil {
		s.logger.Warn("failed to marshal reply", logging.Error(err))
		return
	}
	if err := msg.Respond(data); err != nil {
		s.logger.Warn("failed to send reply", logging.Error(err))
	}
}

func (s *Service) handleRender(msg *nats.Msg) {
	var req protocol.RenderRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.logger.Warn("failed to decode render request", logging.Error(err))
		return
	}
	if req.JobID == "" {
		req.JobID = s.newID()
	}
	started := s.clock()

	st, backend, err := s.resolve(req.Singer)
	if err != nil {
		s.finish(req, st, defaultSampleRate, render.StatusFailed, render.Result{}, err, started)
		return
	}
	if limit := s.render.MaxDurationMS; limit > 0 && req.Phrase.DurationMs > float64(limit) {
		err := fmt.Errorf("%w: %.0f ms > %d ms", ErrPhraseTooLong, req.Phrase.DurationMs, limit)
		s.finish(req, st, defaultSampleRate, render.StatusFailed, render.Result{}, err, started)
		return
	}

	ctx, cancel := context.WithCancel(s.ctx)
	if s.render.JobTimeoutMS > 0 {
		var timeoutCancel context.CancelFunc
		ctx, timeoutCancel = context.WithTimeout(ctx, time.Duration(s.render.JobTimeoutMS)*time.Millisecond)
		parentCancel := cancel
		cancel = func() {
			timeoutCancel()
			parentCancel()
		}
	}

	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		cancel()
		s.finish(req, st, defaultSampleRate, render.StatusCanceled, render.Result{}, errShuttingDown, started)
		return
	}
	if _, dup := s.jobs[req.JobID]; dup {
		s.mu.Unlock()
		cancel()
		s.logger.Warn("duplicate render job id ignored", slog.String("job_id", req.JobID))
		return
	}
	s.jobs[req.JobID] = job{cancel: cancel, trackNo: req.TrackNo}
	s.wg.Add(1)
	s.mu.Unlock()

	rate := defaultSampleRate
	if sr, ok := backend.(sampleRater); ok {
		rate = sr.SampleRate()
	}

	task := backend.Render(ctx, req.Phrase.Phrase(), render.NopProgress{}, req.TrackNo, req.PreRender)

	go func() {
		defer s.wg.Done()
		<-task.Done()
		res, err := task.Wait(context.Background())

		s.mu.Lock()
		delete(s.jobs, req.JobID)
		s.mu.Unlock()
		cancel()

		s.finish(req, st, rate, task.Status(), res, err, started)
	}()
}

func (s *Service) handleCancel(msg *nats.Msg) {
	var req protocol.CancelRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.logger.Warn("failed to decode cancel request", logging.Error(err))
		return
	}
	s.mu.Lock()
	j, ok := s.jobs[req.JobID]
	s.mu.Unlock()
	if !ok {
		s.logger.Debug("cancel for unknown job", slog.String("job_id", req.JobID))
		return
	}
	s.logger.Info("canceling render job", slog.String("job_id", req.JobID), slog.Int("track", j.trackNo))
	j.cancel()
}

func (s *Service) finish(req protocol.RenderRequest, st render.SingerType, rate int, status render.Status, res render.Result, err error, started time.Time) {
	result := protocol.RenderResult{
		JobID:       req.JobID,
		TrackNo:     req.TrackNo,
		Singer:      string(st),
		Status:      status.String(),
		SampleRate:  rate,
		SampleCount: len(res.Samples),
	}
	if status == render.StatusCompleted {
		result.LeadingMs = res.LeadingMs
		result.PositionMs = res.PositionMs
	} else {
		result.LeadingMs = req.Phrase.LeadingMs
		result.PositionMs = req.Phrase.PositionMs
	}
	if err != nil {
		result.Error = err.Error()
	}

	attrs := []any{
		slog.String("job_id", req.JobID),
		slog.Int("track", req.TrackNo),
		slog.String("status", result.Status),
		slog.Int("samples", result.SampleCount),
	}
	switch {
	case errors.Is(err, render.ErrCanceled):
		s.logger.Info("render job canceled", attrs...)
	case err != nil:
		s.logger.Warn("render job failed", append(attrs, logging.Error(err))...)
	default:
		s.logger.Debug("render job completed", attrs...)
	}

	if err := s.publish(result, res.Samples); err != nil {
		s.logger.Warn("failed to publish render result", slog.String("job_id", req.JobID), logging.Error(err))
		result.Status = render.StatusFailed.String()
		result.Error = err.Error()
		result.SampleCount = 0
		result.Final = true
		if err := s.bus.PublishJSON(protocol.SubjectRenderResult, result); err != nil {
			s.logger.Warn("failed to publish render failure", slog.String("job_id", req.JobID), logging.Error(err))
		}
	}

	if s.journal == nil {
		return
	}
	entry := journal.Entry{
		JobID:       req.JobID,
		TrackNo:     req.TrackNo,
		Singer:      string(st),
		PositionMs:  req.Phrase.PositionMs,
		DurationMs:  req.Phrase.DurationMs,
		SampleCount: result.SampleCount,
		Status:      result.Status,
		Error:       result.Error,
		Elapsed:     s.clock().Sub(started),
	}
	// The service context may already be canceled during shutdown.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(s.ctx), 2*time.Second)
	defer cancel()
	if err := s.journal.Append(ctx, entry); err != nil {
		s.logger.Warn("failed to journal render job", logging.Error(err))
	}
}

// publish sends result with samples split into chunks that each fit the
// server's max payload. Chunks go out in order on one connection.
func (s *Service) publish(header protocol.RenderResult, samples []float32) error {
	per, err := s.samplesPerChunk(header)
	if err != nil {
		return err
	}
	for seq, off := 0, 0; ; seq++ {
		end := min(off+per, len(samples))
		chunk := header
		chunk.Sequence = seq
		chunk.SampleOffset = off
		chunk.Final = end == len(samples)
		chunk.PCM = pcm.Float32ToBytes(samples[off:end])
		if err := s.bus.PublishJSON(protocol.SubjectRenderResult, chunk); err != nil {
			return fmt.Errorf("render result chunk %d: %w", seq, err)
		}
		if chunk.Final {
			return nil
		}
		off = end
	}
}

func (s *Service) samplesPerChunk(header protocol.RenderResult) (int, error) {
	head, err := json.Marshal(header)
	if err != nil {
		return 0, fmt.Errorf("marshal render result: %w", err)
	}
	limit := s.bus.MaxPayload()
	avail := int(limit) - len(head) - chunkSlack
	// base64 spends 4 bytes per 3 and each sample is 4 bytes.
	per := avail / 4 * 3 / 4
	if per < 1 {
		return 0, fmt.Errorf("max payload %d too small for render result", limit)
	}
	return per, nil
}
