package renderservice

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/loqalabs/loqa-render/internal/bus"
	"github.com/loqalabs/loqa-render/internal/config"
	"github.com/loqalabs/loqa-render/internal/journal"
	"github.com/loqalabs/loqa-render/internal/natsserver"
	"github.com/loqalabs/loqa-render/internal/pcm"
	"github.com/loqalabs/loqa-render/internal/protocol"
	"github.com/loqalabs/loqa-render/internal/render"
	"github.com/loqalabs/loqa-render/internal/render/sine"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memJournal struct {
	mu      sync.Mutex
	entries []journal.Entry
}

func (m *memJournal) Append(_ context.Context, e journal.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, e)
	return nil
}

func (m *memJournal) snapshot() []journal.Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]journal.Entry(nil), m.entries...)
}

// blockingRenderer holds every render until its context ends.
type blockingRenderer struct {
	*sine.Renderer
	sched *render.Scheduler
}

func (b blockingRenderer) SingerType() render.SingerType { return render.SingerVogen }

func (b blockingRenderer) Render(ctx context.Context, _ render.Phrase, _ render.Progress, _ int, _ bool) *render.Task {
	return b.sched.Go(ctx, "blocking.render", nil, func(ctx context.Context) (render.Result, error) {
		<-ctx.Done()
		return render.Result{}, ctx.Err()
	})
}

type harness struct {
	svc     *Service
	client  *bus.Client
	journal *memJournal
	results *nats.Subscription
}

func newHarness(t *testing.T, mutate func(*config.Config)) *harness {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	cfg := config.Default()
	cfg.Service.QueueGroup = ""
	if mutate != nil {
		mutate(&cfg)
	}

	srv, err := natsserver.Start(config.BusConfig{
		Embedded:   true,
		Host:       "127.0.0.1",
		Port:       -1,
		StoreDir:   t.TempDir(),
		MaxPayload: cfg.Bus.MaxPayload,
	}, log)
	require.NoError(t, err)
	t.Cleanup(srv.Shutdown)

	client, err := bus.Connect(context.Background(), "render-service-test", config.BusConfig{
		Servers:        []string{srv.ClientURL()},
		ConnectTimeout: 2000,
	}, log)
	require.NoError(t, err)
	t.Cleanup(client.Close)

	sched := render.NewScheduler(4, log)
	registry := render.NewRegistry(log)
	t.Cleanup(func() { _ = registry.Close() })
	backend := sine.New(sched, log)
	require.NoError(t, registry.Register(backend))
	require.NoError(t, registry.Register(blockingRenderer{Renderer: backend, sched: sched}))

	mem := &memJournal{}
	svc := New(context.Background(), cfg, client, registry, mem, log)
	require.NoError(t, svc.Start())
	t.Cleanup(svc.Close)

	results, err := client.Conn().SubscribeSync(protocol.SubjectRenderResult)
	require.NoError(t, err)
	require.NoError(t, client.Conn().Flush())

	return &harness{svc: svc, client: client, journal: mem, results: results}
}

// nextResult reassembles the chunks of the next job on render.result.
func (h *harness) nextResult(t *testing.T) protocol.RenderResult {
	t.Helper()
	var out protocol.RenderResult
	for {
		msg, err := h.results.NextMsg(5 * time.Second)
		require.NoError(t, err)
		var chunk protocol.RenderResult
		require.NoError(t, json.Unmarshal(msg.Data, &chunk))
		if chunk.Sequence == 0 {
			out = chunk
		} else {
			require.Equal(t, out.JobID, chunk.JobID)
			require.Equal(t, out.Sequence+1, chunk.Sequence)
			require.Equal(t, len(out.PCM)/4, chunk.SampleOffset)
			out.PCM = append(out.PCM, chunk.PCM...)
			out.Sequence = chunk.Sequence
			out.Final = chunk.Final
		}
		if out.Final {
			return out
		}
	}
}

func TestLayoutReply(t *testing.T) {
	h := newHarness(t, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var reply protocol.LayoutReply
	err := h.client.RequestJSON(ctx, protocol.SubjectLayout, protocol.LayoutRequest{
		Phrase: protocol.PhrasePayload{LeadingMs: 250, PositionMs: 1000, DurationMs: 1500},
	}, &reply)
	require.NoError(t, err)
	assert.Empty(t, reply.Error)
	assert.Equal(t, "enunu", reply.Singer)
	assert.Equal(t, 250.0, reply.LeadingMs)
	assert.Equal(t, 1000.0, reply.PositionMs)
	assert.Equal(t, 1750.0, reply.EstimatedLengthMs)
}

func TestLayoutUnknownSinger(t *testing.T) {
	h := newHarness(t, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var reply protocol.LayoutReply
	err := h.client.RequestJSON(ctx, protocol.SubjectLayout, protocol.LayoutRequest{Singer: "voicevox"}, &reply)
	require.NoError(t, err)
	assert.Contains(t, reply.Error, render.ErrUnknownSinger.Error())
}

func TestRenderPublishesResult(t *testing.T) {
	h := newHarness(t, nil)

	require.NoError(t, h.client.PublishJSON(protocol.SubjectRenderRequest, protocol.RenderRequest{
		JobID:   "job-concert-a",
		TrackNo: 3,
		Phrase: protocol.PhrasePayload{
			LeadingMs:  120,
			PositionMs: 480,
			DurationMs: 1000,
			Phones:     []protocol.PhonePayload{{Phoneme: "a", Tone: 69, DurationMs: 1000}},
		},
	}))

	res := h.nextResult(t)
	assert.Equal(t, "job-concert-a", res.JobID)
	assert.Equal(t, 3, res.TrackNo)
	assert.Equal(t, "completed", res.Status)
	assert.Empty(t, res.Error)
	assert.Equal(t, 44100, res.SampleRate)
	assert.Equal(t, 44100, res.SampleCount)
	assert.Equal(t, 120.0, res.LeadingMs)
	assert.Equal(t, 480.0, res.PositionMs)

	assert.Zero(t, res.Sequence)
	assert.True(t, res.Final)

	samples, err := pcm.BytesToFloat32(res.PCM)
	require.NoError(t, err)
	require.Len(t, samples, 44100)
	assert.Equal(t, float32(0), samples[0])

	require.Eventually(t, func() bool { return len(h.journal.snapshot()) == 1 }, 2*time.Second, 10*time.Millisecond)
	entry := h.journal.snapshot()[0]
	assert.Equal(t, "job-concert-a", entry.JobID)
	assert.Equal(t, "completed", entry.Status)
	assert.Equal(t, 44100, entry.SampleCount)
}

func TestRenderAssignsJobID(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.client.PublishJSON(protocol.SubjectRenderRequest, protocol.RenderRequest{
		Phrase: protocol.PhrasePayload{DurationMs: 10},
	}))
	res := h.nextResult(t)
	assert.NotEmpty(t, res.JobID)
	assert.Equal(t, "completed", res.Status)
	assert.Equal(t, 441, res.SampleCount)
}

func TestRenderUnknownSingerFails(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.client.PublishJSON(protocol.SubjectRenderRequest, protocol.RenderRequest{
		JobID:  "job-missing",
		Singer: "diffsinger",
		Phrase: protocol.PhrasePayload{DurationMs: 100, PositionMs: 60},
	}))
	res := h.nextResult(t)
	assert.Equal(t, "failed", res.Status)
	assert.Contains(t, res.Error, render.ErrUnknownSinger.Error())
	assert.Equal(t, 60.0, res.PositionMs)
	assert.Zero(t, res.SampleCount)
	assert.Empty(t, res.PCM)
}

func TestCancelRenderJob(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.client.PublishJSON(protocol.SubjectRenderRequest, protocol.RenderRequest{
		JobID:  "job-hold",
		Singer: "vogen",
		Phrase: protocol.PhrasePayload{DurationMs: 1000},
	}))
	require.Eventually(t, func() bool { return h.svc.ActiveJobs() == 1 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, h.client.PublishJSON(protocol.SubjectRenderCancel, protocol.CancelRequest{JobID: "job-hold"}))
	res := h.nextResult(t)
	assert.Equal(t, "job-hold", res.JobID)
	assert.Equal(t, "canceled", res.Status)
	assert.Contains(t, res.Error, render.ErrCanceled.Error())
	assert.Empty(t, res.PCM)
	assert.Zero(t, h.svc.ActiveJobs())
}

func TestJobTimeoutCancels(t *testing.T) {
	h := newHarness(t, func(cfg *config.Config) { cfg.Render.JobTimeoutMS = 50 })
	require.NoError(t, h.client.PublishJSON(protocol.SubjectRenderRequest, protocol.RenderRequest{
		JobID:  "job-slow",
		Singer: "vogen",
		Phrase: protocol.PhrasePayload{DurationMs: 1000},
	}))
	res := h.nextResult(t)
	assert.Equal(t, "canceled", res.Status)
	assert.Contains(t, res.Error, context.DeadlineExceeded.Error())
}

func TestCloseCancelsRunningJobs(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.client.PublishJSON(protocol.SubjectRenderRequest, protocol.RenderRequest{
		JobID:  "job-shutdown",
		Singer: "vogen",
		Phrase: protocol.PhrasePayload{DurationMs: 1000},
	}))
	require.Eventually(t, func() bool { return h.svc.ActiveJobs() == 1 }, 2*time.Second, 10*time.Millisecond)

	h.svc.Close()
	res := h.nextResult(t)
	assert.Equal(t, "canceled", res.Status)
	entries := h.journal.snapshot()
	require.Len(t, entries, 1)
	assert.Equal(t, "canceled", entries[0].Status)
}

func TestDisabledServiceDoesNotSubscribe(t *testing.T) {
	h := newHarness(t, nil)
	cfg := config.Default()
	cfg.Service.Enabled = false
	registry := render.NewRegistry(nil)
	defer registry.Close()
	svc := New(context.Background(), cfg, h.client, registry, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, svc.Start())
	assert.True(t, svc.Healthy())
	svc.Close()
}

func TestLongPhraseResultIsChunked(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.client.PublishJSON(protocol.SubjectRenderRequest, protocol.RenderRequest{
		JobID: "job-long",
		Phrase: protocol.PhrasePayload{
			DurationMs: 6000,
			Phones:     []protocol.PhonePayload{{Phoneme: "a", Tone: 69, DurationMs: 6000}},
		},
	}))

	res := h.nextResult(t)
	assert.Equal(t, "completed", res.Status)
	assert.Equal(t, 264600, res.SampleCount)
	assert.GreaterOrEqual(t, res.Sequence, 1)

	samples, err := pcm.BytesToFloat32(res.PCM)
	require.NoError(t, err)
	require.Len(t, samples, 264600)
	for _, i := range []int{1, 100000, 264599} {
		want := 0.5 * math.Sin(2*math.Pi*440*float64(i)/44100)
		assert.InDelta(t, want, float64(samples[i]), 1e-6, "sample %d", i)
	}

	require.Eventually(t, func() bool { return len(h.journal.snapshot()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "completed", h.journal.snapshot()[0].Status)
}

func TestSmallMaxPayloadSplitsResult(t *testing.T) {
	h := newHarness(t, func(cfg *config.Config) { cfg.Bus.MaxPayload = 64 << 10 })
	require.NoError(t, h.client.PublishJSON(protocol.SubjectRenderRequest, protocol.RenderRequest{
		JobID:  "job-split",
		Phrase: protocol.PhrasePayload{DurationMs: 1000},
	}))

	res := h.nextResult(t)
	assert.Equal(t, "completed", res.Status)
	assert.GreaterOrEqual(t, res.Sequence, 3)
	assert.Len(t, res.PCM, 44100*4)
}

func TestUnpublishableResultIsJournaledFailed(t *testing.T) {
	h := newHarness(t, func(cfg *config.Config) { cfg.Bus.MaxPayload = 200 })
	require.NoError(t, h.client.PublishJSON(protocol.SubjectRenderRequest, protocol.RenderRequest{
		JobID:  "j1",
		Phrase: protocol.PhrasePayload{DurationMs: 10},
	}))

	require.Eventually(t, func() bool { return len(h.journal.snapshot()) == 1 }, 2*time.Second, 10*time.Millisecond)
	entry := h.journal.snapshot()[0]
	assert.Equal(t, "j1", entry.JobID)
	assert.Equal(t, "failed", entry.Status)
	assert.Contains(t, entry.Error, "max payload")
	assert.Zero(t, entry.SampleCount)
}

func TestPhraseOverMaxDurationFails(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.client.PublishJSON(protocol.SubjectRenderRequest, protocol.RenderRequest{
		JobID:  "job-huge",
		Phrase: protocol.PhrasePayload{DurationMs: 1e9},
	}))

	res := h.nextResult(t)
	assert.Equal(t, "failed", res.Status)
	assert.Contains(t, res.Error, ErrPhraseTooLong.Error())
	assert.Empty(t, res.PCM)
	assert.Zero(t, h.svc.ActiveJobs())
}

func TestBackendCapsDurationWithoutServiceLimit(t *testing.T) {
	h := newHarness(t, func(cfg *config.Config) { cfg.Render.MaxDurationMS = 0 })
	require.NoError(t, h.client.PublishJSON(protocol.SubjectRenderRequest, protocol.RenderRequest{
		JobID:  "job-huge",
		Phrase: protocol.PhrasePayload{DurationMs: 1e9},
	}))

	res := h.nextResult(t)
	assert.Equal(t, "failed", res.Status)
	assert.Contains(t, res.Error, sine.ErrInvalidSignal.Error())
}

func TestNothingPublishedAfterClose(t *testing.T) {
	h := newHarness(t, nil)
	const burst = 300
	for i := 0; i < burst; i++ {
		require.NoError(t, h.client.PublishJSON(protocol.SubjectRenderRequest, protocol.RenderRequest{
			Phrase: protocol.PhrasePayload{DurationMs: 50},
		}))
	}
	require.NoError(t, h.client.Conn().Flush())

	h.svc.Close()
	assert.Zero(t, h.svc.ActiveJobs())

	// The service shares the test connection, so the marker queues behind
	// everything published before Close returned.
	require.NoError(t, h.client.PublishJSON(protocol.SubjectRenderResult, protocol.RenderResult{JobID: "marker", Final: true}))
	finals := 0
	for {
		msg, err := h.results.NextMsg(5 * time.Second)
		require.NoError(t, err)
		var res protocol.RenderResult
		require.NoError(t, json.Unmarshal(msg.Data, &res))
		if res.JobID == "marker" {
			break
		}
		if res.Final {
			finals++
			assert.Contains(t, []string{"completed", "canceled"}, res.Status)
		}
	}
	assert.Len(t, h.journal.snapshot(), finals)

	_, err := h.results.NextMsg(200 * time.Millisecond)
	assert.True(t, errors.Is(err, nats.ErrTimeout), "unexpected message after close: %v", err)
}
