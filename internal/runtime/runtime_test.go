package runtime

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/loqalabs/loqa-render/internal/bus"
	"github.com/loqalabs/loqa-render/internal/config"
	"github.com/loqalabs/loqa-render/internal/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(t *testing.T) config.Config {
	cfg := config.Default()
	cfg.HTTP.Bind = "127.0.0.1"
	cfg.HTTP.Port = 0
	cfg.Bus.Port = -1
	cfg.Bus.StoreDir = filepath.Join(t.TempDir(), "nats")
	cfg.Journal.Path = filepath.Join(t.TempDir(), "journal.db")
	return cfg
}

func getJSON(t *testing.T, url string, v any) int {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	if v != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
	}
	return resp.StatusCode
}

func TestRuntimeServesAndShutsDown(t *testing.T) {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	rt := New(testConfig(t), log)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- rt.Start(ctx) }()

	addrCtx, addrCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer addrCancel()
	addr, err := rt.Addr(addrCtx)
	require.NoError(t, err)
	base := "http://" + addr

	assert.Equal(t, http.StatusOK, getJSON(t, base+"/healthz", nil))
	assert.Equal(t, http.StatusOK, getJSON(t, base+"/readyz", nil))

	var renderers struct {
		DefaultSinger string `json:"default_singer"`
		Renderers     []struct {
			SingerType          string `json:"singer_type"`
			SupportsRenderPitch bool   `json:"supports_render_pitch"`
		} `json:"renderers"`
	}
	require.Equal(t, http.StatusOK, getJSON(t, base+"/v1/renderers", &renderers))
	assert.Equal(t, "enunu", renderers.DefaultSinger)
	require.Len(t, renderers.Renderers, 1)
	assert.Equal(t, "enunu", renderers.Renderers[0].SingerType)
	assert.False(t, renderers.Renderers[0].SupportsRenderPitch)

	client, err := bus.Connect(context.Background(), "runtime-test", config.BusConfig{
		Servers:        []string{rt.nats.ClientURL()},
		ConnectTimeout: 2000,
	}, log)
	require.NoError(t, err)
	results, err := client.Conn().SubscribeSync(protocol.SubjectRenderResult)
	require.NoError(t, err)
	require.NoError(t, client.Conn().Flush())
	require.NoError(t, client.PublishJSON(protocol.SubjectRenderRequest, protocol.RenderRequest{
		JobID:   "job-runtime",
		TrackNo: 4,
		Phrase:  protocol.PhrasePayload{DurationMs: 100},
	}))
	msg, err := results.NextMsg(5 * time.Second)
	require.NoError(t, err)
	var res protocol.RenderResult
	require.NoError(t, json.Unmarshal(msg.Data, &res))
	assert.Equal(t, "completed", res.Status)
	assert.Equal(t, 4410, res.SampleCount)
	client.Close()

	var jobs struct {
		Jobs []struct {
			JobID  string `json:"job_id"`
			Status string `json:"status"`
		} `json:"jobs"`
	}
	require.Eventually(t, func() bool {
		resp, err := http.Get(base + "/v1/jobs?track=4")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		return json.NewDecoder(resp.Body).Decode(&jobs) == nil && len(jobs.Jobs) == 1
	}, 2*time.Second, 20*time.Millisecond)
	assert.Equal(t, "job-runtime", jobs.Jobs[0].JobID)
	assert.Equal(t, "completed", jobs.Jobs[0].Status)
	assert.Equal(t, http.StatusBadRequest, getJSON(t, base+"/v1/jobs?track=x", nil))

	resp, err := http.Get(base + "/metrics")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "go_goroutines")

	cancel()
	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(15 * time.Second):
		t.Fatal("runtime did not shut down")
	}
}

func TestRuntimeRejectsUnservedDefaultSinger(t *testing.T) {
	cfg := testConfig(t)
	cfg.Render.DefaultSinger = "voicevox"
	rt := New(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := rt.Start(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "render.default_singer")
}
