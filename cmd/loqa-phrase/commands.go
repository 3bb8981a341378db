package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/loqalabs/loqa-render/internal/bus"
	"github.com/loqalabs/loqa-render/internal/config"
	"github.com/loqalabs/loqa-render/internal/logging"
	"github.com/loqalabs/loqa-render/internal/pcm"
	"github.com/loqalabs/loqa-render/internal/phrasefile"
	"github.com/loqalabs/loqa-render/internal/protocol"
	"github.com/loqalabs/loqa-render/internal/render"
	"github.com/loqalabs/loqa-render/internal/render/sine"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var (
	outDir      string
	concurrency int

	validateCmd = &cobra.Command{
		Use:   "validate FILE",
		Short: "Check a phrase document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			doc, err := loadDocument(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "phrase document valid: track %d, %d phrases\n", doc.Track, len(doc.Phrases))
			return nil
		},
	}

	layoutCmd = &cobra.Command{
		Use:   "layout FILE",
		Short: "Print where each phrase will sit on the timeline",
		Args:  cobra.ExactArgs(1),
		RunE:  runLayout,
	}

	renderCmd = &cobra.Command{
		Use:   "render FILE",
		Short: "Render every phrase to a 16-bit mono WAV file",
		Args:  cobra.ExactArgs(1),
		RunE:  runRender,
	}

	singersCmd = &cobra.Command{
		Use:   "singers",
		Short: "List singer types and whether a local backend serves them",
		Args:  cobra.NoArgs,
		RunE:  runSingers,
	}

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	}
)

func init() {
	layoutCmd.Flags().StringVar(&natsURL, "nats", "", "ask a running render daemon at this NATS URL instead of the local backend")
	renderCmd.Flags().StringVarP(&outDir, "out", "o", ".", "directory for rendered WAV files")
	renderCmd.Flags().IntVarP(&concurrency, "concurrency", "j", 4, "phrases rendered at once")
}

// backend holds the in-process render stack used by offline commands.
type backend struct {
	log      *slog.Logger
	sched    *render.Scheduler
	registry *render.Registry
}

func newBackend(stderr io.Writer, maxConcurrent int) (*backend, error) {
	log, _, err := logging.NewWriter(config.TelemetryConfig{LogLevel: logLevel, LogFormat: "text"}, stderr)
	if err != nil {
		return nil, err
	}
	sched := render.NewScheduler(maxConcurrent, log)
	registry := render.NewRegistry(log)
	if err := registry.Register(sine.New(sched, log)); err != nil {
		_ = registry.Close()
		return nil, err
	}
	return &backend{log: log, sched: sched, registry: registry}, nil
}

// Close waits for scheduled renders and releases the registry's metrics.
func (b *backend) Close() {
	b.sched.Wait()
	if err := b.registry.Close(); err != nil {
		b.log.Warn("registry close failed", logging.Error(err))
	}
}

func loadDocument(path string) (phrasefile.Document, error) {
	doc, err := phrasefile.Load(path)
	if err != nil {
		return doc, err
	}
	if err := phrasefile.Validate(doc); err != nil {
		return doc, fmt.Errorf("%s: %w", path, err)
	}
	return doc, nil
}

func runLayout(cmd *cobra.Command, args []string) error {
	doc, err := loadDocument(args[0])
	if err != nil {
		return err
	}
	be, err := newBackend(cmd.ErrOrStderr(), 1)
	if err != nil {
		return err
	}
	defer be.Close()
	st, err := doc.SingerType(render.SingerEnunu)
	if err != nil {
		return err
	}

	layout := func(p render.Phrase) (render.Result, error) {
		r, err := be.registry.Lookup(st)
		if err != nil {
			return render.Result{}, err
		}
		return r.Layout(p), nil
	}
	if natsURL != "" {
		client, err := bus.Connect(cmd.Context(), "loqa-phrase", config.BusConfig{
			Servers:        []string{natsURL},
			ConnectTimeout: 2000,
		}, be.log)
		if err != nil {
			return err
		}
		defer client.Close()
		layout = func(p render.Phrase) (render.Result, error) {
			ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
			defer cancel()
			var reply protocol.LayoutReply
			req := protocol.LayoutRequest{Singer: string(st), Phrase: protocol.NewPhrasePayload(p)}
			if err := client.RequestJSON(ctx, protocol.SubjectLayout, req, &reply); err != nil {
				return render.Result{}, err
			}
			if reply.Error != "" {
				return render.Result{}, errors.New(reply.Error)
			}
			return render.Result{
				LeadingMs:         reply.LeadingMs,
				PositionMs:        reply.PositionMs,
				EstimatedLengthMs: reply.EstimatedLengthMs,
			}, nil
		}
	}

	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "PHRASE\tPOSITION_MS\tLEADING_MS\tESTIMATED_MS")
	for i, p := range doc.Phrases {
		res, err := layout(p.Render())
		if err != nil {
			return fmt.Errorf("%s: %w", p.Label(i), err)
		}
		fmt.Fprintf(tw, "%s\t%.1f\t%.1f\t%.1f\n", p.Label(i), res.PositionMs, res.LeadingMs, res.EstimatedLengthMs)
	}
	return tw.Flush()
}

func runRender(cmd *cobra.Command, args []string) error {
	doc, err := loadDocument(args[0])
	if err != nil {
		return err
	}
	if concurrency < 1 {
		return fmt.Errorf("--concurrency must be >= 1")
	}
	be, err := newBackend(cmd.ErrOrStderr(), concurrency)
	if err != nil {
		return err
	}
	defer be.Close()
	st, err := doc.SingerType(render.SingerEnunu)
	if err != nil {
		return err
	}
	r, err := be.registry.Lookup(st)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}

	type written struct {
		path    string
		samples int
		bytes   int64
	}
	out := make([]written, len(doc.Phrases))

	g, ctx := errgroup.WithContext(cmd.Context())
	for i, p := range doc.Phrases {
		g.Go(func() error {
			task := r.Render(ctx, p.Render(), render.NopProgress{}, doc.Track, false)
			res, err := task.Wait(ctx)
			if err != nil {
				return fmt.Errorf("%s: %w", p.Label(i), err)
			}
			path := filepath.Join(outDir, p.Label(i)+".wav")
			size, err := writeWAV(path, res.Samples)
			if err != nil {
				return fmt.Errorf("%s: %w", p.Label(i), err)
			}
			out[i] = written{path: path, samples: len(res.Samples), bytes: size}
			return nil
		})
	}
	err = g.Wait()
	be.sched.Wait()
	if err != nil {
		return err
	}

	var total int64
	for _, w := range out {
		total += w.bytes
		fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s samples\t%s\n", w.path, humanize.Comma(int64(w.samples)), humanize.Bytes(uint64(w.bytes)))
	}
	fmt.Fprintf(cmd.OutOrStdout(), "rendered %d phrases, %s total\n", len(out), humanize.Bytes(uint64(total)))
	return nil
}

func writeWAV(path string, samples []float32) (int64, error) {
	f, err := os.Create(path)
	if err != nil {
		return 0, err
	}
	if err := pcm.WriteWAV(f, samples, sine.SampleRate); err != nil {
		f.Close()
		return 0, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return 0, err
	}
	return info.Size(), f.Close()
}

func runSingers(cmd *cobra.Command, _ []string) error {
	be, err := newBackend(cmd.ErrOrStderr(), 1)
	if err != nil {
		return err
	}
	defer be.Close()
	served := make(map[render.SingerType]render.Descriptor)
	for _, d := range be.registry.Query(nil) {
		served[d.SingerType] = d
	}

	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SINGER\tSERVED\tRENDER_PITCH")
	for _, st := range render.SingerTypes() {
		d, ok := served[st]
		fmt.Fprintf(tw, "%s\t%t\t%t\n", st, ok, d.SupportsRenderPitch)
	}
	return tw.Flush()
}
