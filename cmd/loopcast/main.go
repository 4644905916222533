// Command loopcast loops raw HEVC Annex B files and serves them to MoQ
// subscribers over QUIC and to SRT receivers.
//
//	loopcast [flags] [key=]file.h265 ...
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/dustin/go-humanize"
	flag "github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/zsiec/loopcast/internal/certs"
	"github.com/zsiec/loopcast/internal/config"
	"github.com/zsiec/loopcast/internal/distribution"
	srtegress "github.com/zsiec/loopcast/internal/egress/srt"
	"github.com/zsiec/loopcast/internal/ingest"
	"github.com/zsiec/loopcast/internal/pipeline"
	"github.com/zsiec/loopcast/internal/stream"
)

var version = "dev"

func main() {
	cfg, err := loadConfig(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, "loopcast:", err)
		os.Exit(2)
	}
	if cfg == nil {
		return
	}

	level := slog.LevelInfo
	if cfg.Debug {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	if err := run(cfg); err != nil {
		slog.Error("loopcast failed", "error", err)
		os.Exit(1)
	}
}

// loadConfig layers defaults, the config file, the environment and flags.
// It returns a nil Config when only the version was requested.
func loadConfig(args []string) (*config.Config, error) {
	fs := flag.NewFlagSet("loopcast", flag.ContinueOnError)
	configPath := fs.StringP("config", "c", "", "YAML stream configuration file")
	moqAddr := fs.String("moq-addr", config.DefaultMoQAddr, "MoQ QUIC listen address")
	apiAddr := fs.String("api-addr", config.DefaultAPIAddr, "HTTPS/HTTP3 API listen address (empty disables)")
	srtAddr := fs.String("srt-addr", config.DefaultSRTAddr, "SRT listen address (empty disables)")
	webDir := fs.String("web-dir", "", "static files served under / by the API server")
	interval := fs.DurationP("interval", "i", config.DefaultInterval, "default delay between access units")
	debug := fs.Bool("debug", false, "enable debug logging")
	showVersion := fs.BoolP("version", "v", false, "print version and exit")
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: loopcast [flags] [key=]file.h265 ...\n\n")
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if *showVersion {
		fmt.Println("loopcast", version)
		return nil, nil
	}

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	if err := cfg.ApplyEnv(os.Getenv); err != nil {
		return nil, err
	}

	if fs.Changed("moq-addr") {
		cfg.MoQAddr = *moqAddr
	}
	if fs.Changed("api-addr") {
		cfg.APIAddr = *apiAddr
	}
	if fs.Changed("srt-addr") {
		cfg.SRTAddr = *srtAddr
	}
	if fs.Changed("web-dir") {
		cfg.WebDir = *webDir
	}
	if fs.Changed("interval") {
		cfg.Interval = *interval
	}
	if *debug {
		cfg.Debug = true
	}

	for _, arg := range fs.Args() {
		if err := cfg.AddStreamArg(arg); err != nil {
			return nil, err
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func run(cfg *config.Config) error {
	sources := make([]*ingest.Source, 0, len(cfg.Streams))
	for _, sc := range cfg.Streams {
		src, err := ingest.Load(sc.Key, sc.Path)
		if err != nil {
			return err
		}
		st := src.Stats()
		slog.Info("source loaded",
			"stream_key", src.Key,
			"path", st.Path,
			"size", humanize.Bytes(uint64(st.Bytes)),
			"access_units", st.AccessUnits,
			"codec", st.Codec,
			"width", st.Width,
			"height", st.Height)
		if !st.KeyStart {
			slog.Warn("first access unit is not a key picture, viewers will see a broken loop start",
				"stream_key", src.Key)
		}
		sources = append(sources, src)
	}

	cert, err := certs.Generate(cfg.CertValidity)
	if err != nil {
		return fmt.Errorf("generate certificate: %w", err)
	}
	slog.Info("certificate generated",
		"fingerprint", cert.FingerprintBase64(),
		"expires", humanize.Time(cert.NotAfter))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	g, ctx := errgroup.WithContext(ctx)

	a := &app{
		cfg:     cfg,
		mgr:     stream.NewManager(ctx, nil),
		streams: make(map[string]config.StreamConfig, len(cfg.Streams)),
	}
	for _, sc := range cfg.Streams {
		a.streams[sc.Key] = sc
	}
	a.srtCaller = srtegress.NewCaller(a.lookupRelay, nil)
	a.registry = ingest.NewRegistry(func(src *ingest.Source) {
		a.handleNewSource(src)
	})

	a.distSrv, err = distribution.NewServer(distribution.ServerConfig{
		MoQAddr: cfg.MoQAddr,
		APIAddr: cfg.APIAddr,
		WebDir:  cfg.WebDir,
		Cert:    cert,
		Streams: a.listStreams,
		SRTPush: func(address, streamKey, streamID string) error {
			return a.push(srtegress.PushRequest{Address: address, StreamKey: streamKey, StreamID: streamID})
		},
		SRTStop: a.srtCaller.Stop,
		SRTList: a.listSRTPushes,
	})
	if err != nil {
		return fmt.Errorf("create distribution server: %w", err)
	}
	if err := a.distSrv.Listen(); err != nil {
		return err
	}

	slog.Info("loopcast starting",
		"version", version,
		"moq", a.distSrv.MoQAddr().String(),
		"api", cfg.APIAddr,
		"srt", cfg.SRTAddr,
		"streams", len(sources),
		"cert_hash", cert.FingerprintBase64())

	g.Go(func() error {
		return a.distSrv.Start(ctx)
	})

	if cfg.SRTAddr != "" {
		srtSrv := srtegress.NewServer(cfg.SRTAddr, a.lookupRelay, nil)
		g.Go(func() error {
			return srtSrv.Start(ctx)
		})
	}

	for _, src := range sources {
		a.wg.Add(1)
		if !a.registry.Add(src) {
			a.wg.Done()
		}
	}

	err = g.Wait()
	cancel()
	a.wg.Wait()
	a.srtCaller.Wait()
	slog.Info("loopcast stopped")
	return err
}

type app struct {
	cfg       *config.Config
	mgr       *stream.Manager
	registry  *ingest.Registry
	distSrv   *distribution.Server
	srtCaller *srtegress.Caller
	streams   map[string]config.StreamConfig

	wg sync.WaitGroup
}

// handleNewSource plays one source until its stream is removed, the
// process shuts down, or its loop budget is spent.
func (a *app) handleNewSource(src *ingest.Source) {
	defer a.wg.Done()

	st, created := a.mgr.Create(src.Key)
	if !created {
		slog.Warn("rejecting duplicate source", "stream_key", src.Key)
		return
	}
	defer a.teardownStream(src.Key)

	sc := a.streams[src.Key]
	relay := a.distSrv.RegisterStream(src.Key)
	p := pipeline.New(src, relay, pipeline.Options{
		Interval: sc.Interval,
		WarmUp:   sc.WarmUp,
		MaxLoops: sc.MaxLoops,
	})
	a.distSrv.SetPipeline(src.Key, p)

	for _, addr := range sc.Push {
		req := srtegress.PushRequest{Address: addr, StreamKey: src.Key}
		if err := a.srtCaller.Push(st.Context(), req); err != nil {
			slog.Warn("SRT push failed", "stream_key", src.Key, "address", addr, "error", err)
		}
	}

	if err := p.Run(st.Context()); err != nil {
		slog.Error("pipeline error", "stream_key", src.Key, "error", err)
	}
	slog.Info("stream ended", "stream_key", src.Key, "description", p.Description())
}

// teardownStream removes a stream from every component in one call.
func (a *app) teardownStream(key string) {
	a.distSrv.UnregisterStream(key)
	a.mgr.Remove(key)
	a.registry.Remove(key)
}

// push starts an API-requested SRT push bound to the stream's lifetime.
func (a *app) push(req srtegress.PushRequest) error {
	st, ok := a.mgr.Get(req.StreamKey)
	if !ok {
		return fmt.Errorf("unknown stream key %q", req.StreamKey)
	}
	return a.srtCaller.Push(st.Context(), req)
}

func (a *app) lookupRelay(key string) (srtegress.Hub, bool) {
	relay := a.distSrv.GetRelay(key)
	if relay == nil {
		return nil, false
	}
	return relay, true
}

func (a *app) listSRTPushes() []distribution.SRTPushInfo {
	pushes := a.srtCaller.ActivePushes()
	out := make([]distribution.SRTPushInfo, len(pushes))
	for i, p := range pushes {
		out[i] = distribution.SRTPushInfo{
			Address:   p.Address,
			StreamKey: p.StreamKey,
			StreamID:  p.StreamID,
		}
	}
	return out
}

func (a *app) listStreams() []distribution.StreamInfo {
	streams := a.mgr.List()
	infos := make([]distribution.StreamInfo, 0, len(streams))
	for _, s := range streams {
		if p, ok := a.distSrv.GetPipeline(s.Key).(*pipeline.Pipeline); ok {
			infos = append(infos, p.Info())
			continue
		}
		info := distribution.StreamInfo{Key: s.Key}
		if relay := a.distSrv.GetRelay(s.Key); relay != nil {
			info.Viewers = relay.ViewerCount()
		}
		infos = append(infos, info)
	}
	return infos
}
