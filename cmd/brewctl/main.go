package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"brewctl/internal/api"
	"brewctl/internal/config"
	"brewctl/internal/dashboard"
	"brewctl/internal/feed"
	"brewctl/internal/model"
	"brewctl/internal/recorder"
	"brewctl/internal/sim"
	"brewctl/internal/stats"
)

const usage = `brewctl - live dashboard and control for a brewing controller

Usage:
  brewctl watch [--config <path>] [--controller <addr>] [--transport sse|ws] [--no-color]
  brewctl heater on|off [--config <path>] [--controller <addr>]
  brewctl set <degrees> [--config <path>] [--controller <addr>]
  brewctl status [--config <path>] [--controller <addr>] [--timeout 10s]
  brewctl stats [--config <path>] [--controller <addr>] [--window 1m]
  brewctl record [--config <path>] [--controller <addr>] [--csv <file>] [--heartbeat 60s]
  brewctl simulate [--config <path>] [--listen <addr>] [--interval <ms>]
  brewctl init --config <path> [--controller <addr>]

Interactive watch commands: on, off, set <n>, q.
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	cmd := os.Args[1]
	switch cmd {
	case "-h", "--help", "help":
		fmt.Print(usage)
	case "watch":
		handleWatch(os.Args[2:])
	case "heater":
		handleHeater(os.Args[2:])
	case "set":
		handleSet(os.Args[2:])
	case "status":
		handleStatus(os.Args[2:])
	case "stats":
		handleStats(os.Args[2:])
	case "record":
		handleRecord(os.Args[2:])
	case "simulate":
		handleSimulate(os.Args[2:])
	case "init":
		handleInit(os.Args[2:])
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", cmd)
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
}

func handleWatch(args []string) {
	fs := flag.NewFlagSet("watch", flag.ExitOnError)
	configPath := fs.String("config", "", "path to YAML config")
	controllerAddr := fs.String("controller", "", "controller host:port or URL")
	transport := fs.String("transport", "", "feed transport: sse|ws")
	noColor := fs.Bool("no-color", false, "disable ANSI colors")
	_ = fs.Parse(args)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fatal(err)
	}
	override(&cfg, *controllerAddr, *transport)
	config.ApplyDefaults(&cfg)
	if err := config.Validate(cfg); err != nil {
		fatal(err)
	}

	stream, err := buildStream(cfg)
	if err != nil {
		fatal(err)
	}
	defer stream.Close()

	var smu sync.Mutex
	var observed []model.Sample
	stream.Subscribe(func(s model.Sample) {
		smu.Lock()
		observed = append(observed, s)
		smu.Unlock()
	})

	client := api.NewClient(cfg.ControllerURL())
	p, err := dashboard.New(stream, client, os.Stdout, dashboard.Options{
		Points: cfg.Dashboard.Points,
		Color:  *cfg.Dashboard.Color && !*noColor,
	})
	if err != nil {
		fatal(err)
	}

	ctx, cancel := signalContext()
	defer cancel()
	if err := p.Run(ctx, os.Stdin); err != nil {
		fatal(err)
	}

	smu.Lock()
	summary := stats.Summarize(observed, time.Time{})
	smu.Unlock()
	if summary.Count > 0 {
		printSummary(summary, stream.Stats())
	}
}

func handleHeater(args []string) {
	if len(args) == 0 {
		fmt.Fprint(os.Stderr, "heater state required: on|off\n")
		os.Exit(2)
	}
	state := model.HeaterState(strings.ToLower(args[0]))
	if !state.Valid() {
		fmt.Fprintf(os.Stderr, "unknown heater state %q\n", args[0])
		os.Exit(2)
	}

	fs := flag.NewFlagSet("heater", flag.ExitOnError)
	configPath := fs.String("config", "", "path to YAML config")
	controllerAddr := fs.String("controller", "", "controller host:port or URL")
	_ = fs.Parse(args[1:])

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fatal(err)
	}
	override(&cfg, *controllerAddr, "")
	config.ApplyDefaults(&cfg)
	if err := config.Validate(cfg); err != nil {
		fatal(err)
	}

	ctx, cancel := signalContext()
	defer cancel()
	client := api.NewClient(cfg.ControllerURL())
	if err := client.SetHeater(ctx, state); err != nil {
		fatal(err)
	}
	fmt.Fprintf(os.Stdout, "heater %s\n", state)
}

func handleSet(args []string) {
	if len(args) == 0 {
		fmt.Fprint(os.Stderr, "target temperature required\n")
		os.Exit(2)
	}
	degrees, err := strconv.Atoi(args[0])
	if err != nil {
		fmt.Fprintf(os.Stderr, "target %q is not a whole number\n", args[0])
		os.Exit(2)
	}
	if degrees < 0 {
		fmt.Fprintf(os.Stderr, "target %d is negative\n", degrees)
		os.Exit(2)
	}

	fs := flag.NewFlagSet("set", flag.ExitOnError)
	configPath := fs.String("config", "", "path to YAML config")
	controllerAddr := fs.String("controller", "", "controller host:port or URL")
	_ = fs.Parse(args[1:])

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fatal(err)
	}
	override(&cfg, *controllerAddr, "")
	config.ApplyDefaults(&cfg)
	if err := config.Validate(cfg); err != nil {
		fatal(err)
	}

	ctx, cancel := signalContext()
	defer cancel()
	client := api.NewClient(cfg.ControllerURL())
	if err := client.SetTargetTemperature(ctx, degrees); err != nil {
		fatal(err)
	}
	fmt.Fprintf(os.Stdout, "target %d\n", degrees)
}

func handleStatus(args []string) {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	configPath := fs.String("config", "", "path to YAML config")
	controllerAddr := fs.String("controller", "", "controller host:port or URL")
	timeout := fs.Duration("timeout", 10*time.Second, "how long to wait for a sample")
	_ = fs.Parse(args)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fatal(err)
	}
	override(&cfg, *controllerAddr, "")
	config.ApplyDefaults(&cfg)
	if err := config.Validate(cfg); err != nil {
		fatal(err)
	}

	stream, err := buildStream(cfg)
	if err != nil {
		fatal(err)
	}
	defer stream.Close()

	samples := make(chan model.Sample, 1)
	stream.Subscribe(func(s model.Sample) {
		select {
		case samples <- s:
		default:
		}
	})
	stream.EnsureConnected()

	ctx, cancel := signalContext()
	defer cancel()
	select {
	case s := <-samples:
		fmt.Fprintf(os.Stdout, "controller: %s\n", cfg.ControllerURL())
		fmt.Fprintf(os.Stdout, "stream: %s (%s)\n", stream.State(), cfg.Feed.Transport)
		fmt.Fprintf(os.Stdout, "time: %s\n", time.UnixMilli(s.Time).UTC().Format(time.RFC3339))
		fmt.Fprintf(os.Stdout, "heater: %s\n", heaterWord(s.Heater))
		fmt.Fprintf(os.Stdout, "temperature: %s\n", fieldText(s.Temperature))
		fmt.Fprintf(os.Stdout, "mash-temperature: %s\n", fieldText(s.MashTemperature))
		fmt.Fprintf(os.Stdout, "controller-mode: %s\n", fieldText(s.Controller))
	case <-time.After(*timeout):
		fatal(fmt.Errorf("no sample from %s within %s (stream %s)", cfg.ControllerURL(), *timeout, stream.State()))
	case <-ctx.Done():
	}
}

func handleStats(args []string) {
	fs := flag.NewFlagSet("stats", flag.ExitOnError)
	configPath := fs.String("config", "", "path to YAML config")
	controllerAddr := fs.String("controller", "", "controller host:port or URL")
	window := fs.Duration("window", time.Minute, "how long to collect samples")
	_ = fs.Parse(args)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fatal(err)
	}
	override(&cfg, *controllerAddr, "")
	config.ApplyDefaults(&cfg)
	if err := config.Validate(cfg); err != nil {
		fatal(err)
	}

	stream, err := buildStream(cfg)
	if err != nil {
		fatal(err)
	}

	var mu sync.Mutex
	var items []model.Sample
	stream.Subscribe(func(s model.Sample) {
		mu.Lock()
		items = append(items, s)
		mu.Unlock()
	})
	stream.EnsureConnected()

	ctx, cancel := signalContext()
	defer cancel()
	select {
	case <-time.After(*window):
	case <-ctx.Done():
	}
	streamStats := stream.Stats()
	stream.Close()

	mu.Lock()
	summary := stats.Summarize(items, time.Time{})
	mu.Unlock()
	if summary.Count == 0 {
		fmt.Fprintln(os.Stdout, "no samples in window")
		return
	}
	printSummary(summary, streamStats)
}

func printSummary(s stats.Summary, fs feed.Stats) {
	fmt.Fprintf(os.Stdout, "samples=%d from=%s to=%s\n",
		s.Count, s.From.Format(time.RFC3339), s.To.Format(time.RFC3339))
	fmt.Fprintf(os.Stdout, "temperature avg=%.2f p95=%.2f min=%.2f max=%.2f\n",
		s.AvgTemp, s.P95Temp, s.MinTemp, s.MaxTemp)
	fmt.Fprintf(os.Stdout, "mash avg=%.2f min=%.2f max=%.2f heater duty=%.1f%%\n",
		s.AvgMashTemp, s.MinMashTemp, s.MaxMashTemp, s.HeaterDutyPct)
	fmt.Fprintf(os.Stdout, "feed delivered=%d dropped=%d reconnects=%d\n",
		fs.Delivered, fs.Dropped, fs.Reconnects)
}

func handleRecord(args []string) {
	fs := flag.NewFlagSet("record", flag.ExitOnError)
	configPath := fs.String("config", "", "path to YAML config")
	controllerAddr := fs.String("controller", "", "controller host:port or URL")
	csvPath := fs.String("csv", "", "write CSV rows to this file instead of text to stdout")
	heartbeat := fs.Duration("heartbeat", 0, "heartbeat interval override")
	_ = fs.Parse(args)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fatal(err)
	}
	override(&cfg, *controllerAddr, "")
	config.ApplyDefaults(&cfg)
	if err := config.Validate(cfg); err != nil {
		fatal(err)
	}

	hb := time.Duration(cfg.Record.HeartbeatSec) * time.Second
	if *heartbeat > 0 {
		hb = *heartbeat
	}

	var rec *recorder.Recorder
	if *csvPath != "" {
		f, err := os.Create(*csvPath)
		if err != nil {
			fatal(err)
		}
		defer f.Close()
		rec = recorder.NewCSV(f, hb)
	} else {
		rec = recorder.New(os.Stdout, hb)
	}

	stream, err := buildStream(cfg)
	if err != nil {
		fatal(err)
	}
	stream.Subscribe(rec.Observe)
	stream.EnsureConnected()

	ctx, cancel := signalContext()
	defer cancel()
	<-ctx.Done()
	stream.Close()
	log.Printf("recorded %d lines", rec.Count())
}

func handleSimulate(args []string) {
	fs := flag.NewFlagSet("simulate", flag.ExitOnError)
	configPath := fs.String("config", "", "path to YAML config")
	listen := fs.String("listen", "", "listen address override")
	interval := fs.Int("interval", 0, "sample interval in milliseconds")
	_ = fs.Parse(args)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fatal(err)
	}
	config.ApplyDefaults(&cfg)
	if *listen != "" {
		cfg.Sim.Listen = *listen
	}
	if *interval > 0 {
		cfg.Sim.IntervalMS = *interval
	}
	if err := config.Validate(cfg); err != nil {
		fatal(err)
	}

	ctx, cancel := signalContext()
	defer cancel()
	srv := sim.NewServer(*cfg.Sim)
	fatal(srv.Run(ctx))
}

func handleInit(args []string) {
	fs := flag.NewFlagSet("init", flag.ExitOnError)
	configPath := fs.String("config", "", "path to YAML config")
	controllerAddr := fs.String("controller", "", "controller host:port or URL")
	_ = fs.Parse(args)

	if *configPath == "" {
		fatal(errors.New("--config is required"))
	}
	var cfg config.Config
	if *controllerAddr != "" {
		cfg.Controller = *controllerAddr
	}
	config.ApplyDefaults(&cfg)
	if err := config.Save(*configPath, cfg); err != nil {
		fatal(err)
	}
	fmt.Fprintf(os.Stdout, "wrote %s\n", *configPath)
}

func loadConfig(path string) (config.Config, error) {
	if path == "" {
		return config.Config{}, nil
	}
	return config.Load(path)
}

func override(cfg *config.Config, controllerAddr, transport string) {
	if controllerAddr != "" {
		cfg.Controller = controllerAddr
	}
	if transport != "" {
		if cfg.Feed == nil {
			cfg.Feed = &config.FeedConfig{}
		}
		cfg.Feed.Transport = transport
	}
}

func buildStream(cfg config.Config) (*feed.Stream, error) {
	fc := cfg.Feed
	return feed.New(cfg.ControllerURL(), feed.Options{
		Transport:   fc.Transport,
		Reconnect:   fc.Reconnect != nil && *fc.Reconnect,
		MinBackoff:  time.Duration(fc.MinBackoffSec) * time.Second,
		MaxBackoff:  time.Duration(fc.MaxBackoffSec) * time.Second,
		ParsePolicy: feed.ParsePolicy(fc.ParseErrors),
	})
}

func heaterWord(h int) string {
	if h != 0 {
		return "on"
	}
	return "off"
}

func fieldText(v model.Value) string {
	if f, ok := v.Float(); ok {
		return strconv.FormatFloat(f, 'f', 2, 64)
	}
	if s := v.String(); s != "" {
		return s
	}
	return "-"
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-signals
		cancel()
	}()
	return ctx, cancel
}

func fatal(err error) {
	if err == nil {
		return
	}
	fmt.Fprintln(os.Stderr, err)
	os.Exit(1)
}
