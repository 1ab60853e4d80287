package dashboard

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"

	"brewctl/internal/chart"
	"brewctl/internal/feed"
	"brewctl/internal/model"
)

// Shown in the heater field while a command is in flight, until the
// next sample or a command failure settles it.
const pendingField = "..."

// Commander issues controller commands. *api.Client implements it.
type Commander interface {
	SetHeater(ctx context.Context, state model.HeaterState) error
	SetTargetTemperature(ctx context.Context, degrees int) error
}

// SampleFeed is the stream surface the presenter binds to.
// *feed.Stream implements it.
type SampleFeed interface {
	Subscribe(fn func(model.Sample)) int
	Unsubscribe(id int)
	SubscribeState(fn func(feed.State)) int
	UnsubscribeState(id int)
	EnsureConnected()
	Stats() feed.Stats
}

// Options tune the rendered dashboard.
type Options struct {
	Points int  // per-series chart retention
	Width  int  // chart cells per row
	Color  bool // ANSI colors and screen clearing
}

func (o *Options) applyDefaults() {
	if o.Points <= 0 {
		o.Points = 60
	}
	if o.Width <= 0 {
		o.Width = 60
	}
}

// Presenter binds the sample feed, the control client and the chart
// into one interactive view. It holds no business logic: samples in,
// commands out.
type Presenter struct {
	feed   SampleFeed
	client Commander
	out    io.Writer
	opts   Options
	chart  *chart.Chart

	mu          sync.Mutex
	mounted     bool
	sampleSubs  []int
	stateSub    int
	status      feed.State
	heaterKnown string // last heater field value seen on the feed
	heaterShown string // current heater display, may be pendingField
	tempShown   string
	message     string
}

// New builds a presenter writing to out. Call Mount (or Run) to start
// receiving samples.
func New(f SampleFeed, client Commander, out io.Writer, opts Options) (*Presenter, error) {
	opts.applyDefaults()
	p := &Presenter{
		feed:   f,
		client: client,
		out:    out,
		opts:   opts,
		chart:  chart.New(opts.Points),
		status: feed.StateDisconnected,
	}
	series := []chart.Series{
		{Name: "heater", Type: chart.Step, XField: "time", YField: "heater", Color: "red"},
		{Name: "temperature", Type: chart.Line, XField: "time", YField: "temperature", Color: "yellow"},
		{Name: "mash", Type: chart.Line, XField: "time", YField: "mash-temperature", Color: "cyan"},
	}
	for _, def := range series {
		if err := p.chart.Add(def); err != nil {
			return nil, err
		}
	}
	return p, nil
}

// Mount registers the feed subscriptions and asks the stream to
// connect, once. Mounting twice is a no-op.
func (p *Presenter) Mount() {
	p.mu.Lock()
	if p.mounted {
		p.mu.Unlock()
		return
	}
	p.mounted = true
	p.mu.Unlock()

	subs := []int{
		p.feed.Subscribe(p.observeChart),
		p.feed.Subscribe(p.observeHeaterField),
		p.feed.Subscribe(p.observeTemperatureField),
		p.feed.Subscribe(func(model.Sample) { p.draw() }),
	}
	stateSub := p.feed.SubscribeState(p.observeState)

	p.mu.Lock()
	p.sampleSubs = subs
	p.stateSub = stateSub
	p.mu.Unlock()

	p.feed.EnsureConnected()
}

// Unmount detaches every subscription. The stream itself stays up.
func (p *Presenter) Unmount() {
	p.mu.Lock()
	if !p.mounted {
		p.mu.Unlock()
		return
	}
	p.mounted = false
	subs := p.sampleSubs
	p.sampleSubs = nil
	stateSub := p.stateSub
	p.mu.Unlock()

	for _, id := range subs {
		p.feed.Unsubscribe(id)
	}
	p.feed.UnsubscribeState(stateSub)
}

// Run mounts the presenter and reads command lines from in until EOF,
// a quit command or context end.
func (p *Presenter) Run(ctx context.Context, in io.Reader) error {
	p.Mount()
	defer p.Unmount()
	p.draw()

	lines := make(chan string)
	go func() {
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			lines <- sc.Text()
		}
		close(lines)
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if p.handle(ctx, line) {
				return nil
			}
		}
	}
}

// handle runs one input line and reports whether the session should
// end. A blank line never issues a command.
func (p *Presenter) handle(ctx context.Context, line string) (quit bool) {
	fields := strings.Fields(strings.ToLower(line))
	if len(fields) == 0 {
		return false
	}
	switch fields[0] {
	case "q", "quit":
		return true
	case "on":
		p.Heater(ctx, model.HeaterOn)
	case "off":
		p.Heater(ctx, model.HeaterOff)
	case "set":
		arg := ""
		if len(fields) > 1 {
			arg = fields[1]
		}
		p.Target(ctx, arg)
	default:
		if _, err := strconv.Atoi(fields[0]); err == nil {
			p.Target(ctx, fields[0])
			return false
		}
		p.note(fmt.Sprintf("unknown command %q (on, off, set <n>, q)", strings.TrimSpace(line)))
		p.draw()
	}
	return false
}

// Heater sends a heater command. The display field flips to a pending
// placeholder right away; a failure reverts it to the last value seen
// on the feed and shows the error.
func (p *Presenter) Heater(ctx context.Context, state model.HeaterState) error {
	p.mu.Lock()
	p.heaterShown = pendingField
	p.message = ""
	p.mu.Unlock()
	p.draw()

	err := p.client.SetHeater(ctx, state)
	if err != nil {
		p.mu.Lock()
		if p.heaterShown == pendingField {
			p.heaterShown = p.heaterKnown
		}
		p.message = fmt.Sprintf("heater %s failed: %v", state, err)
		p.mu.Unlock()
	}
	p.draw()
	return err
}

// Target validates raw as a setpoint and sends it. Empty input issues
// no request; anything not a whole number is rejected with a message.
func (p *Presenter) Target(ctx context.Context, raw string) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	degrees, err := strconv.Atoi(raw)
	if err != nil {
		p.note(fmt.Sprintf("setpoint %q is not a whole number", raw))
		p.draw()
		return fmt.Errorf("dashboard: setpoint %q: %w", raw, err)
	}
	if degrees < 0 {
		p.note(fmt.Sprintf("setpoint %d is negative", degrees))
		p.draw()
		return fmt.Errorf("dashboard: setpoint %d is negative", degrees)
	}

	p.note("")
	err = p.client.SetTargetTemperature(ctx, degrees)
	if err != nil {
		p.note(fmt.Sprintf("target %d failed: %v", degrees, err))
	} else {
		p.note(fmt.Sprintf("target set to %d", degrees))
	}
	p.draw()
	return err
}

func (p *Presenter) observeChart(s model.Sample) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.chart.Observe(s)
}

func (p *Presenter) observeHeaterField(s model.Sample) {
	value := heaterField(s)
	p.mu.Lock()
	defer p.mu.Unlock()
	p.heaterKnown = value
	p.heaterShown = value
}

func (p *Presenter) observeTemperatureField(s model.Sample) {
	value := temperatureField(s)
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tempShown = value
}

func (p *Presenter) observeState(st feed.State) {
	p.mu.Lock()
	p.status = st
	p.mu.Unlock()
	p.draw()
}

func (p *Presenter) note(msg string) {
	p.mu.Lock()
	p.message = msg
	p.mu.Unlock()
}

// draw writes one full frame. Holding the lock across the write keeps
// frames from interleaving.
func (p *Presenter) draw() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.opts.Color {
		fmt.Fprint(p.out, "\x1b[2J\x1b[H")
	}
	fmt.Fprint(p.out, p.frameLocked())
}

func (p *Presenter) frameLocked() string {
	st := p.feed.Stats()
	var b strings.Builder
	fmt.Fprintf(&b, "stream: %s  delivered: %d  dropped: %d  reconnects: %d\n",
		p.status, st.Delivered, st.Dropped, st.Reconnects)
	fmt.Fprintf(&b, "heater: %s\n", valueOr(p.heaterShown))
	fmt.Fprintf(&b, "temperature: %s\n", valueOr(p.tempShown))
	b.WriteString(p.chart.Render(p.opts.Width, p.opts.Color))
	if p.message != "" {
		fmt.Fprintf(&b, "! %s\n", p.message)
	}
	b.WriteString("commands: on | off | set <n> | q\n")
	return b.String()
}

func heaterField(s model.Sample) string {
	word := "off"
	if s.Heater != 0 {
		word = "on"
	}
	if ctl := s.Controller.String(); ctl != "" {
		return word + " (" + ctl + ")"
	}
	return word
}

func temperatureField(s model.Sample) string {
	if f, ok := s.Temperature.Float(); ok {
		return fmt.Sprintf("%.2f", f)
	}
	return s.Temperature.String()
}

func valueOr(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
