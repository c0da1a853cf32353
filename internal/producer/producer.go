// Package producer turns analog stick positions into relative pointer
// motion and scroll events at a fixed rate.
package producer

import (
	"cmp"
	"context"
	"log/slog"
	"math"
	"slices"
	"sync"
	"time"

	"deedles.dev/keymapper/internal/evdev"
	"deedles.dev/keymapper/internal/metrics"
	evcodes "github.com/holoplot/go-evdev"
)

// Period is the time between two ticks.
const Period = time.Second / 60

// idleTicks is how long a stick has to rest before its carried fractions
// are dropped.
const idleTicks = 30

// Writer receives the produced events. uinput.Mouse satisfies it.
type Writer interface {
	Move(x, y int32) error
	Wheel(horizontal bool, delta int32) error
}

// AbsSource reports the calibration of a device's absolute axes.
type AbsSource interface {
	AbsInfo(code uint16) (evdev.AbsInfo, error)
}

type axis struct {
	code      uint16
	last      int32
	min, max  int32
	remainder float64
}

func (a *axis) normalize(deadzone float64) float64 {
	half := (float64(a.max) - float64(a.min)) / 2
	if half <= 0 {
		return 0
	}
	rest := (float64(a.max) + float64(a.min)) / 2

	v := math.Max(-1, math.Min(1, (float64(a.last)-rest)/half))
	switch {
	case math.Abs(v) <= deadzone:
		return 0
	case v < 0:
		return (v + deadzone) / (1 - deadzone)
	default:
		return (v - deadzone) / (1 - deadzone)
	}
}

// integrate adds v to the carried fraction and splits off the whole part.
func (a *axis) integrate(v float64) int32 {
	v += a.remainder
	whole := math.Trunc(v)
	a.remainder = v - whole
	return int32(whole)
}

type stick int

const (
	stickLeft stick = iota
	stickRight
)

type debounce struct {
	f        func()
	deadline int64
	seq      uint64
}

// Producer runs the tick loop. Sticks are processed left before right and
// each stick's X axis before its Y axis. Its methods may be called
// concurrently.
type Producer struct {
	w       Writer
	cfg     Config
	Logger  *slog.Logger
	Metrics *metrics.Metrics

	m         sync.Mutex
	axes      [4]axis
	ticks     int64
	seq       uint64
	debounces map[any]debounce
}

func New(w Writer, cfg Config) *Producer {
	p := Producer{
		w:   w,
		cfg: cfg,
		axes: [4]axis{
			{code: uint16(evcodes.ABS_X)},
			{code: uint16(evcodes.ABS_Y)},
			{code: uint16(evcodes.ABS_RX)},
			{code: uint16(evcodes.ABS_RY)},
		},
		debounces: make(map[any]debounce),
	}
	p.SetAbsRange(math.MinInt16+1, math.MaxInt16)
	return &p
}

func (p *Producer) logger() *slog.Logger {
	if p.Logger == nil {
		return slog.Default()
	}
	return p.Logger
}

func (p *Producer) purpose(s stick) Purpose {
	if s == stickLeft {
		return p.cfg.Left
	}
	return p.cfg.Right
}

// Handles reports whether code is one of the axes read by p.
func (p *Producer) Handles(code uint16) bool {
	for i := range p.axes {
		if p.axes[i].code == code {
			return p.purpose(stick(i/2)) != PurposeNone
		}
	}
	return false
}

// SetAbsRange sets the calibrated range of every axis. The middle of the
// range is the rest position.
func (p *Producer) SetAbsRange(lo, hi int32) {
	p.m.Lock()
	defer p.m.Unlock()

	for i := range p.axes {
		a := &p.axes[i]
		a.min, a.max = lo, hi
		a.last = int32((int64(lo) + int64(hi)) / 2)
	}
}

// SetAbsRangeFrom takes the range of each axis from the device. Axes the
// device lacks keep their range.
func (p *Producer) SetAbsRangeFrom(src AbsSource) {
	p.m.Lock()
	defer p.m.Unlock()

	for i := range p.axes {
		a := &p.axes[i]
		info, err := src.AbsInfo(a.code)
		if err != nil {
			continue
		}
		a.min, a.max = info.Minimum, info.Maximum
		a.last = int32((int64(info.Minimum) + int64(info.Maximum)) / 2)
		p.logger().Debug("calibrated axis", "code", a.code, "min", a.min, "max", a.max)
	}
}

// Notify records a sample of an absolute axis. It reports false if code is
// not an axis p reads. Nothing is written until the next tick.
func (p *Producer) Notify(code uint16, value int32) bool {
	p.m.Lock()
	defer p.m.Unlock()

	for i := range p.axes {
		if p.axes[i].code != code {
			continue
		}
		p.axes[i].last = value

		s := stick(i / 2)
		if p.atRest(s) {
			p.debounce(s, idleTicks, func() { p.forgetRemainders(s) })
		}
		return true
	}
	return false
}

func (p *Producer) atRest(s stick) bool {
	x, y := &p.axes[2*s], &p.axes[2*s+1]
	return (x.normalize(p.cfg.Deadzone) == 0) && (y.normalize(p.cfg.Deadzone) == 0)
}

func (p *Producer) forgetRemainders(s stick) {
	p.m.Lock()
	defer p.m.Unlock()

	if p.atRest(s) {
		p.axes[2*s].remainder = 0
		p.axes[2*s+1].remainder = 0
	}
}

// Debounce arranges for f to be called once delay ticks from now. Calling
// it again with the same token before then replaces the earlier call,
// including its delay.
func (p *Producer) Debounce(token any, delay int, f func()) {
	p.m.Lock()
	defer p.m.Unlock()

	p.debounce(token, delay, f)
}

func (p *Producer) debounce(token any, delay int, f func()) {
	p.seq++
	p.debounces[token] = debounce{
		f:        f,
		deadline: p.ticks + int64(delay),
		seq:      p.seq,
	}
}

// Tick runs one iteration of the loop: it writes the motion for every
// stick and then calls the debounced functions that are due.
func (p *Producer) Tick() {
	p.Metrics.Tick()

	p.m.Lock()
	p.ticks++
	p.shape(stickLeft)
	p.shape(stickRight)
	due := p.due()
	p.m.Unlock()

	for _, d := range due {
		d.f()
	}
}

func (p *Producer) due() []debounce {
	var due []debounce
	for token, d := range p.debounces {
		if d.deadline <= p.ticks {
			due = append(due, d)
			delete(p.debounces, token)
		}
	}
	slices.SortFunc(due, func(d1, d2 debounce) int {
		return cmp.Or(cmp.Compare(d1.deadline, d2.deadline), cmp.Compare(d1.seq, d2.seq))
	})
	return due
}

func (p *Producer) curve(a *axis) float64 {
	v := a.normalize(p.cfg.Deadzone)
	if v == 0 {
		return 0
	}
	return math.Copysign(math.Pow(math.Abs(v), p.cfg.NonLinearity), v)
}

func (p *Producer) shape(s stick) {
	x, y := &p.axes[2*s], &p.axes[2*s+1]

	switch p.purpose(s) {
	case PurposeMouse:
		speed := float64(p.cfg.PointerSpeed)
		dx := x.integrate(p.curve(x) * speed)
		dy := y.integrate(p.curve(y) * speed)
		if (dx != 0) || (dy != 0) {
			p.write(p.w.Move(dx, dy))
		}

	case PurposeWheel:
		dx := x.integrate(p.curve(x) * float64(p.cfg.XScrollSpeed))
		dy := y.integrate(p.curve(y) * float64(p.cfg.YScrollSpeed))
		if dx != 0 {
			p.write(p.w.Wheel(true, dx))
		}
		if dy != 0 {
			// Pushing the stick up reports a negative value, but scrolling
			// up needs a positive wheel value.
			p.write(p.w.Wheel(false, -dy))
		}
	}
}

func (p *Producer) write(err error) {
	if err != nil {
		p.logger().Warn("write relative event", "err", err)
	}
}

// Run ticks every Period until ctx is done. Pending debounced functions are
// dropped when it returns.
func (p *Producer) Run(ctx context.Context) error {
	t := time.NewTicker(Period)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return context.Cause(ctx)
		case <-t.C:
			p.Tick()
		}
	}
}
