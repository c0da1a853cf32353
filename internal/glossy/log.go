// Package glossy provides a slog.Handler that prints multi-line, styled
// records to a terminal or sends them to the systemd journal.
package glossy

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strconv"
	"sync"
	"time"
	"unicode"

	"github.com/charmbracelet/lipgloss"
)

var bufPool sync.Pool

var (
	styleTime  = lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#222222", Dark: "#AAAAAA"})
	styleKey   = lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#222222", Dark: "#AAAAAA"})
	styleValue = lipgloss.NewStyle()

	styleError = lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#AA0000", Dark: "#EE0000"})
	styleWarn  = lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#AAAA00", Dark: "#EEEE00"})
	styleInfo  = lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#3333AA", Dark: "#5555EE"})
	styleDebug = lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#00AA00", Dark: "#00EE00"})
)

func styleLevel(level slog.Level) lipgloss.Style {
	switch {
	case level >= slog.LevelError:
		return styleError
	case level >= slog.LevelWarn:
		return styleWarn
	case level >= slog.LevelInfo:
		return styleInfo
	case level >= slog.LevelDebug:
		return styleDebug
	default:
		return lipgloss.NewStyle()
	}
}

type Handler struct {
	UseJournal bool
	Level      slog.Level

	// Out is where terminal output goes. It defaults to os.Stderr.
	Out io.Writer

	fields []field
	prefix string
}

// field is an attribute with its groups folded into the key.
type field struct {
	key string
	val string
}

func appendFields(fields []field, prefix string, a slog.Attr) []field {
	a.Value = a.Value.Resolve()
	if a.Equal(slog.Attr{}) {
		return fields
	}

	if a.Value.Kind() == slog.KindGroup {
		if a.Key != "" {
			prefix += a.Key + "."
		}
		for _, ga := range a.Value.Group() {
			fields = appendFields(fields, prefix, ga)
		}
		return fields
	}

	return append(fields, field{key: prefix + a.Key, val: a.Value.String()})
}

func quoteIfNecessary(str string) string {
	if str == "" {
		return `""`
	}
	for _, c := range str {
		if unicode.IsSpace(c) || (c == '"') {
			return strconv.Quote(str)
		}
	}
	return str
}

func (h Handler) Enabled(ctx context.Context, level slog.Level) bool {
	return level >= h.Level
}

func (h Handler) Handle(ctx context.Context, r slog.Record) error {
	fields := slices.Clip(h.fields)
	r.Attrs(func(a slog.Attr) bool {
		fields = appendFields(fields, h.prefix, a)
		return true
	})

	if h.UseJournal {
		return sendJournal(r, fields)
	}

	buf, _ := bufPool.Get().(*bytes.Buffer)
	if buf == nil {
		buf = new(bytes.Buffer)
	}
	defer func() {
		buf.Reset()
		bufPool.Put(buf)
	}()

	if !r.Time.IsZero() {
		fmt.Fprintf(buf, "%v ", styleTime.Render(r.Time.Format(time.StampMilli)))
	}
	fmt.Fprintf(
		buf,
		"%v %v\n",
		styleLevel(r.Level).Render(r.Level.String()),
		r.Message,
	)
	for _, f := range fields {
		fmt.Fprintf(
			buf,
			"\t%v=%v\n",
			styleKey.Render(quoteIfNecessary(f.key)),
			styleValue.Render(quoteIfNecessary(f.val)),
		)
	}

	out := h.Out
	if out == nil {
		out = os.Stderr
	}
	_, err := io.Copy(out, buf)
	return err
}

func (h Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	fields := slices.Clip(h.fields)
	for _, a := range attrs {
		fields = appendFields(fields, h.prefix, a)
	}
	h.fields = fields
	return h
}

func (h Handler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	h.prefix += name + "."
	return h
}
