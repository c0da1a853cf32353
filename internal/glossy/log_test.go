package glossy_test

import (
	"bufio"
	"bytes"
	"context"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"testing"
	"testing/slogtest"
	"time"

	"deedles.dev/keymapper/internal/glossy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	ansi   = regexp.MustCompile(`\x1b\[[0-9;]*m`)
	header = regexp.MustCompile(`^(?:([A-Z][a-z]{2} [ \d]\d \d\d:\d\d:\d\d\.\d{3}) )?(DEBUG|INFO|WARN|ERROR)([+-]\d+)? (.*)$`)
)

// parse reads the terminal output back into one map per record, with
// grouped keys expanded into nested maps.
func parse(t *testing.T, out []byte) []map[string]any {
	var records []map[string]any
	s := bufio.NewScanner(bytes.NewReader(ansi.ReplaceAll(out, nil)))
	for s.Scan() {
		line := s.Text()
		if !strings.HasPrefix(line, "\t") {
			m := header.FindStringSubmatch(line)
			require.NotNil(t, m, "header: %q", line)

			r := map[string]any{
				slog.LevelKey:   m[2] + m[3],
				slog.MessageKey: m[4],
			}
			if m[1] != "" {
				r[slog.TimeKey] = m[1]
			}
			records = append(records, r)
			continue
		}

		require.NotEmpty(t, records)
		key, val, ok := strings.Cut(strings.TrimPrefix(line, "\t"), "=")
		require.True(t, ok, "attribute: %q", line)
		if strings.HasPrefix(val, `"`) {
			v, err := strconv.Unquote(val)
			require.NoError(t, err)
			val = v
		}

		cur := records[len(records)-1]
		path := strings.Split(key, ".")
		for _, group := range path[:len(path)-1] {
			next, ok := cur[group].(map[string]any)
			if !ok {
				next = make(map[string]any)
				cur[group] = next
			}
			cur = next
		}
		cur[path[len(path)-1]] = val
	}
	require.NoError(t, s.Err())
	return records
}

func TestHandler(t *testing.T) {
	var buf bytes.Buffer
	err := slogtest.TestHandler(glossy.Handler{Out: &buf}, func() []map[string]any {
		return parse(t, buf.Bytes())
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(glossy.Handler{Out: &buf, Level: slog.LevelInfo})

	logger.Debug("hidden")
	logger.With("device", "/dev/input/event3").WithGroup("layout").Warn("apply failed", "id", 12, "err", "exit status 1")

	out := ansi.ReplaceAllString(buf.String(), "")
	lines := strings.Split(strings.TrimSuffix(out, "\n"), "\n")
	require.Len(t, lines, 4)
	assert.Regexp(t, `WARN apply failed$`, lines[0])
	assert.Equal(t, []string{
		"\tdevice=/dev/input/event3",
		"\tlayout.id=12",
		"\tlayout.err=\"exit status 1\"",
	}, lines[1:])
}

func TestEnabled(t *testing.T) {
	h := glossy.Handler{Level: slog.LevelWarn}
	assert.False(t, h.Enabled(context.Background(), slog.LevelInfo))
	assert.True(t, h.Enabled(context.Background(), slog.LevelError))
}

func TestZeroTime(t *testing.T) {
	var buf bytes.Buffer
	h := glossy.Handler{Out: &buf}

	require.NoError(t, h.Handle(context.Background(), slog.NewRecord(time.Time{}, slog.LevelInfo, "no time", 0)))
	assert.Equal(t, "INFO no time\n", ansi.ReplaceAllString(buf.String(), ""))
}
