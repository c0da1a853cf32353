package xkb_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"testing"

	"deedles.dev/keymapper/internal/xkb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRunner struct {
	m       sync.Mutex
	outputs map[string]string
	fail    map[string]error
	started [][]string
	exit    error
}

func (r *fakeRunner) Output(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := strings.Join(append([]string{name}, args...), " ")
	if err := r.fail[cmd]; err != nil {
		return nil, err
	}
	out, ok := r.outputs[cmd]
	if !ok {
		return nil, errors.New("unexpected command: " + cmd)
	}
	return []byte(out), nil
}

func (r *fakeRunner) Start(ctx context.Context, name string, args ...string) (func() error, error) {
	r.m.Lock()
	defer r.m.Unlock()

	r.started = append(r.started, append([]string{name}, args...))
	return func() error { return r.exit }, nil
}

func xinputRunner() *fakeRunner {
	return &fakeRunner{outputs: map[string]string{
		"xinput list --name-only": "Virtual core pointer\nVirtual core keyboard\nGamepad keymapper\nGamepad\n",
		"xinput list --id-only":   "2\n3\n14\n9\n",
	}}
}

func TestEntries(t *testing.T) {
	entries := xkb.Entries(map[string]int{"odiaeresis": 12, "adiaeresis": 3, "U00E9": 7})
	assert.Equal(t, []xkb.Entry{
		{Code: 3, Symbol: "adiaeresis"},
		{Code: 7, Symbol: "U00E9"},
		{Code: 12, Symbol: "odiaeresis"},
	}, entries)
}

func TestBuildTemp(t *testing.T) {
	dir := t.TempDir()
	b := xkb.Builder{Mode: xkb.ModeTemp, Dir: dir, Include: "de"}

	art, err := b.Build([]xkb.Entry{{Code: 3, Symbol: "adiaeresis"}, {Code: 12, Symbol: "odiaeresis"}})
	require.NoError(t, err)
	require.False(t, art.Empty())
	assert.Equal(t, dir, filepath.Dir(art.Root))

	data, err := os.ReadFile(art.SymbolsPath())
	require.NoError(t, err)
	assert.Equal(t, `default xkb_symbols "basic" {
    include "de"
    name[Group1] = "keymapper";
    key <K11> { [ adiaeresis ] };
    key <K20> { [ odiaeresis ] };
};
`, string(data))

	keycodes, err := os.ReadFile(art.KeycodesPath())
	require.NoError(t, err)
	assert.Equal(t, `default xkb_keycodes "keymapper" {
    include "evdev"
    <K11> = 11;
    <K20> = 20;
};
`, string(keycodes))

	again, err := b.Build([]xkb.Entry{{Code: 3, Symbol: "adiaeresis"}})
	require.NoError(t, err)
	assert.NotEqual(t, art.Root, again.Root, "every build gets a fresh location")
}

func TestBuildSystem(t *testing.T) {
	dir := t.TempDir()
	for _, sub := range []string{"symbols", "keycodes"} {
		require.NoError(t, os.Mkdir(filepath.Join(dir, sub), 0755))
	}
	b := xkb.Builder{Mode: xkb.ModeSystem, Dir: dir, Name: xkb.SystemName("Gamepad (USB)")}

	for _, sym := range []string{"odiaeresis", "ssharp"} {
		art, err := b.Build([]xkb.Entry{{Code: 100, Symbol: sym}})
		require.NoError(t, err)
		assert.Equal(t, filepath.Join(dir, "symbols", "keymapper-Gamepad--USB-"), art.SymbolsPath())

		data, err := os.ReadFile(art.SymbolsPath())
		require.NoError(t, err)
		assert.Contains(t, string(data), "key <K108> { [ "+sym+" ] };")
		assert.Contains(t, string(data), `include "us"`)
	}

	entries, err := os.ReadDir(filepath.Join(dir, "symbols"))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no temporary files are left behind")
}

const evdevKeycodes = `// keycodes for evdev
default xkb_keycodes "evdev" {
    minimum = 8;
    maximum = 255;

    <ESC> = 9;
    <AE01> = 10;
    <AC01> = 38;
    <I120> = 120; // KEY_MACRO
    <FK13> = 191;
    <ESCX> = 9;
    alias <ALGR> = <RALT>;
    indicator 1 = "Caps Lock";
};

xkb_keycodes "other" {
    <ZZZ> = 11;
};
`

const usSymbols = `default xkb_symbols "basic" {
    name[Group1] = "English (US)";
    key <ESC> { [ Escape ] };
    key <AE01> { [ 1, exclam ] };
    key <AC01> { [ a, A ] };
};
`

var (
	includeLine = regexp.MustCompile(`include\s+"([^"(]+)"`)
	keyLine     = regexp.MustCompile(`key\s+<([^>]+)>`)
	codeLine    = regexp.MustCompile(`<([^>]+)>\s*=\s*\d+\s*;`)
)

func writeComponent(t *testing.T, dir, kind, name, data string) {
	require.NoError(t, os.MkdirAll(filepath.Join(dir, kind), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, kind, name), []byte(data), 0644))
}

// collect gathers the names matched by re in the component kind/name and
// everything it includes, looking it up in dirs in order.
func collect(t *testing.T, dirs []string, kind, name string, re *regexp.Regexp, into map[string]struct{}) {
	for _, dir := range dirs {
		data, err := os.ReadFile(filepath.Join(dir, kind, name))
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		require.NoError(t, err)

		for _, m := range includeLine.FindAllStringSubmatch(string(data), -1) {
			collect(t, dirs, kind, m[1], re, into)
		}
		for _, m := range re.FindAllStringSubmatch(string(data), -1) {
			into[m[1]] = struct{}{}
		}
		return
	}
	t.Fatalf("%v %q not found in %v", kind, name, dirs)
}

func TestBuildResolvesHostKeys(t *testing.T) {
	system := t.TempDir()
	writeComponent(t, system, "keycodes", "evdev", evdevKeycodes)
	writeComponent(t, system, "symbols", "us", usSymbols)

	names, err := xkb.LoadKeyNames(xkb.KeycodesPath(system, xkb.BaseKeycodes))
	require.NoError(t, err)

	b := xkb.Builder{Dir: t.TempDir(), Include: "us", KeyNames: names}
	art, err := b.Build([]xkb.Entry{{Code: 3, Symbol: "adiaeresis"}, {Code: 112, Symbol: "odiaeresis"}})
	require.NoError(t, err)

	dirs := []string{art.Root, system}
	referenced, defined := make(map[string]struct{}), make(map[string]struct{})
	collect(t, dirs, "symbols", art.Name, keyLine, referenced)
	collect(t, dirs, "keycodes", art.Name, codeLine, defined)

	for _, name := range []string{"ESC", "AE01", "AC01", "K11", "I120"} {
		assert.Contains(t, referenced, name)
	}
	for name := range referenced {
		assert.Contains(t, defined, name, "key <%v> is used but never defined", name)
	}

	data, err := os.ReadFile(art.SymbolsPath())
	require.NoError(t, err)
	assert.Contains(t, string(data), "key <I120> { [ odiaeresis ] };", "named keycodes keep their name")

	data, err = os.ReadFile(art.KeycodesPath())
	require.NoError(t, err)
	assert.NotContains(t, string(data), "120", "named keycodes are not redefined")
}

func TestParseKeyNames(t *testing.T) {
	names, err := xkb.ParseKeyNames(strings.NewReader(evdevKeycodes))
	require.NoError(t, err)
	assert.Equal(t, map[int]string{
		9:   "ESC",
		10:  "AE01",
		38:  "AC01",
		120: "I120",
		191: "FK13",
	}, names)

	_, err = xkb.LoadKeyNames(filepath.Join(t.TempDir(), "missing"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestRemove(t *testing.T) {
	dir := t.TempDir()
	b := xkb.Builder{Dir: dir}

	art, err := b.Build([]xkb.Entry{{Code: 3, Symbol: "adiaeresis"}})
	require.NoError(t, err)
	require.DirExists(t, art.Root)

	require.NoError(t, b.Remove(art))
	assert.NoDirExists(t, art.Root)
	assert.DirExists(t, dir)

	assert.NoError(t, b.Remove(xkb.Artifact{}))
	assert.Error(t, b.Remove(xkb.Artifact{Root: "/", Name: "keymapper"}), "only build directories are removed")

	sys := xkb.Builder{Mode: xkb.ModeSystem, Dir: dir}
	require.NoError(t, sys.Remove(xkb.Artifact{Root: dir, Name: "keymapper"}))
	assert.DirExists(t, dir)
}

func TestBuildNothing(t *testing.T) {
	b := xkb.Builder{Dir: filepath.Join(t.TempDir(), "missing")}

	art, err := b.Build(nil)
	require.NoError(t, err)
	assert.True(t, art.Empty())

	art, err = b.Build([]xkb.Entry{{Code: 250, Symbol: "odiaeresis"}})
	require.NoError(t, err)
	assert.True(t, art.Empty(), "codes outside of the layout range are skipped")
}

func TestBuildMissingDir(t *testing.T) {
	b := xkb.Builder{Dir: filepath.Join(t.TempDir(), "missing")}

	_, err := b.Build([]xkb.Entry{{Code: 3, Symbol: "adiaeresis"}})
	assert.ErrorIs(t, err, os.ErrNotExist)

	require.NoError(t, b.Prepare())
	require.NoError(t, b.Prepare())
	_, err = b.Build([]xkb.Entry{{Code: 3, Symbol: "adiaeresis"}})
	assert.NoError(t, err)
}

func TestParseMode(t *testing.T) {
	m, err := xkb.ParseMode("system")
	require.NoError(t, err)
	assert.Equal(t, xkb.ModeSystem, m)
	assert.Equal(t, "system", m.String())

	_, err = xkb.ParseMode("global")
	assert.Error(t, err)
}

func TestDeviceID(t *testing.T) {
	a := xkb.Applier{Runner: xinputRunner()}

	id, err := a.DeviceID(context.Background(), "Gamepad")
	require.NoError(t, err)
	assert.Equal(t, 9, id)

	_, err = a.DeviceID(context.Background(), "Gamepad keymapper pointer")
	assert.ErrorIs(t, err, xkb.ErrDeviceNotFound)
}

func TestApply(t *testing.T) {
	r := xinputRunner()
	a := xkb.Applier{Runner: r}

	task, err := a.Apply(context.Background(), "Gamepad keymapper", xkb.Artifact{Root: "/tmp/keymapper/x", Name: "keymapper"})
	require.NoError(t, err)
	require.NoError(t, task.Wait())

	require.Len(t, r.started, 1)
	assert.Equal(t, []string{
		"setxkbmap",
		"-I/tmp/keymapper/x",
		"-keycodes", "keymapper",
		"-symbols", "keymapper",
		"-device", "14",
	}, r.started[0])
}

func TestApplyReportsExit(t *testing.T) {
	r := xinputRunner()
	r.exit = errors.New("exit status 1")
	a := xkb.Applier{Runner: r}

	task, err := a.Apply(context.Background(), "Gamepad", xkb.Artifact{Root: "/tmp", Name: "keymapper"})
	require.NoError(t, err)
	<-task.Done()
	assert.EqualError(t, task.Wait(), "exit status 1")
}

func TestApplyFailures(t *testing.T) {
	r := xinputRunner()
	a := xkb.Applier{Runner: r}
	art := xkb.Artifact{Root: "/tmp", Name: "keymapper"}

	task, err := a.Apply(context.Background(), "Gamepad", xkb.Artifact{})
	require.NoError(t, err)
	assert.NoError(t, task.Wait())

	_, err = a.Apply(context.Background(), "Mouse", art)
	assert.ErrorIs(t, err, xkb.ErrDeviceNotFound)

	noDisplay := errors.New("unable to connect to X server")
	r.fail = map[string]error{"xinput list --name-only": noDisplay}
	_, err = a.Apply(context.Background(), "Gamepad", art)
	assert.ErrorIs(t, err, noDisplay)

	assert.Empty(t, r.started, "setxkbmap never runs without a device id")
}

func TestQueryLayout(t *testing.T) {
	r := &fakeRunner{outputs: map[string]string{
		"setxkbmap -query": "rules:      evdev\nmodel:      pc105\nlayout:     de,us\nvariant:    nodeadkeys\n",
	}}

	layout, err := xkb.QueryLayout(context.Background(), r)
	require.NoError(t, err)
	assert.Equal(t, "de", layout)
}
