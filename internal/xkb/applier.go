package xkb

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
)

// ErrDeviceNotFound is returned when the display server does not list a
// device with the requested name.
var ErrDeviceNotFound = errors.New("device not found")

// Applier activates artifacts on a single device. The display server lists
// freshly created devices with a delay, so callers should wait a moment
// after creating a device before applying anything to it.
type Applier struct {
	Runner Runner
	Logger *slog.Logger
}

func (a Applier) runner() Runner {
	if a.Runner == nil {
		return ExecRunner{}
	}
	return a.Runner
}

func (a Applier) logger() *slog.Logger {
	if a.Logger == nil {
		return slog.Default()
	}
	return a.Logger
}

// DeviceID returns the display server's id for the first device called name.
// Two devices with the same name can't be told apart.
func (a Applier) DeviceID(ctx context.Context, name string) (int, error) {
	runner := a.runner()

	names, err := runner.Output(ctx, "xinput", "list", "--name-only")
	if err != nil {
		return 0, fmt.Errorf("list device names: %w", err)
	}
	ids, err := runner.Output(ctx, "xinput", "list", "--id-only")
	if err != nil {
		return 0, fmt.Errorf("list device ids: %w", err)
	}

	nameLines, idLines := lines(names), lines(ids)
	for i := range min(len(nameLines), len(idLines)) {
		if nameLines[i] != name {
			continue
		}

		id, err := strconv.Atoi(strings.TrimSpace(idLines[i]))
		if err != nil {
			return 0, fmt.Errorf("parse id of %q: %w", name, err)
		}
		return id, nil
	}

	return 0, fmt.Errorf("%q: %w", name, ErrDeviceNotFound)
}

// Apply starts setxkbmap for the device called device. An empty artifact
// is a no-op. Errors that occur before setxkbmap is running are returned
// directly; its exit status is reported by the Task.
func (a Applier) Apply(ctx context.Context, device string, art Artifact) (*Task, error) {
	if art.Empty() {
		return completed(nil), nil
	}

	id, err := a.DeviceID(ctx, device)
	if err != nil {
		return nil, err
	}

	args := []string{
		"-I" + art.Root,
		"-keycodes", art.Name,
		"-symbols", art.Name,
		"-device", strconv.Itoa(id),
	}
	a.logger().Info("applying xkb configuration", "device", device, "id", id, "cmd", "setxkbmap "+strings.Join(args, " "))

	wait, err := a.runner().Start(ctx, "setxkbmap", args...)
	if err != nil {
		return nil, fmt.Errorf("start setxkbmap: %w", err)
	}
	return startTask(wait), nil
}

func lines(data []byte) []string {
	var lines []string
	s := bufio.NewScanner(bytes.NewReader(data))
	for s.Scan() {
		lines = append(lines, s.Text())
	}
	return lines
}
