package glossy

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/coreos/go-systemd/v22/journal"
)

func levelToPriority(level slog.Level) journal.Priority {
	switch {
	case level >= slog.LevelError:
		return journal.PriErr
	case level >= slog.LevelWarn:
		return journal.PriWarning
	case level >= slog.LevelInfo:
		return journal.PriInfo
	default:
		return journal.PriDebug
	}
}

// journalKey converts key into a valid journal field name. Field names may
// only contain uppercase letters, digits and underscores and must not start
// with an underscore.
func journalKey(key string) string {
	key = strings.Map(func(r rune) rune {
		switch {
		case (r >= 'A') && (r <= 'Z'), (r >= '0') && (r <= '9'):
			return r
		case (r >= 'a') && (r <= 'z'):
			return r - 'a' + 'A'
		default:
			return '_'
		}
	}, key)
	key = strings.TrimLeft(key, "_")
	if key == "" {
		return "ATTR"
	}
	if (key[0] >= '0') && (key[0] <= '9') {
		return "ATTR_" + key
	}
	return key
}

func sendJournal(r slog.Record, fields []field) error {
	vars := make(map[string]string, len(fields))
	for _, f := range fields {
		vars[journalKey(f.key)] = f.val
	}

	err := journal.Send(r.Message, levelToPriority(r.Level), vars)
	if err != nil {
		return fmt.Errorf("send to journal: %w", err)
	}
	return nil
}
