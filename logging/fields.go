package logging

import (
	"log/slog"
	"time"
)

func MessageID(id string) slog.Attr { return slog.String("message_id", id) }

func BatchID(id string) slog.Attr { return slog.String("batch_id", id) }

func Key(key string) slog.Attr { return slog.String("key", key) }

func Count(n int) slog.Attr { return slog.Int("count", n) }

func Duration(d time.Duration) slog.Attr { return slog.Duration("duration", d) }

// Err renders err under "error"; a nil error yields an empty attr, which
// handlers drop.
func Err(err error) slog.Attr {
	if err == nil {
		return slog.Attr{}
	}
	return slog.String("error", err.Error())
}
