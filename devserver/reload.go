package devserver

import (
	"context"
	"log/slog"
	"os"
	"sync/atomic"
	"time"
)

// Reloader polls a fixture file and swaps it into a Server when it
// changes. A file that fails to parse is logged and the previous fixture
// stays in place; the next successful parse replaces it.
type Reloader struct {
	path     string
	srv      *Server
	interval time.Duration
	debounce time.Duration
	logger   *slog.Logger

	reloads atomic.Int64
	errors  atomic.Int64
}

// NewReloader watches path for srv. interval defaults to 1s; debounce is
// the quiet period after a change before the file is read (0 = at once).
func NewReloader(path string, srv *Server, interval, debounce time.Duration, logger *slog.Logger) *Reloader {
	if interval <= 0 {
		interval = time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Reloader{path: path, srv: srv, interval: interval, debounce: debounce, logger: logger}
}

// Reloads returns how many fixtures have been swapped in.
func (r *Reloader) Reloads() int64 { return r.reloads.Load() }

// Run blocks until ctx is cancelled.
func (r *Reloader) Run(ctx context.Context) {
	version := r.version()

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	var debounceTimer *time.Timer
	var debounceCh <-chan time.Time
	pending := int64(-1)

	r.logger.Info("devserver: watching fixture", "path", r.path, "interval", r.interval)
	for {
		select {
		case <-ctx.Done():
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			return

		case <-ticker.C:
			cur := r.version()
			if cur == version || cur == pending {
				continue
			}
			pending = cur
			if r.debounce <= 0 {
				if r.reload() {
					version = pending
				}
				pending = -1
				continue
			}
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			debounceTimer = time.NewTimer(r.debounce)
			debounceCh = debounceTimer.C

		case <-debounceCh:
			debounceCh = nil
			if pending >= 0 && r.reload() {
				version = pending
			}
			pending = -1
		}
	}
}

// version is the file's modification time in nanoseconds, 0 when missing.
func (r *Reloader) version() int64 {
	fi, err := os.Stat(r.path)
	if err != nil {
		return 0
	}
	return fi.ModTime().UnixNano() ^ fi.Size()
}

func (r *Reloader) reload() bool {
	f, err := LoadFixture(r.path)
	if err != nil {
		r.errors.Add(1)
		r.logger.Warn("devserver: fixture reload failed", "path", r.path, "error", err)
		return false
	}
	r.srv.Replace(f)
	r.reloads.Add(1)
	r.logger.Info("devserver: fixture reloaded", "path", r.path, "organizations", len(f.Organizations))
	return true
}
