package syncengine

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/dvloznov/finance-logbook/internal/logger"
)

// OnlineSource fires on every offline to online transition.
type OnlineSource struct {
	Transitions <-chan bool
}

func (OnlineSource) Name() string { return "connectivity" }

func (s OnlineSource) Run(ctx context.Context, fire func(Reason)) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case online, ok := <-s.Transitions:
			if !ok {
				return nil
			}
			if online {
				fire(ReasonOnline)
			}
		}
	}
}

// SignalSource fires when the process receives one of Signals, which is how
// a shell or supervisor tells the daemon it was brought back to the foreground.
type SignalSource struct {
	Signals []os.Signal
}

// NewSignalSource listens on the platform's foreground signals.
func NewSignalSource() SignalSource {
	return SignalSource{Signals: foregroundSignals()}
}

func (SignalSource) Name() string { return "signal" }

func (s SignalSource) Run(ctx context.Context, fire func(Reason)) error {
	if len(s.Signals) == 0 {
		return nil
	}
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, s.Signals...)
	defer signal.Stop(ch)

	for {
		select {
		case <-ctx.Done():
			return nil
		case sig := <-ch:
			log := logger.FromContext(ctx)
			log.Debug().Str("signal", sig.String()).Msg("Foreground signal received")
			fire(ReasonForeground)
		}
	}
}

// FileSource fires whenever Path is created or written, so other processes
// (a cron job, a CLI invocation) can request a sync by touching it.
type FileSource struct {
	Path string
}

func (FileSource) Name() string { return "file" }

func (s FileSource) Run(ctx context.Context, fire func(Reason)) error {
	dir := filepath.Dir(s.Path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("FileSource: creating %s: %w", dir, err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("FileSource: failed to create fsnotify watcher: %w", err)
	}
	defer watcher.Close()

	// Watch the directory; editors and touch(1) may replace the file itself.
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("FileSource: failed to watch %s: %w", dir, err)
	}

	target := filepath.Clean(s.Path)
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if ev.Has(fsnotify.Create) || ev.Has(fsnotify.Write) || ev.Has(fsnotify.Chmod) {
				fire(ReasonExternal)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log := logger.FromContext(ctx)
			log.Warn().Err(err).Str("path", s.Path).Msg("Trigger file watch error")
		}
	}
}

// Touch requests a sync from a daemon watching path with FileSource.
func Touch(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("Touch: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("Touch: %w", err)
	}
	if _, err := fmt.Fprintln(f, time.Now().UTC().Format(time.RFC3339Nano)); err != nil {
		f.Close()
		return fmt.Errorf("Touch: %w", err)
	}
	return f.Close()
}

// TickerSource fires every Interval.
type TickerSource struct {
	Interval time.Duration
}

func (TickerSource) Name() string { return "ticker" }

func (s TickerSource) Run(ctx context.Context, fire func(Reason)) error {
	if s.Interval <= 0 {
		return nil
	}
	t := time.NewTicker(s.Interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			fire(ReasonPeriodic)
		}
	}
}
