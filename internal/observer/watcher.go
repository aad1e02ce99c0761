package observer

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// ErrWatcherFailed indicates the filesystem watcher failed to initialize.
var ErrWatcherFailed = errors.New("failed to initialize policy watcher")

// PolicyWatcher reloads a policy file into a MetaObserver whenever it changes.
//
// The parent directory is watched rather than the file so that editors which
// replace the file on save are picked up. A reload that fails to parse or
// validate is logged and the previous policy stays active.
type PolicyWatcher struct {
	path     string
	observer *MetaObserver
	logger   *zap.Logger
	watcher  *fsnotify.Watcher
	started  bool
	done     chan struct{}
}

// NewPolicyWatcher creates a watcher for path. Call Start to load the file
// and begin watching.
func NewPolicyWatcher(path string, obs *MetaObserver, logger *zap.Logger) (*PolicyWatcher, error) {
	if obs == nil {
		return nil, errors.New("observer is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolving policy path: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrWatcherFailed, err)
	}

	return &PolicyWatcher{
		path:     filepath.Clean(abs),
		observer: obs,
		logger:   logger,
		watcher:  watcher,
		done:     make(chan struct{}),
	}, nil
}

// Start loads the policy once and watches for changes until ctx is done or
// Close is called. The initial load must succeed.
func (w *PolicyWatcher) Start(ctx context.Context) error {
	if err := w.reload(); err != nil {
		return err
	}

	if err := w.watcher.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("watching policy directory: %w", err)
	}

	w.started = true
	go w.watch(ctx)
	return nil
}

// Close stops watching.
func (w *PolicyWatcher) Close() error {
	err := w.watcher.Close()
	if w.started {
		<-w.done
	}
	return err
}

func (w *PolicyWatcher) watch(ctx context.Context) {
	defer close(w.done)

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			if err := w.reload(); err != nil {
				w.logger.Warn("policy reload failed; keeping previous policy",
					zap.String("path", w.path),
					zap.Error(err),
				)
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("policy watcher error", zap.Error(err))
		}
	}
}

func (w *PolicyWatcher) reload() error {
	policy, err := LoadPolicy(w.path)
	if err != nil {
		return fmt.Errorf("loading policy: %w", err)
	}
	if err := w.observer.SetPolicy(policy); err != nil {
		return err
	}
	w.logger.Info("health policy loaded",
		zap.String("path", w.path),
		zap.Float64("min_convergence_rate", policy.MinConvergenceRate),
		zap.Float64("drift_threshold", policy.DriftThreshold),
		zap.Int("window", policy.Window),
	)
	return nil
}
