package orchestrator

import (
	"context"
	"sync"
	"time"
)

// cleanupLoop periodically expires old historical context and stale
// coordination records.
type cleanupLoop struct {
	o *Orchestrator

	startOnce sync.Once
	stopOnce  sync.Once
	stopCh    chan struct{}
	wg        sync.WaitGroup
}

func newCleanupLoop(o *Orchestrator) *cleanupLoop {
	return &cleanupLoop{o: o, stopCh: make(chan struct{})}
}

func (l *cleanupLoop) start(ctx context.Context) {
	l.startOnce.Do(func() {
		l.wg.Add(1)
		go l.run(ctx)
	})
}

func (l *cleanupLoop) stop() {
	l.stopOnce.Do(func() { close(l.stopCh) })
	l.wg.Wait()
}

func (l *cleanupLoop) run(ctx context.Context) {
	defer l.wg.Done()

	ticker := time.NewTicker(l.o.config.CleanupInterval)
	defer ticker.Stop()

	l.o.logger.Info("cleanup loop started", "interval", l.o.config.CleanupInterval)
	for {
		select {
		case <-ticker.C:
			l.sweep(ctx)
		case <-l.stopCh:
			l.o.logger.Info("cleanup loop stopped")
			return
		case <-ctx.Done():
			l.o.logger.Info("cleanup loop stopped", "reason", ctx.Err())
			return
		}
	}
}

func (l *cleanupLoop) sweep(ctx context.Context) {
	if l.o.deps.Air != nil {
		retention := time.Duration(l.o.config.RetentionDays) * 24 * time.Hour
		removed, err := l.o.deps.Air.ClearOldHistory(ctx, retention)
		if err != nil {
			l.o.logger.Error("history cleanup failed", "error", err)
		} else if removed > 0 {
			l.o.logger.Info("history cleanup", "removed", removed)
		}
	}
	if l.o.deps.Water != nil {
		removed, err := l.o.deps.Water.CleanupOldContexts(ctx)
		if err != nil {
			l.o.logger.Error("coordination cleanup failed", "error", err)
		} else if removed > 0 {
			l.o.logger.Info("coordination cleanup", "removed", removed)
		}
	}
	if l.o.deps.Monitor != nil {
		l.o.deps.Monitor.ObserveMemory()
	}
}
