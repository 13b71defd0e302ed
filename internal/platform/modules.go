package platform

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/sourcegraph/conc"

	"cellpop/internal/logging"
	"cellpop/internal/metrics"
)

// MetricsModule serves the recorder's /metrics endpoint for the lifetime of
// the lab.
type MetricsModule struct {
	Recorder *metrics.Recorder
	Addr     string
	Logger   *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     *conc.WaitGroup
}

func (m *MetricsModule) Name() string {
	return "metrics"
}

func (m *MetricsModule) Start(context.Context) error {
	if m.Recorder == nil {
		return fmt.Errorf("metrics recorder is required")
	}
	if m.Addr == "" {
		return fmt.Errorf("metrics address is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancel != nil {
		return nil
	}

	logger := logging.OrDiscard(m.Logger)
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.wg = conc.NewWaitGroup()
	m.wg.Go(func() {
		logger.Info("metrics endpoint listening", "addr", m.Addr)
		if err := m.Recorder.Serve(ctx, m.Addr); err != nil {
			logger.Error("metrics endpoint stopped", "addr", m.Addr, "error", err)
		}
	})
	return nil
}

func (m *MetricsModule) Stop(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancel == nil {
		return nil
	}
	m.cancel()
	m.wg.Wait()
	m.cancel = nil
	m.wg = nil
	return nil
}
