package store

import (
	"context"
	"sync"
	"time"

	"github.com/orcastor/extentfs/core"
)

// ReaperConfig 后台回收配置
type ReaperConfig struct {
	Interval time.Duration // 0 disables the reaper
	// CompactEvery compacts the index every N passes, 0 never.
	CompactEvery int
}

func DefaultReaperConfig() *ReaperConfig {
	return &ReaperConfig{Interval: 30 * time.Second, CompactEvery: 10}
}

// Reaper periodically drains the graveyard and folds index layers.
type Reaper struct {
	s      *Store
	cfg    ReaperConfig
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	passes int
}

func NewReaper(s *Store, cfg *ReaperConfig) *Reaper {
	if cfg == nil {
		cfg = DefaultReaperConfig()
	}
	return &Reaper{s: s, cfg: *cfg}
}

// Start 启动后台回收
func (r *Reaper) Start() {
	if r.cfg.Interval <= 0 {
		core.DebugLog("reaper: disabled (interval=0)")
		return
	}
	r.ctx, r.cancel = context.WithCancel(context.Background())
	r.wg.Add(1)
	go r.loop()
	core.DebugLog("reaper: started, interval=%v", r.cfg.Interval)
}

// Stop waits for a running pass to finish.
func (r *Reaper) Stop() {
	if r.cancel == nil {
		return
	}
	r.cancel()
	r.wg.Wait()
	r.cancel = nil
	core.DebugLog("reaper: stopped")
}

func (r *Reaper) loop() {
	defer r.wg.Done()
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			if err := r.RunOnce(r.ctx); err != nil && r.ctx.Err() == nil {
				core.ErrorLog("reaper: %v", err)
			}
		}
	}
}

// RunOnce flushes the graveyard and seals the index's mutable layer.
func (r *Reaper) RunOnce(c core.Ctx) error {
	pending := len(r.s.GraveyardEntries())
	if err := r.s.FlushGraveyard(c); err != nil {
		return err
	}
	r.s.Seal()
	r.passes++
	if r.cfg.CompactEvery > 0 && r.passes%r.cfg.CompactEvery == 0 {
		r.s.Compact()
	}
	if pending > 0 {
		core.DebugLog("reaper: reaped %d graveyard entries, %d index layers", pending, r.s.index.LayerCount())
	}
	return nil
}
