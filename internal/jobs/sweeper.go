package jobs

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Sweeper は保持期間を過ぎたジョブを Store から取り除きます。
// ステータス照会のついでに呼ぶ MaybeSweep と、定期実行の Run は同じ Sweep を使います。
type Sweeper struct {
	store          *Store
	terminalMaxAge time.Duration
	inFlightMaxAge time.Duration
	minInterval    time.Duration
	now            func() time.Time
	onEvict        func(Record)
	keep           func(Record) bool
	logger         *slog.Logger

	mu      sync.Mutex
	lastRun time.Time
}

// SweeperConfig は Sweeper の設定です。
type SweeperConfig struct {
	TerminalMaxAge time.Duration // 終了済みジョブの保持期間
	InFlightMaxAge time.Duration // 更新の止まった実行中ジョブを破棄するまでの時間
	MinInterval    time.Duration // MaybeSweep の最小間隔
	Now            func() time.Time
	OnEvict        func(Record)
	Keep           func(Record) bool // true のジョブは更新停止による破棄から外す
	Logger         *slog.Logger
}

// NewSweeper は Sweeper を作成します。
func NewSweeper(store *Store, cfg SweeperConfig) *Sweeper {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Sweeper{
		store:          store,
		terminalMaxAge: cfg.TerminalMaxAge,
		inFlightMaxAge: cfg.InFlightMaxAge,
		minInterval:    cfg.MinInterval,
		now:            cfg.Now,
		onEvict:        cfg.OnEvict,
		keep:           cfg.Keep,
		logger:         cfg.Logger,
	}
}

// Sweep は期限切れのジョブを削除し、削除件数を返します。
func (s *Sweeper) Sweep() int {
	s.mu.Lock()
	s.lastRun = s.now()
	s.mu.Unlock()

	evicted := s.store.SweepExpired(s.terminalMaxAge, s.inFlightMaxAge, s.keep)
	for _, r := range evicted {
		s.logger.Info("job evicted", "job_id", r.JobID, "stage", r.Stage, "updated_at", r.UpdatedAt)
		if s.onEvict != nil {
			s.onEvict(r)
		}
	}
	return len(evicted)
}

// MaybeSweep は前回から MinInterval 以上経っていれば Sweep を実行します。
func (s *Sweeper) MaybeSweep() int {
	s.mu.Lock()
	due := s.lastRun.IsZero() || s.now().Sub(s.lastRun) >= s.minInterval
	s.mu.Unlock()
	if !due {
		return 0
	}
	return s.Sweep()
}

// Run は ctx が終わるまで interval ごとに Sweep を実行します。
func (s *Sweeper) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep()
		}
	}
}
