// Package translate は言語単位の翻訳ファンアウトを、同時実行数と
// リザーバー（時間経過で補充されるトークン予算）の二重の制限の下で
// 実行します。スケジューラーはプロセス全体でひとつを共有し、下流の
// 翻訳サービスを全ジョブ合算で保護します。
package translate

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"
)

// ErrAdmissionTimeout は項目が時間内にスケジュールされなかったことを
// 表します。この失敗は failure ではなく dropped として集計されます。
var ErrAdmissionTimeout = errors.New("translate: admission timed out")

// SchedulerConfig はスケジューラーの調整パラメータです。
type SchedulerConfig struct {
	Concurrency         int           // 同時実行数の上限
	Reservoir           int           // 補充ごとのトークン数
	RefillInterval      time.Duration // リザーバー補充間隔
	AdmissionTimeout    time.Duration // 項目がスケジュールされるまでの待ち時間上限
	QueueHighWater      int           // 待ち行列の高水位
	ThrottleFor         time.Duration // 高水位超過時に絞り込む期間
	HealthCheckInterval time.Duration // ヘルスチェック間隔
}

func (c SchedulerConfig) withDefaults() SchedulerConfig {
	if c.Concurrency <= 0 {
		c.Concurrency = 10
	}
	if c.Reservoir <= 0 {
		c.Reservoir = 30
	}
	if c.RefillInterval <= 0 {
		c.RefillInterval = time.Second
	}
	if c.AdmissionTimeout <= 0 {
		c.AdmissionTimeout = 15 * time.Second
	}
	if c.QueueHighWater <= 0 {
		c.QueueHighWater = 50
	}
	if c.ThrottleFor <= 0 {
		c.ThrottleFor = 30 * time.Second
	}
	if c.HealthCheckInterval <= 0 {
		c.HealthCheckInterval = 30 * time.Second
	}
	return c
}

// Stats はスケジューラー内部カウンターのスナップショットです。
type Stats struct {
	Running   int
	Queued    int
	Accepted  uint64
	Completed uint64
	Dropped   uint64
	Limit     int
}

// Scheduler は許可制の実行枠を管理します。Acquire が成功した呼び出しは
// 必ず Release を呼びます。待機列は FIFO です。
type Scheduler struct {
	cfg    SchedulerConfig
	logger *log.Logger
	done   chan struct{}
	once   sync.Once

	mu             sync.Mutex
	limit          int
	tokens         int
	running        int
	waiters        []chan struct{}
	accepted       uint64
	completed      uint64
	dropped        uint64
	throttledUntil time.Time
}

// NewScheduler はスケジューラーを作成し、リザーバー補充とヘルスチェックの
// バックグラウンドループを開始します。
func NewScheduler(cfg SchedulerConfig, logger *log.Logger) *Scheduler {
	cfg = cfg.withDefaults()
	s := &Scheduler{
		cfg:    cfg,
		logger: logger,
		done:   make(chan struct{}),
		limit:  cfg.Concurrency,
		tokens: cfg.Reservoir,
	}
	go s.refillLoop()
	go s.healthLoop()
	return s
}

// Close はバックグラウンドループを停止します。
func (s *Scheduler) Close() {
	s.once.Do(func() { close(s.done) })
}

// Acquire は実行枠を獲得します。AdmissionTimeout を超えた場合は
// ErrAdmissionTimeout を返し、その項目は dropped として数えられます。
func (s *Scheduler) Acquire(ctx context.Context) error {
	grant := make(chan struct{})
	s.mu.Lock()
	s.waiters = append(s.waiters, grant)
	s.mu.Unlock()
	s.dispatch()

	timer := time.NewTimer(s.cfg.AdmissionTimeout)
	defer timer.Stop()

	select {
	case <-grant:
		return nil
	case <-timer.C:
		if s.cancelWaiter(grant, true) {
			return ErrAdmissionTimeout
		}
		// タイムアウトと同時に許可されていた場合は枠をそのまま使う
		<-grant
		return nil
	case <-ctx.Done():
		if s.cancelWaiter(grant, false) {
			return ctx.Err()
		}
		// キャンセルと同時に許可されていた場合。実行はしないので枠だけ
		// 返し、完了には数えない
		<-grant
		s.abandon()
		return ctx.Err()
	}
}

// Release は実行枠を返却します。
func (s *Scheduler) Release() {
	s.mu.Lock()
	if s.running > 0 {
		s.running--
	}
	s.completed++
	s.mu.Unlock()
	s.dispatch()
}

// abandon は実行されなかった許可済みの枠を返却します。Release と違い
// 完了には数えず、停滞検出の completed/accepted 比を乱しません。
func (s *Scheduler) abandon() {
	s.mu.Lock()
	if s.running > 0 {
		s.running--
	}
	s.mu.Unlock()
	s.dispatch()
}

// Snapshot は現在のカウンターを返します。
func (s *Scheduler) Snapshot() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		Running:   s.running,
		Queued:    len(s.waiters),
		Accepted:  s.accepted,
		Completed: s.completed,
		Dropped:   s.dropped,
		Limit:     s.limit,
	}
}

func (s *Scheduler) dispatch() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for len(s.waiters) > 0 && s.running < s.limit && s.tokens > 0 {
		grant := s.waiters[0]
		s.waiters = s.waiters[1:]
		s.tokens--
		s.running++
		s.accepted++
		close(grant)
	}
}

// cancelWaiter は待機中の grant を取り除きます。既に許可済みの場合は
// false を返します。
func (s *Scheduler) cancelWaiter(grant chan struct{}, countDropped bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, w := range s.waiters {
		if w == grant {
			s.waiters = append(s.waiters[:i], s.waiters[i+1:]...)
			if countDropped {
				s.dropped++
			}
			return true
		}
	}
	return false
}

func (s *Scheduler) refillLoop() {
	ticker := time.NewTicker(s.cfg.RefillInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.mu.Lock()
			s.tokens = s.cfg.Reservoir
			s.mu.Unlock()
			s.dispatch()
		case <-s.done:
			return
		}
	}
}

func (s *Scheduler) healthLoop() {
	ticker := time.NewTicker(s.cfg.HealthCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.checkHealth()
		case <-s.done:
			return
		}
	}
}

// checkHealth は停滞と過負荷を検出します。実行枠が埋まったまま完了が
// ほとんど進んでいなければリセットし、待ち行列が高水位を超えていれば
// 同時実行数を一時的に半減させます。
func (s *Scheduler) checkHealth() {
	s.mu.Lock()
	accepted := s.accepted
	completed := s.completed
	running := s.running
	queued := len(s.waiters)
	limit := s.limit
	// 比率はチェック間隔ごとの値にするため、ここで窓を閉じる
	s.accepted = 0
	s.completed = 0
	s.mu.Unlock()

	if running >= limit && accepted >= 10 && completed*10 < accepted {
		if s.logger != nil {
			s.logger.Printf("translate scheduler stalled (running=%d accepted=%d completed=%d), resetting", running, accepted, completed)
		}
		s.reset()
		return
	}

	if queued > s.cfg.QueueHighWater {
		s.throttle()
	}
}

// reset は実行中の枠を放棄扱いにし、元の設定を適用し直します。待機中の
// 項目は失われません。
func (s *Scheduler) reset() {
	s.mu.Lock()
	s.running = 0
	s.tokens = s.cfg.Reservoir
	s.limit = s.cfg.Concurrency
	s.throttledUntil = time.Time{}
	s.mu.Unlock()
	s.dispatch()
}

// throttle は同時実行数を一時的に絞り込み、期間経過後に元へ戻します。
func (s *Scheduler) throttle() {
	s.mu.Lock()
	if !s.throttledUntil.IsZero() {
		s.mu.Unlock()
		return
	}
	reduced := s.cfg.Concurrency / 2
	if reduced < 1 {
		reduced = 1
	}
	s.limit = reduced
	s.throttledUntil = time.Now().Add(s.cfg.ThrottleFor)
	s.mu.Unlock()

	if s.logger != nil {
		s.logger.Printf("translate scheduler throttled to %d for %s", reduced, s.cfg.ThrottleFor)
	}
	time.AfterFunc(s.cfg.ThrottleFor, s.restore)
}

func (s *Scheduler) restore() {
	s.mu.Lock()
	s.limit = s.cfg.Concurrency
	s.throttledUntil = time.Time{}
	s.mu.Unlock()
	s.dispatch()
}
