package translate

import (
	"context"
	"errors"
	"log"
	"math/rand"
	"sync"
	"time"
)

// ItemProcessor は 1 言語分の非同期処理です。
type ItemProcessor func(ctx context.Context, language string) error

// Outcome は一括処理の集計結果です。dropped はスケジューラーの
// バックプレッシャーで許可されなかった項目の数で、アプリケーション
// 上の失敗（failure）とは区別されます。
type Outcome struct {
	Success int
	Failure int
	Dropped int
}

// BatchOptions は一括処理の調整パラメータです。ゼロ値のフィールドには
// Batcher のデフォルトが適用されます。
type BatchOptions struct {
	BatchSize        int           // 1チャンクあたりの項目数
	MaxRetryAttempts int           // 項目ごとの最大試行回数
	RetryDelayBase   time.Duration // 再試行前の待ち時間の基数
	TaskTimeout      time.Duration // 1試行あたりのタイムアウト
	InterChunkPause  time.Duration // チャンク間の小休止
}

func (o BatchOptions) withDefaults() BatchOptions {
	if o.BatchSize <= 0 {
		o.BatchSize = 5
	}
	if o.MaxRetryAttempts <= 0 {
		o.MaxRetryAttempts = 2
	}
	if o.RetryDelayBase <= 0 {
		o.RetryDelayBase = 500 * time.Millisecond
	}
	if o.TaskTimeout <= 0 {
		o.TaskTimeout = 30 * time.Second
	}
	if o.InterChunkPause <= 0 {
		o.InterChunkPause = 100 * time.Millisecond
	}
	return o
}

// Batcher は項目群をチャンクに区切り、チャンクは順番に、チャンク内は
// スケジューラーの許可のもと並行に処理します。項目の失敗が一括処理を
// 中断することはなく、集計結果は常に返ります。
type Batcher struct {
	sched  *Scheduler
	logger *log.Logger
	opts   BatchOptions
}

// NewBatcher は Batcher を作成します。opts はデフォルトとして保持され、
// ProcessBatch の呼び出しごとに上書きできます。
func NewBatcher(sched *Scheduler, opts BatchOptions, logger *log.Logger) *Batcher {
	return &Batcher{
		sched:  sched,
		logger: logger,
		opts:   opts.withDefaults(),
	}
}

// ProcessBatch は languages の各要素へ processor を適用します。チャンクは
// 厳密に順番どおり処理されますが、チャンク内の完了順は不定です。
// 戻り値の Success+Failure+Dropped は常に len(languages) に一致します。
func (b *Batcher) ProcessBatch(ctx context.Context, languages []string, processor ItemProcessor, opts BatchOptions) Outcome {
	opts = b.merge(opts)

	var (
		mu  sync.Mutex
		out Outcome
	)

	for start := 0; start < len(languages); start += opts.BatchSize {
		end := start + opts.BatchSize
		if end > len(languages) {
			end = len(languages)
		}
		chunk := languages[start:end]

		var wg sync.WaitGroup
		for _, lang := range chunk {
			wg.Add(1)
			go func(lang string) {
				defer wg.Done()
				err := b.runItem(ctx, lang, processor, opts)
				mu.Lock()
				switch {
				case err == nil:
					out.Success++
				case errors.Is(err, ErrAdmissionTimeout):
					out.Dropped++
				default:
					out.Failure++
				}
				mu.Unlock()
			}(lang)
		}
		wg.Wait()

		// 上限とリザーバーに加え、チャンク間にも明示的な小休止を挟んで
		// 下流サービスを飽和させない
		if end < len(languages) {
			select {
			case <-time.After(opts.InterChunkPause):
			case <-ctx.Done():
			}
		}
	}

	return out
}

func (b *Batcher) runItem(ctx context.Context, lang string, processor ItemProcessor, opts BatchOptions) error {
	if err := b.sched.Acquire(ctx); err != nil {
		return err
	}
	defer b.sched.Release()

	var lastErr error
	for attempt := 1; attempt <= opts.MaxRetryAttempts; attempt++ {
		taskCtx, cancel := context.WithTimeout(ctx, opts.TaskTimeout)
		err := processor(taskCtx, lang)
		cancel()
		if err == nil {
			return nil
		}
		lastErr = err

		if attempt < opts.MaxRetryAttempts {
			delay := opts.RetryDelayBase*time.Duration(attempt) + retryJitter()
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}

	// ログの氾濫を避けるため、記録するのは最終的な失敗だけにする
	if b.logger != nil {
		b.logger.Printf("translation item failed lang=%s: %v", lang, lastErr)
	}
	return lastErr
}

func (b *Batcher) merge(opts BatchOptions) BatchOptions {
	if opts.BatchSize <= 0 {
		opts.BatchSize = b.opts.BatchSize
	}
	if opts.MaxRetryAttempts <= 0 {
		opts.MaxRetryAttempts = b.opts.MaxRetryAttempts
	}
	if opts.RetryDelayBase <= 0 {
		opts.RetryDelayBase = b.opts.RetryDelayBase
	}
	if opts.TaskTimeout <= 0 {
		opts.TaskTimeout = b.opts.TaskTimeout
	}
	if opts.InterChunkPause <= 0 {
		opts.InterChunkPause = b.opts.InterChunkPause
	}
	return opts
}

func retryJitter() time.Duration {
	return time.Duration(rand.Intn(250)) * time.Millisecond
}
