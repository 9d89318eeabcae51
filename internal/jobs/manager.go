package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"
	"unicode/utf8"

	"github.com/hibiken/asynq"
)

const (
	taskTypePublish = "assignment:publish"
	publishQueue    = "publish"
)

// StatusStore はジョブレコードの永続化を提供します。Redis 実装は Store
// ですが、テストでは失敗を注入するスタブに差し替えられます。
type StatusStore interface {
	NextID(ctx context.Context) (int64, error)
	Create(ctx context.Context, record *Record) error
	Get(ctx context.Context, jobID int64) (*Record, error)
	PublishExists(ctx context.Context, jobID int64) (bool, error)
	Update(ctx context.Context, jobID int64, mutate func(*Record)) error
}

// PublishTask は公開ジョブのペイロードです。
type PublishTask struct {
	JobID          int64           `json:"jobId"`
	AssignmentID   int64           `json:"assignmentId"`
	UserID         string          `json:"userId"`
	Payload        json.RawMessage `json:"payload"`
	IdempotencyKey string          `json:"idempotencyKey"`
}

// PublishRunner は公開ジョブの本体処理を実行します。
type PublishRunner interface {
	RunPublish(ctx context.Context, task PublishTask) error
}

// Manager はジョブの作成・状態更新・ライブ配信・キュー投入を担います。
// 進捗報告はすべてこの型を経由します。
type Manager struct {
	store     StatusStore
	hub       *Hub
	client    *asynq.Client
	server    *asynq.Server
	mux       *asynq.ServeMux
	runner    PublishRunner
	logger    *log.Logger
	retryBase time.Duration
}

// NewManager は Manager を初期化します。公開ジョブを処理する runner は
// StartWorkers の前に RegisterPublishRunner で登録します。
func NewManager(redisURI string, store StatusStore, hub *Hub, logger *log.Logger) (*Manager, error) {
	if store == nil {
		return nil, errors.New("store is nil")
	}
	if hub == nil {
		return nil, errors.New("hub is nil")
	}
	opt, err := asynq.ParseRedisURI(redisURI)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}

	client := asynq.NewClient(opt)
	server := asynq.NewServer(
		opt,
		asynq.Config{
			Concurrency: 4,
			Queues: map[string]int{
				publishQueue: 1,
			},
		},
	)

	mux := asynq.NewServeMux()
	manager := &Manager{
		store:     store,
		hub:       hub,
		client:    client,
		server:    server,
		mux:       mux,
		logger:    logger,
		retryBase: 100 * time.Millisecond,
	}
	mux.HandleFunc(taskTypePublish, manager.handlePublishTask)
	return manager, nil
}

// RegisterPublishRunner は公開ジョブの実行者を登録します。
func (m *Manager) RegisterPublishRunner(runner PublishRunner) {
	m.runner = runner
}

// StartWorkers は Asynq サーバーをバックグラウンドで起動します。
func (m *Manager) StartWorkers() {
	go func() {
		if err := m.server.Run(m.mux); err != nil && err != asynq.ErrServerClosed {
			if m.logger != nil {
				m.logger.Printf("asynq server stopped with error: %v", err)
			} else {
				log.Printf("asynq server stopped with error: %v", err)
			}
		}
	}()
}

// Shutdown はサーバーとクライアントを閉じます。
func (m *Manager) Shutdown(ctx context.Context) error {
	m.server.Shutdown()
	m.client.Close()
	return nil
}

// CreateJob は汎用ジョブを Pending 状態で作成します。
func (m *Manager) CreateJob(ctx context.Context, assignmentID int64, userID string) (*Record, error) {
	return m.create(ctx, KindGeneric, StatusPending, assignmentID, userID)
}

// CreatePublishJob は公開ジョブを In Progress 状態で作成します。
// 公開ジョブはパーセンテージを持ちます。
func (m *Manager) CreatePublishJob(ctx context.Context, assignmentID int64, userID string) (*Record, error) {
	record, err := m.create(ctx, KindPublish, StatusInProgress, assignmentID, userID)
	if err != nil {
		return nil, err
	}
	return record, nil
}

func (m *Manager) create(ctx context.Context, kind Kind, status Status, assignmentID int64, userID string) (*Record, error) {
	id, err := m.store.NextID(ctx)
	if err != nil {
		return nil, err
	}
	record := &Record{
		JobID:        id,
		Kind:         kind,
		AssignmentID: assignmentID,
		UserID:       userID,
		Status:       status,
	}
	if kind == KindPublish {
		zero := 0
		record.Percentage = &zero
	}
	if err := m.store.Create(ctx, record); err != nil {
		return nil, err
	}
	return record, nil
}

// GetJobStatus はジョブの現在状態を返します。見つからない場合は (nil, nil) です。
func (m *Manager) GetJobStatus(ctx context.Context, jobID int64) (*Record, error) {
	return m.store.Get(ctx, jobID)
}

// SubscribeStatus はジョブのライブ状態チャネルを購読します。
func (m *Manager) SubscribeStatus(jobID int64) *Subscriber {
	return m.hub.Subscribe(jobID)
}

// CleanupStream はジョブのライブ状態チャネルを破棄します。冪等です。
func (m *Manager) CleanupStream(jobID int64) {
	m.hub.Cleanup(jobID)
}

// UpdateJobStatus はジョブ状態を更新します。永続化が繰り返し失敗しても
// エラーは返さず、ライブ配信だけは必ず行います。ストア障害でジョブを
// Failed にしない（可観測性を可用性側に倒す）という方針です。
func (m *Manager) UpdateJobStatus(ctx context.Context, jobID int64, upd Update) {
	sane := m.sanitize(jobID, upd)

	isPublish, err := m.store.PublishExists(ctx, jobID)
	if err != nil {
		// 種別の導出自体に失敗した場合も状態は落とさず、通知のみ行う
		m.logf("job %d: failed to resolve job kind: %v", jobID, err)
		sane.status = StatusInProgress
		m.emit(jobID, sane)
		return
	}
	if !isPublish {
		// 汎用ジョブはパーセンテージを持たない
		sane.percentage = nil
	}

	var writeErr error
	for attempt := 0; attempt < storeWriteAttempts; attempt++ {
		writeErr = m.store.Update(ctx, jobID, func(r *Record) {
			applyUpdate(r, sane)
		})
		if writeErr == nil {
			break
		}
		if attempt < storeWriteAttempts-1 {
			time.Sleep(m.retryBase << attempt)
		}
	}
	if writeErr != nil {
		m.logf("job %d: giving up on status write after %d attempts: %v", jobID, storeWriteAttempts, writeErr)
	}

	// 永続化の成否に関わらずライブ購読者には最新状態を配信する
	m.emit(jobID, sane)
}

type sanitizedUpdate struct {
	status     Status
	progress   string
	percentage *int
	result     json.RawMessage
}

func (m *Manager) sanitize(jobID int64, upd Update) sanitizedUpdate {
	sane := sanitizedUpdate{
		status:     upd.Status,
		progress:   truncateRunes(upd.Progress, maxProgressLen),
		percentage: upd.Percentage,
	}
	if upd.Percentage != nil {
		p := clampPercent(*upd.Percentage)
		sane.percentage = &p
	}
	if upd.Result != nil {
		raw, err := json.Marshal(upd.Result)
		if err != nil {
			m.logf("job %d: failed to serialize result payload: %v", jobID, err)
		} else {
			sane.result = raw
		}
	}
	return sane
}

func applyUpdate(r *Record, sane sanitizedUpdate) {
	if sane.status != "" {
		r.Status = sane.status
	}
	if sane.progress != "" {
		r.Progress = sane.progress
	}
	if sane.percentage != nil {
		r.Percentage = sane.percentage
	}
	if sane.result != nil && r.Status.Terminal() {
		r.Result = sane.result
	}
}

func (m *Manager) emit(jobID int64, sane sanitizedUpdate) {
	eventType := EventUpdate
	switch sane.status {
	case StatusCompleted:
		eventType = EventFinalize
	case StatusFailed:
		eventType = EventError
	}
	m.hub.Emit(jobID, StatusEvent{
		Type: eventType,
		Data: EventData{
			Timestamp:  time.Now().UTC(),
			Status:     sane.status,
			Progress:   sane.progress,
			Percentage: sane.percentage,
			Result:     sane.result,
			Done:       sane.status.Terminal(),
		},
	})
}

// EnqueuePublish は公開ジョブをキューに投入します。オーケストレーターが
// 自前で失敗を報告するため、Asynq 側のリトライは行いません。冪等キーは
// Asynq のタスク ID として使い、同じキーの再投入は重複排除されます。
func (m *Manager) EnqueuePublish(ctx context.Context, task PublishTask) error {
	if task.JobID == 0 {
		return fmt.Errorf("task.JobID is required")
	}
	body, err := json.Marshal(task)
	if err != nil {
		return err
	}
	t := asynq.NewTask(taskTypePublish, body)
	_, err = m.client.EnqueueContext(ctx, t, m.enqueueOptions(task)...)
	if errors.Is(err, asynq.ErrTaskIDConflict) {
		// 同じ冪等キーのタスクが既に投入済み。二重実行させない
		m.logf("publish job %d: duplicate enqueue suppressed (idempotency key %s)", task.JobID, task.IdempotencyKey)
		return nil
	}
	return err
}

func (m *Manager) enqueueOptions(task PublishTask) []asynq.Option {
	opts := []asynq.Option{asynq.Queue(publishQueue), asynq.MaxRetry(0)}
	if task.IdempotencyKey != "" {
		opts = append(opts, asynq.TaskID(task.IdempotencyKey))
	}
	return opts
}

func (m *Manager) handlePublishTask(ctx context.Context, task *asynq.Task) error {
	var payload PublishTask
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return err
	}
	if payload.JobID == 0 {
		return fmt.Errorf("missing jobId in payload")
	}
	if m.runner == nil {
		return fmt.Errorf("no publish runner registered")
	}

	if err := m.runner.RunPublish(ctx, payload); err != nil {
		// ジョブ自体は RunPublish 内で Failed 扱いになっている。
		// fire-and-forget 呼び出しのエラーフックとしてここで記録する
		m.logf("publish job %d failed: %v", payload.JobID, err)
		return err
	}
	return nil
}

func (m *Manager) logf(format string, args ...any) {
	if m.logger != nil {
		m.logger.Printf(format, args...)
	}
}

func clampPercent(p int) int {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}

func truncateRunes(s string, limit int) string {
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	runes := []rune(s)
	return string(runes[:limit])
}
