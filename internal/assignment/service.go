package assignment

import (
	"context"
	"encoding/json"
	"log"

	"github.com/google/uuid"

	"github.com/yourusername/gradeforge/internal/jobs"
)

// JobDispatcher はジョブ作成とキュー投入を提供します。jobs.Manager が
// 実装します。
type JobDispatcher interface {
	CreatePublishJob(ctx context.Context, assignmentID int64, userID string) (*jobs.Record, error)
	EnqueuePublish(ctx context.Context, task jobs.PublishTask) error
	UpdateJobStatus(ctx context.Context, jobID int64, upd jobs.Update)
}

// Service は公開 API の入口です。公開リクエストを受けてジョブを作成し、
// 実処理はキューに投入して即座に応答します。
type Service struct {
	dispatcher JobDispatcher
	logger     *log.Logger
}

// NewService は Service を作成します。
func NewService(dispatcher JobDispatcher, logger *log.Logger) *Service {
	return &Service{
		dispatcher: dispatcher,
		logger:     logger,
	}
}

// StartPublish は公開ジョブを作成してキューへ投入し、ジョブIDを返します。
// 呼び出し元は返されたジョブIDで進捗を購読できます。
func (s *Service) StartPublish(ctx context.Context, assignmentID int64, payload PublishPayload, userID string) (int64, error) {
	record, err := s.dispatcher.CreatePublishJob(ctx, assignmentID, userID)
	if err != nil {
		return 0, err
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return 0, newError(CodeInvalidInput, "公開リクエストの内容を変換できませんでした。", err)
	}

	task := jobs.PublishTask{
		JobID:          record.JobID,
		AssignmentID:   assignmentID,
		UserID:         userID,
		Payload:        body,
		IdempotencyKey: uuid.NewString(),
	}
	if err := s.dispatcher.EnqueuePublish(ctx, task); err != nil {
		// 投入に失敗したジョブを In Progress のまま残さない
		s.dispatcher.UpdateJobStatus(ctx, record.JobID, jobs.Update{
			Status:   jobs.StatusFailed,
			Progress: "公開ジョブの開始に失敗しました",
		})
		return 0, err
	}
	return record.JobID, nil
}
