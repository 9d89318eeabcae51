package jobs

import (
	"encoding/json"
	"time"
)

// Status はジョブの実行状態を表します。
type Status string

const (
	StatusPending    Status = "Pending"
	StatusInProgress Status = "In Progress"
	StatusCompleted  Status = "Completed"
	StatusFailed     Status = "Failed"
)

// Terminal はそれ以上遷移しない状態かどうかを返します。
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Kind はジョブの種別を表します。公開ジョブはパーセンテージを持ち、
// 更新時の扱いが汎用ジョブと異なります。
type Kind string

const (
	KindGeneric Kind = "generic"
	KindPublish Kind = "publish"
)

// Record はジョブの現在状態を表します。
type Record struct {
	JobID        int64           `json:"jobId"`
	Kind         Kind            `json:"kind"`
	AssignmentID int64           `json:"assignmentId"`
	UserID       string          `json:"userId"`
	Status       Status          `json:"status"`
	Progress     string          `json:"progress"`
	Percentage   *int            `json:"percentage,omitempty"`
	Result       json.RawMessage `json:"result,omitempty"`
	CreatedAt    time.Time       `json:"createdAt"`
	UpdatedAt    time.Time       `json:"updatedAt"`
}

// Update はジョブ状態に適用する部分更新です。
type Update struct {
	Status     Status
	Progress   string
	Percentage *int
	Result     any
}

// イベント種別。ライブ状態チャネルに流れるイベントはこのいずれかを持ちます。
const (
	EventUpdate   = "update"
	EventFinalize = "finalize"
	EventError    = "error"
	EventSummary  = "summary"
	EventClose    = "close"
)

// EventData はライブ状態イベントの本体です。
type EventData struct {
	Timestamp  time.Time       `json:"timestamp"`
	Status     Status          `json:"status"`
	Progress   string          `json:"progress"`
	Percentage *int            `json:"percentage,omitempty"`
	Result     json.RawMessage `json:"result,omitempty"`
	Done       bool            `json:"done"`
}

// StatusEvent はライブ状態チャネルで購読者へ配信されるイベントです。
type StatusEvent struct {
	Type string    `json:"type"`
	Data EventData `json:"data"`
}

// 進捗テキストの最大長（文字数）。超過分は切り詰められます。
const maxProgressLen = 255

// 永続化の最大試行回数。失敗しても進捗の可視性を止めないため、
// 使い切ったら書き込みは諦めてイベント配信のみ行います。
const storeWriteAttempts = 3
