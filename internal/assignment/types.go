// Package assignment は課題の公開パイプラインを提供します。公開は
// 多段のバックグラウンドジョブとして実行され、進捗はジョブ状態
// マネージャー経由で報告されます。
package assignment

// Assignment は保存済みの課題です。
type Assignment struct {
	ID                      int64   `json:"id"`
	Name                    string  `json:"name"`
	Instructions            string  `json:"instructions"`
	Introduction            string  `json:"introduction"`
	GradingCriteriaOverview string  `json:"gradingCriteriaOverview"`
	Language                string  `json:"language"`
	Published               bool    `json:"published"`
	QuestionOrder           []int64 `json:"questionOrder"`
}

// Choice は問題の選択肢です。
type Choice struct {
	ID        int64  `json:"id"`
	Text      string `json:"text"`
	Feedback  string `json:"feedback,omitempty"`
	IsCorrect bool   `json:"isCorrect"`
}

// Variant は問題のバリアントです。クライアントから送られてくる新規
// バリアントはまだ ID を持たないことがあります。
type Variant struct {
	ID         int64    `json:"id"`
	QuestionID int64    `json:"questionId"`
	Content    string   `json:"content"`
	Choices    []Choice `json:"choices,omitempty"`
	IsDeleted  bool     `json:"isDeleted,omitempty"`
}

// Question は課題内の問題です。Text と Type と Choices と Variants が
// 変更検出の対象で、配点などのメタデータは対象外です。
type Question struct {
	ID                int64     `json:"id"`
	AssignmentID      int64     `json:"assignmentId"`
	Text              string    `json:"question"`
	Type              string    `json:"type"`
	Choices           []Choice  `json:"choices,omitempty"`
	Variants          []Variant `json:"variants,omitempty"`
	TotalPoints       float64   `json:"totalPoints"`
	MaxWords          int       `json:"maxWords,omitempty"`
	MaxCharacters     int       `json:"maxCharacters,omitempty"`
	GradingContextIDs []int64   `json:"gradingContextIds,omitempty"`
	IsDeleted         bool      `json:"isDeleted,omitempty"`
}

// PublishPayload は公開リクエストの本体です。課題レベルの項目は
// 省略可能（null 許容）で、変更検出では null と空文字列は同値として
// 扱われます。
type PublishPayload struct {
	Name                    *string    `json:"name"`
	Instructions            *string    `json:"instructions"`
	Introduction            *string    `json:"introduction"`
	GradingCriteriaOverview *string    `json:"gradingCriteriaOverview"`
	QuestionOrder           []int64    `json:"questionOrder,omitempty"`
	Questions               []Question `json:"questions"`
	ForceTranslate          bool       `json:"forceTranslate,omitempty"`
}

// UpdateFields は課題レコードへの部分更新です。nil のフィールドは
// 変更されません。
type UpdateFields struct {
	Name                    *string
	Instructions            *string
	Introduction            *string
	GradingCriteriaOverview *string
	Published               *bool
	QuestionOrder           []int64
}
