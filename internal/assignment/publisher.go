package assignment

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"github.com/yourusername/gradeforge/internal/jobs"
	"github.com/yourusername/gradeforge/internal/translate"
)

// 各段階のパーセンテージ目標。
const (
	pctUpdatingSettings = 10
	pctCheckingStart    = 15
	pctCheckingDone     = 22
	pctRemovingDeleted  = 24
	pctProcessingStart  = 25
	pctProcessingEnd    = 60
	pctTranslatingEnd   = 89
	pctGradingContext   = 90
	pctCompleted        = 100
)

// Store は公開パイプラインが利用するデータアクセスです。
type Store interface {
	GetAssignment(ctx context.Context, id int64) (*Assignment, error)
	UpdateAssignment(ctx context.Context, id int64, fields UpdateFields) (*Assignment, error)
	GetQuestionsByAssignment(ctx context.Context, assignmentID int64) ([]Question, error)
	UpsertQuestion(ctx context.Context, question *Question) (*Question, error)
	MarkQuestionsDeleted(ctx context.Context, ids []int64) error
	UpsertVariant(ctx context.Context, variant *Variant) (*Variant, error)
	MarkVariantsDeleted(ctx context.Context, ids []int64) error
	SetQuestionGradingContext(ctx context.Context, questionID int64, dependsOn []int64) error
	GetSupportedLanguageCodes(ctx context.Context) ([]string, error)
}

// ContentService は外部のコンテンツ検証・生成サービスです。
type ContentService interface {
	ApplyGuardrail(ctx context.Context, serializedQuestion string) (bool, error)
	ComputeGradingContext(ctx context.Context, questions []Question, assignmentID int64) (map[int64][]int64, error)
}

// StatusReporter はジョブ進捗の報告先です。
type StatusReporter interface {
	UpdateJobStatus(ctx context.Context, jobID int64, upd jobs.Update)
}

// BatchRunner は言語ファンアウトの実行器です。
type BatchRunner interface {
	ProcessBatch(ctx context.Context, languages []string, processor translate.ItemProcessor, opts translate.BatchOptions) translate.Outcome
}

// ItemTranslator は翻訳 1 件の処理です。
type ItemTranslator interface {
	TranslateItem(ctx context.Context, req translate.Request) error
}

// Publisher は公開ジョブを段階的に実行する状態機械です。各段階の境界で
// StatusReporter へ進捗を報告し、翻訳ファンアウトは BatchRunner に
// 委ねます。
type Publisher struct {
	store     Store
	content   ContentService
	batcher   BatchRunner
	items     ItemTranslator
	status    StatusReporter
	logger    *log.Logger
	batchOpts translate.BatchOptions
}

// NewPublisher は Publisher を作成します。
func NewPublisher(store Store, content ContentService, batcher BatchRunner, items ItemTranslator, status StatusReporter, opts translate.BatchOptions, logger *log.Logger) *Publisher {
	return &Publisher{
		store:     store,
		content:   content,
		batcher:   batcher,
		items:     items,
		status:    status,
		logger:    logger,
		batchOpts: opts,
	}
}

// RunPublish は公開ジョブ 1 件を実行します。回復不能なエラーが起きた
// 場合はジョブを Failed にし、エラーメッセージを進捗テキストとして
// 残した上でエラーを返します（fire-and-forget 呼び出し側のログ用）。
func (p *Publisher) RunPublish(ctx context.Context, task jobs.PublishTask) error {
	var payload PublishPayload
	if err := json.Unmarshal(task.Payload, &payload); err != nil {
		err = newError(CodeInvalidInput, "公開リクエストの内容を読み取れませんでした。", err)
		p.fail(ctx, task.JobID, err)
		return err
	}

	if err := p.publish(ctx, task.JobID, task.AssignmentID, &payload); err != nil {
		p.fail(ctx, task.JobID, err)
		return err
	}
	return nil
}

func (p *Publisher) fail(ctx context.Context, jobID int64, err error) {
	p.status.UpdateJobStatus(ctx, jobID, jobs.Update{
		Status:   jobs.StatusFailed,
		Progress: err.Error(),
	})
}

func (p *Publisher) publish(ctx context.Context, jobID, assignmentID int64, payload *PublishPayload) error {
	stored, err := p.store.GetAssignment(ctx, assignmentID)
	if err != nil {
		return err
	}
	if stored == nil {
		return newError(CodeNotFound, fmt.Sprintf("課題 %d が見つかりません。", assignmentID), nil)
	}

	// UpdatingSettings
	p.report(ctx, jobID, "課題の設定を更新しています", pctUpdatingSettings)
	fieldsChanged := HasAssignmentFieldsChanged(stored, payload)
	if _, err := p.store.UpdateAssignment(ctx, assignmentID, UpdateFields{
		Name:                    payload.Name,
		Instructions:            payload.Instructions,
		Introduction:            payload.Introduction,
		GradingCriteriaOverview: payload.GradingCriteriaOverview,
	}); err != nil {
		return err
	}

	// CheckingQuestionChanges
	p.report(ctx, jobID, "変更点を確認しています", pctCheckingStart)
	existing, err := p.store.GetQuestionsByAssignment(ctx, assignmentID)
	if err != nil {
		return err
	}
	contentChanged := HaveQuestionContentsChanged(existing, payload.Questions)
	p.report(ctx, jobID, "変更点の確認が完了しました", pctCheckingDone)

	// RemovingDeletedQuestions（該当があるときのみ）
	if deleted := missingQuestionIDs(existing, payload.Questions); len(deleted) > 0 {
		p.report(ctx, jobID, "削除された問題を整理しています", pctRemovingDeleted)
		if err := p.store.MarkQuestionsDeleted(ctx, deleted); err != nil {
			return err
		}
	}

	// ProcessingQuestions
	languages, err := p.store.GetSupportedLanguageCodes(ctx)
	if err != nil {
		return err
	}
	if err := p.processQuestions(ctx, jobID, stored, existing, payload, languages); err != nil {
		return err
	}

	// TranslatingAssignment（課題レベルか問題内容に変更があるときのみ）
	if fieldsChanged || contentChanged {
		if err := p.translateAssignment(ctx, jobID, stored, payload, languages); err != nil {
			return err
		}
	}

	// FinalizingGradingContext（問題内容の変更か初回公開のときのみ）。
	// 未公開の課題は比較対象が無く「変更なし」と判定され得るため、
	// 初回公開では必ず採点コンテキストを計算します。
	if contentChanged || !stored.Published {
		p.report(ctx, jobID, "採点コンテキストを構築しています", pctGradingContext)
		if err := p.finalizeGradingContext(ctx, assignmentID, payload); err != nil {
			return err
		}
	}

	// 最終化: 問題順を確定し、published を必ず立てる
	published := true
	if _, err := p.store.UpdateAssignment(ctx, assignmentID, UpdateFields{
		Published:     &published,
		QuestionOrder: questionOrder(payload),
	}); err != nil {
		return err
	}

	pct := pctCompleted
	p.status.UpdateJobStatus(ctx, jobID, jobs.Update{
		Status:     jobs.StatusCompleted,
		Progress:   "公開が完了しました",
		Percentage: &pct,
		Result:     map[string]any{"assignmentId": assignmentID, "published": true},
	})
	return nil
}

// processQuestions は生き残る問題を upsert し、バリアントを処理し、
// 内容が変わった問題だけを翻訳します。
func (p *Publisher) processQuestions(ctx context.Context, jobID int64, stored *Assignment, existing []Question, payload *PublishPayload, languages []string) error {
	total := len(payload.Questions)
	byID := make(map[int64]*Question, len(existing))
	for i := range existing {
		byID[existing[i].ID] = &existing[i]
	}

	for i := range payload.Questions {
		q := &payload.Questions[i]
		pct := pctProcessingStart
		if total > 0 {
			pct = pctProcessingStart + ((pctProcessingEnd-pctProcessingStart)*(i+1))/total
		}
		p.report(ctx, jobID, fmt.Sprintf("問題 %d/%d を処理しています", i+1, total), pct)

		prev := byID[q.ID]
		changed := prev == nil || QuestionContentChanged(prev, q)

		// テキストが変わった問題はガードレールを通過してから upsert する
		if prev == nil || normalizeText(prev.Text) != normalizeText(q.Text) {
			ok, err := p.content.ApplyGuardrail(ctx, serializeQuestion(q))
			if err != nil {
				return newError(CodeInternal, "コンテンツ検証に失敗しました。", err)
			}
			if !ok {
				return newError(CodeGuardrailRejected, fmt.Sprintf("問題 %d の内容が検証を通過しませんでした。", i+1), nil)
			}
		}

		q.AssignmentID = stored.ID
		saved, err := p.store.UpsertQuestion(ctx, q)
		if err != nil {
			return err
		}
		q.ID = saved.ID

		toTranslate, err := p.processVariants(ctx, prev, saved, q.Variants, payload.ForceTranslate)
		if err != nil {
			return err
		}

		if changed || payload.ForceTranslate {
			if err := p.translateQuestion(ctx, stored, saved, toTranslate, languages); err != nil {
				return err
			}
		}
	}
	return nil
}

// processVariants は incoming のバリアントを作成・更新し、保存済みに
// あって incoming に無いものをソフト削除します。翻訳が必要になった
// バリアント（新規、内容変更、または強制時の全件）を返します。
func (p *Publisher) processVariants(ctx context.Context, prev *Question, saved *Question, incoming []Variant, force bool) ([]Variant, error) {
	var prevVariants []Variant
	if prev != nil {
		prevVariants = prev.Variants
	}

	matched := make(map[int64]struct{}, len(incoming))
	var toTranslate []Variant
	for i := range incoming {
		v := incoming[i]
		v.QuestionID = saved.ID
		match := matchVariant(prevVariants, &v)
		if match != nil {
			v.ID = match.ID
			matched[match.ID] = struct{}{}
		} else {
			v.ID = 0
		}

		savedVariant, err := p.store.UpsertVariant(ctx, &v)
		if err != nil {
			return nil, err
		}

		// 新規バリアントは常に翻訳する。既存は内容か選択肢が変わった
		// 場合と強制フラグ時のみ
		if match == nil || force || VariantContentChanged(match, &v) {
			toTranslate = append(toTranslate, *savedVariant)
		}
	}

	var removed []int64
	for i := range prevVariants {
		if _, ok := matched[prevVariants[i].ID]; !ok {
			removed = append(removed, prevVariants[i].ID)
		}
	}
	if len(removed) > 0 {
		if err := p.store.MarkVariantsDeleted(ctx, removed); err != nil {
			return nil, err
		}
	}
	return toTranslate, nil
}

// translateQuestion は 1 問（本体と対象バリアント）を全対応言語へ
// ファンアウトします。
func (p *Publisher) translateQuestion(ctx context.Context, stored *Assignment, q *Question, variants []Variant, languages []string) error {
	if len(languages) == 0 {
		return nil
	}
	requests := make([]translate.Request, 0, 1+len(variants))
	requests = append(requests, translate.Request{
		AssignmentID:   stored.ID,
		QuestionID:     q.ID,
		Text:           q.Text,
		Choices:        toTranslateChoices(q.Choices),
		SourceLanguage: stored.Language,
	})
	for i := range variants {
		requests = append(requests, translate.Request{
			AssignmentID:   stored.ID,
			QuestionID:     q.ID,
			VariantID:      variants[i].ID,
			Text:           variants[i].Content,
			Choices:        toTranslateChoices(variants[i].Choices),
			SourceLanguage: stored.Language,
		})
	}

	outcome := p.batcher.ProcessBatch(ctx, languages, func(ctx context.Context, lang string) error {
		for _, req := range requests {
			req.TargetLanguage = lang
			if err := p.items.TranslateItem(ctx, req); err != nil {
				return err
			}
		}
		return nil
	}, p.batchOpts)

	if outcome.Failure > 0 || outcome.Dropped > 0 {
		p.logf("question %d translation finished with success=%d failure=%d dropped=%d", q.ID, outcome.Success, outcome.Failure, outcome.Dropped)
	}
	return nil
}

// translateAssignment は課題レベルの項目を全対応言語へファンアウト
// します。進捗は 60〜89%% の窓で報告されます。
func (p *Publisher) translateAssignment(ctx context.Context, jobID int64, stored *Assignment, payload *PublishPayload, languages []string) error {
	if len(languages) == 0 {
		return nil
	}
	texts := assignmentTexts(stored, payload)
	tracker := translate.NewProgressTracker(len(languages), len(texts)*len(languages), pctProcessingEnd, pctTranslatingEnd, "課題を翻訳しています")

	outcome := p.batcher.ProcessBatch(ctx, languages, func(ctx context.Context, lang string) error {
		for _, text := range texts {
			err := p.items.TranslateItem(ctx, translate.Request{
				AssignmentID:   stored.ID,
				Text:           text,
				SourceLanguage: stored.Language,
				TargetLanguage: lang,
			})
			if err != nil {
				return err
			}
			tracker.CompleteItem()
		}
		tracker.CompleteLanguage()
		label, pct := tracker.Snapshot()
		p.report(ctx, jobID, label, pct)
		return nil
	}, p.batchOpts)

	if outcome.Failure > 0 || outcome.Dropped > 0 {
		p.logf("assignment %d translation finished with success=%d failure=%d dropped=%d", stored.ID, outcome.Success, outcome.Failure, outcome.Dropped)
	}
	return nil
}

// finalizeGradingContext は問題間の意味的依存関係を外部サービスで
// 計算し、問題ごとに保存します。
func (p *Publisher) finalizeGradingContext(ctx context.Context, assignmentID int64, payload *PublishPayload) error {
	ordered := orderedQuestions(payload)
	contexts, err := p.content.ComputeGradingContext(ctx, ordered, assignmentID)
	if err != nil {
		return newError(CodeInternal, "採点コンテキストの計算に失敗しました。", err)
	}
	for questionID, dependsOn := range contexts {
		if err := p.store.SetQuestionGradingContext(ctx, questionID, dependsOn); err != nil {
			return err
		}
	}
	return nil
}

func (p *Publisher) report(ctx context.Context, jobID int64, progress string, pct int) {
	p.status.UpdateJobStatus(ctx, jobID, jobs.Update{
		Status:     jobs.StatusInProgress,
		Progress:   progress,
		Percentage: &pct,
	})
}

func (p *Publisher) logf(format string, args ...any) {
	if p.logger != nil {
		p.logger.Printf(format, args...)
	}
}

// serializeQuestion はガードレール検証へ渡す問題の表現を作ります。
func serializeQuestion(q *Question) string {
	raw, err := json.Marshal(map[string]any{
		"question": q.Text,
		"type":     q.Type,
		"choices":  q.Choices,
	})
	if err != nil {
		return q.Text
	}
	return string(raw)
}

func toTranslateChoices(choices []Choice) []translate.Choice {
	if len(choices) == 0 {
		return nil
	}
	out := make([]translate.Choice, len(choices))
	for i, c := range choices {
		out[i] = translate.Choice{
			Text:      c.Text,
			Feedback:  c.Feedback,
			IsCorrect: c.IsCorrect,
		}
	}
	return out
}

func assignmentTexts(stored *Assignment, payload *PublishPayload) []string {
	fields := []string{
		normalizePtr(payload.Name),
		normalizePtr(payload.Instructions),
		normalizePtr(payload.Introduction),
		normalizePtr(payload.GradingCriteriaOverview),
	}
	var texts []string
	for _, f := range fields {
		if f != "" {
			texts = append(texts, f)
		}
	}
	return texts
}

func questionOrder(payload *PublishPayload) []int64 {
	if len(payload.QuestionOrder) > 0 {
		return payload.QuestionOrder
	}
	order := make([]int64, 0, len(payload.Questions))
	for i := range payload.Questions {
		if payload.Questions[i].ID != 0 {
			order = append(order, payload.Questions[i].ID)
		}
	}
	return order
}

func orderedQuestions(payload *PublishPayload) []Question {
	if len(payload.QuestionOrder) == 0 {
		return payload.Questions
	}
	byID := make(map[int64]Question, len(payload.Questions))
	for _, q := range payload.Questions {
		byID[q.ID] = q
	}
	ordered := make([]Question, 0, len(payload.Questions))
	for _, id := range payload.QuestionOrder {
		if q, ok := byID[id]; ok {
			ordered = append(ordered, q)
		}
	}
	// 順序指定に含まれない問題は末尾に付ける
	seen := make(map[int64]struct{}, len(payload.QuestionOrder))
	for _, id := range payload.QuestionOrder {
		seen[id] = struct{}{}
	}
	for _, q := range payload.Questions {
		if _, ok := seen[q.ID]; !ok {
			ordered = append(ordered, q)
		}
	}
	return ordered
}
