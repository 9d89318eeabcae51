package assignment

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/yourusername/gradeforge/internal/jobs"
	"github.com/yourusername/gradeforge/internal/translate"
)

type fakeStore struct {
	assignment       *Assignment
	questions        []Question
	updates          []UpdateFields
	upserted         []Question
	upsertedVariants []Variant
	deletedQuestions []int64
	deletedVariants  []int64
	gradingContexts  map[int64][]int64
	languages        []string
	nextID           int64
}

func newFakeStore(a *Assignment, questions []Question, languages []string) *fakeStore {
	return &fakeStore{
		assignment:      a,
		questions:       questions,
		languages:       languages,
		gradingContexts: map[int64][]int64{},
		nextID:          1000,
	}
}

func (s *fakeStore) GetAssignment(ctx context.Context, id int64) (*Assignment, error) {
	if s.assignment == nil || s.assignment.ID != id {
		return nil, nil
	}
	clone := *s.assignment
	return &clone, nil
}

func (s *fakeStore) UpdateAssignment(ctx context.Context, id int64, fields UpdateFields) (*Assignment, error) {
	s.updates = append(s.updates, fields)
	if fields.Published != nil {
		s.assignment.Published = *fields.Published
	}
	if fields.QuestionOrder != nil {
		s.assignment.QuestionOrder = fields.QuestionOrder
	}
	clone := *s.assignment
	return &clone, nil
}

func (s *fakeStore) GetQuestionsByAssignment(ctx context.Context, assignmentID int64) ([]Question, error) {
	return s.questions, nil
}

func (s *fakeStore) UpsertQuestion(ctx context.Context, question *Question) (*Question, error) {
	saved := *question
	if saved.ID == 0 {
		s.nextID++
		saved.ID = s.nextID
	}
	s.upserted = append(s.upserted, saved)
	return &saved, nil
}

func (s *fakeStore) MarkQuestionsDeleted(ctx context.Context, ids []int64) error {
	s.deletedQuestions = append(s.deletedQuestions, ids...)
	return nil
}

func (s *fakeStore) UpsertVariant(ctx context.Context, variant *Variant) (*Variant, error) {
	saved := *variant
	if saved.ID == 0 {
		s.nextID++
		saved.ID = s.nextID
	}
	s.upsertedVariants = append(s.upsertedVariants, saved)
	return &saved, nil
}

func (s *fakeStore) MarkVariantsDeleted(ctx context.Context, ids []int64) error {
	s.deletedVariants = append(s.deletedVariants, ids...)
	return nil
}

func (s *fakeStore) SetQuestionGradingContext(ctx context.Context, questionID int64, dependsOn []int64) error {
	s.gradingContexts[questionID] = dependsOn
	return nil
}

func (s *fakeStore) GetSupportedLanguageCodes(ctx context.Context) ([]string, error) {
	return s.languages, nil
}

type fakeContent struct {
	guardrailOK     bool
	guardrailErr    error
	guardrailCalls  int
	gradingCalls    int
	gradingContexts map[int64][]int64
}

func (c *fakeContent) ApplyGuardrail(ctx context.Context, serializedQuestion string) (bool, error) {
	c.guardrailCalls++
	return c.guardrailOK, c.guardrailErr
}

func (c *fakeContent) ComputeGradingContext(ctx context.Context, questions []Question, assignmentID int64) (map[int64][]int64, error) {
	c.gradingCalls++
	if c.gradingContexts != nil {
		return c.gradingContexts, nil
	}
	return map[int64][]int64{}, nil
}

// syncBatcher は言語を順に同期処理します。
type syncBatcher struct{}

func (syncBatcher) ProcessBatch(ctx context.Context, languages []string, processor translate.ItemProcessor, opts translate.BatchOptions) translate.Outcome {
	var out translate.Outcome
	for _, lang := range languages {
		if err := processor(ctx, lang); err != nil {
			out.Failure++
			continue
		}
		out.Success++
	}
	return out
}

type recordingTranslator struct {
	requests []translate.Request
}

func (r *recordingTranslator) TranslateItem(ctx context.Context, req translate.Request) error {
	r.requests = append(r.requests, req)
	return nil
}

type recordingReporter struct {
	updates []jobs.Update
}

func (r *recordingReporter) UpdateJobStatus(ctx context.Context, jobID int64, upd jobs.Update) {
	r.updates = append(r.updates, upd)
}

func (r *recordingReporter) last() jobs.Update {
	if len(r.updates) == 0 {
		return jobs.Update{}
	}
	return r.updates[len(r.updates)-1]
}

func mustTask(t *testing.T, jobID, assignmentID int64, payload PublishPayload) jobs.PublishTask {
	t.Helper()
	body, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("failed to marshal payload: %v", err)
	}
	return jobs.PublishTask{JobID: jobID, AssignmentID: assignmentID, Payload: body}
}

func newTestPublisher(store *fakeStore, content *fakeContent, items *recordingTranslator, reporter *recordingReporter) *Publisher {
	return NewPublisher(store, content, syncBatcher{}, items, reporter, translate.BatchOptions{}, nil)
}

func TestRunPublishFirstPublication(t *testing.T) {
	store := newFakeStore(
		&Assignment{ID: 1, Name: "中間試験", Language: "ja", Published: false},
		nil,
		[]string{"en", "de"},
	)
	content := &fakeContent{guardrailOK: true, gradingContexts: map[int64][]int64{1001: {}}}
	items := &recordingTranslator{}
	reporter := &recordingReporter{}
	p := newTestPublisher(store, content, items, reporter)

	task := mustTask(t, 7, 1, PublishPayload{
		Name: strPtr("中間試験"),
		Questions: []Question{
			{Text: "首都はどこですか", Type: "multiple_choice", Choices: []Choice{{ID: 1, Text: "東京", IsCorrect: true}}},
		},
	})

	if err := p.RunPublish(context.Background(), task); err != nil {
		t.Fatalf("RunPublish returned error: %v", err)
	}

	if content.guardrailCalls != 1 {
		t.Fatalf("guardrail calls = %d, want 1", content.guardrailCalls)
	}
	if len(store.upserted) != 1 {
		t.Fatalf("upserted questions = %d, want 1", len(store.upserted))
	}
	// 初回公開は変更なしでも採点コンテキストを必ず計算する
	if content.gradingCalls != 1 {
		t.Fatalf("grading context calls = %d, want 1", content.gradingCalls)
	}
	if !store.assignment.Published {
		t.Fatal("finalize should set published=true")
	}

	last := reporter.last()
	if last.Status != jobs.StatusCompleted {
		t.Fatalf("final status = %q, want %q", last.Status, jobs.StatusCompleted)
	}
	if last.Percentage == nil || *last.Percentage != 100 {
		t.Fatalf("final percentage = %v, want 100", last.Percentage)
	}
	if last.Result == nil {
		t.Fatal("final update should carry a result")
	}

	// 新規問題と課題名がそれぞれ全対応言語へ翻訳される
	if len(items.requests) != 4 {
		t.Fatalf("translate requests = %d, want 4 (question and name, per language)", len(items.requests))
	}
}

func TestRunPublishGuardrailRejection(t *testing.T) {
	store := newFakeStore(
		&Assignment{ID: 1, Language: "ja"},
		nil,
		[]string{"en"},
	)
	content := &fakeContent{guardrailOK: false}
	items := &recordingTranslator{}
	reporter := &recordingReporter{}
	p := newTestPublisher(store, content, items, reporter)

	task := mustTask(t, 7, 1, PublishPayload{
		Questions: []Question{{Text: "不適切な内容", Type: "text"}},
	})

	err := p.RunPublish(context.Background(), task)
	if err == nil {
		t.Fatal("expected guardrail rejection error")
	}
	var apiErr *Error
	if !errors.As(err, &apiErr) || apiErr.Code != CodeGuardrailRejected {
		t.Fatalf("error = %v, want code %s", err, CodeGuardrailRejected)
	}

	// 拒否された問題は保存されない
	if len(store.upserted) != 0 {
		t.Fatalf("upserted questions = %d, want 0", len(store.upserted))
	}
	if store.assignment.Published {
		t.Fatal("rejected publish must not mark the assignment published")
	}
	last := reporter.last()
	if last.Status != jobs.StatusFailed {
		t.Fatalf("final status = %q, want %q", last.Status, jobs.StatusFailed)
	}
}

func TestRunPublishUnchangedRepublishSkipsExpensiveSteps(t *testing.T) {
	existing := []Question{{ID: 5, AssignmentID: 1, Text: "首都はどこですか", Type: "text"}}
	store := newFakeStore(
		&Assignment{ID: 1, Name: "中間試験", Language: "ja", Published: true},
		existing,
		[]string{"en"},
	)
	content := &fakeContent{guardrailOK: true}
	items := &recordingTranslator{}
	reporter := &recordingReporter{}
	p := newTestPublisher(store, content, items, reporter)

	task := mustTask(t, 7, 1, PublishPayload{
		Name:      strPtr("中間試験"),
		Questions: []Question{{ID: 5, Text: "首都はどこですか", Type: "text"}},
	})

	if err := p.RunPublish(context.Background(), task); err != nil {
		t.Fatalf("RunPublish returned error: %v", err)
	}

	// 変更なしの再公開ではガードレールも翻訳も採点コンテキストも走らない
	if content.guardrailCalls != 0 {
		t.Fatalf("guardrail calls = %d, want 0", content.guardrailCalls)
	}
	if len(items.requests) != 0 {
		t.Fatalf("translate requests = %d, want 0", len(items.requests))
	}
	if content.gradingCalls != 0 {
		t.Fatalf("grading context calls = %d, want 0", content.gradingCalls)
	}
	// それでも published は改めて立て、100% で完了する
	if !store.assignment.Published {
		t.Fatal("republish should keep the assignment published")
	}
	if last := reporter.last(); last.Status != jobs.StatusCompleted {
		t.Fatalf("final status = %q, want %q", last.Status, jobs.StatusCompleted)
	}
}

func TestRunPublishRemovesDeletedQuestions(t *testing.T) {
	existing := []Question{
		{ID: 5, Text: "残る問題", Type: "text"},
		{ID: 6, Text: "消える問題", Type: "text"},
	}
	store := newFakeStore(
		&Assignment{ID: 1, Language: "ja", Published: true},
		existing,
		nil,
	)
	content := &fakeContent{guardrailOK: true}
	items := &recordingTranslator{}
	reporter := &recordingReporter{}
	p := newTestPublisher(store, content, items, reporter)

	task := mustTask(t, 7, 1, PublishPayload{
		Questions: []Question{{ID: 5, Text: "残る問題", Type: "text"}},
	})

	if err := p.RunPublish(context.Background(), task); err != nil {
		t.Fatalf("RunPublish returned error: %v", err)
	}
	if len(store.deletedQuestions) != 1 || store.deletedQuestions[0] != 6 {
		t.Fatalf("deleted questions = %v, want [6]", store.deletedQuestions)
	}
}

func TestRunPublishMissingAssignment(t *testing.T) {
	store := newFakeStore(nil, nil, nil)
	content := &fakeContent{guardrailOK: true}
	reporter := &recordingReporter{}
	p := newTestPublisher(store, content, &recordingTranslator{}, reporter)

	task := mustTask(t, 7, 99, PublishPayload{})
	err := p.RunPublish(context.Background(), task)
	if err == nil {
		t.Fatal("expected not-found error")
	}
	var apiErr *Error
	if !errors.As(err, &apiErr) || apiErr.Code != CodeNotFound {
		t.Fatalf("error = %v, want code %s", err, CodeNotFound)
	}
	if last := reporter.last(); last.Status != jobs.StatusFailed {
		t.Fatalf("final status = %q, want %q", last.Status, jobs.StatusFailed)
	}
}

func TestRunPublishVariantLifecycle(t *testing.T) {
	existing := []Question{{
		ID:   5,
		Text: "首都はどこですか",
		Type: "text",
		Variants: []Variant{
			{ID: 21, QuestionID: 5, Content: "変わらないバリアント"},
			{ID: 22, QuestionID: 5, Content: "消えるバリアント"},
		},
	}}
	store := newFakeStore(
		&Assignment{ID: 1, Language: "ja", Published: true},
		existing,
		[]string{"en"},
	)
	content := &fakeContent{guardrailOK: true}
	items := &recordingTranslator{}
	reporter := &recordingReporter{}
	p := newTestPublisher(store, content, items, reporter)

	task := mustTask(t, 7, 1, PublishPayload{
		Questions: []Question{{
			ID:   5,
			Text: "首都はどこですか",
			Type: "text",
			Variants: []Variant{
				{ID: 21, Content: "変わらないバリアント"},
				{Content: "新しいバリアント"},
			},
		}},
	})

	if err := p.RunPublish(context.Background(), task); err != nil {
		t.Fatalf("RunPublish returned error: %v", err)
	}

	if len(store.deletedVariants) != 1 || store.deletedVariants[0] != 22 {
		t.Fatalf("deleted variants = %v, want [22]", store.deletedVariants)
	}
	if len(store.upsertedVariants) != 2 {
		t.Fatalf("upserted variants = %d, want 2", len(store.upsertedVariants))
	}
	// バリアントの増減は内容変更なので問題全体が翻訳対象になる
	if len(items.requests) == 0 {
		t.Fatal("variant changes should trigger translation")
	}
}

func TestRunPublishBadPayload(t *testing.T) {
	store := newFakeStore(&Assignment{ID: 1}, nil, nil)
	reporter := &recordingReporter{}
	p := newTestPublisher(store, &fakeContent{guardrailOK: true}, &recordingTranslator{}, reporter)

	err := p.RunPublish(context.Background(), jobs.PublishTask{
		JobID:        7,
		AssignmentID: 1,
		Payload:      json.RawMessage(`{not json`),
	})
	if err == nil {
		t.Fatal("expected unmarshal error")
	}
	if last := reporter.last(); last.Status != jobs.StatusFailed {
		t.Fatalf("final status = %q, want %q", last.Status, jobs.StatusFailed)
	}
}
