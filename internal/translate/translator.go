package translate

import (
	"context"
	"log"
)

// Choice は翻訳対象の選択肢です。
type Choice struct {
	Text      string `json:"text"`
	Feedback  string `json:"feedback,omitempty"`
	IsCorrect bool   `json:"isCorrect"`
}

// Request は 1 件の翻訳作業です。VariantID が 0 の場合は問題本体の
// 翻訳を表します。
type Request struct {
	AssignmentID   int64
	QuestionID     int64
	VariantID      int64
	Text           string
	Choices        []Choice
	SourceLanguage string // 空の場合は外部サービスで判定する
	TargetLanguage string
}

// Record は保存済みの翻訳です。問題・バリアントの訳は
// (QuestionID, VariantID, Language) で一意になり、同じキーへの再保存は
// 内容を置き換えます。課題レベルの訳（QuestionID が 0）は
// (AssignmentID, Language, 原文内容) で一意になります。
type Record struct {
	AssignmentID        int64
	QuestionID          int64
	VariantID           int64
	Language            string
	UntranslatedText    string
	UntranslatedChoices []Choice
	TranslatedText      string
	TranslatedChoices   []Choice
}

// Filter は翻訳レコードの絞り込み条件です。SourceText / SourceChoices を
// 指定すると、同じ原文内容のレコードに限定されます（スロットに古い内容の
// 訳が残っていても一致しません）。
type Filter struct {
	AssignmentID  int64
	QuestionID    int64
	VariantID     int64
	Language      string
	SourceText    string
	SourceChoices []Choice
}

// RecordStore は翻訳レコードの参照と作成を提供します。FindBySource は
// 正規化した原文テキスト・選択肢・対象言語で既存訳を検索します
// （内容アドレスのキャッシュ検索）。
type RecordStore interface {
	FindBySource(ctx context.Context, text string, choices []Choice, language string) (*Record, error)
	Create(ctx context.Context, record *Record) error
	Count(ctx context.Context, filter Filter) (int, error)
}

// TextService は外部の翻訳・言語判定サービスです。
type TextService interface {
	DetectLanguage(ctx context.Context, text string) (string, error)
	TranslateText(ctx context.Context, text, targetLanguage string, assignmentID int64) (string, error)
	TranslateChoices(ctx context.Context, choices []Choice, assignmentID int64, targetLanguage string) ([]Choice, error)
}

// Translator は 1 件の翻訳作業を実行します。同一の原文・選択肢・対象
// 言語の訳が既にあれば外部サービスは呼ばず、既存訳を新しい
// (QuestionID, VariantID) に結び付けるだけにします。
type Translator struct {
	store  RecordStore
	svc    TextService
	logger *log.Logger
}

// NewTranslator は Translator を作成します。
func NewTranslator(store RecordStore, svc TextService, logger *log.Logger) *Translator {
	return &Translator{
		store:  store,
		svc:    svc,
		logger: logger,
	}
}

// TranslateItem は req を処理します。原文言語が対象言語と同じ場合は
// 外部サービスを呼ばずに完了扱いとします。
func (t *Translator) TranslateItem(ctx context.Context, req Request) error {
	source := req.SourceLanguage
	if source == "" {
		detected, err := t.svc.DetectLanguage(ctx, req.Text)
		if err != nil {
			return err
		}
		source = detected
	}
	if source == req.TargetLanguage {
		return nil
	}

	existing, err := t.store.FindBySource(ctx, req.Text, req.Choices, req.TargetLanguage)
	if err != nil {
		return err
	}
	if existing != nil {
		return t.link(ctx, req, existing)
	}

	translatedText, err := t.svc.TranslateText(ctx, req.Text, req.TargetLanguage, req.AssignmentID)
	if err != nil {
		return err
	}
	var translatedChoices []Choice
	if len(req.Choices) > 0 {
		translatedChoices, err = t.svc.TranslateChoices(ctx, req.Choices, req.AssignmentID, req.TargetLanguage)
		if err != nil {
			return err
		}
	}

	return t.store.Create(ctx, &Record{
		AssignmentID:        req.AssignmentID,
		QuestionID:          req.QuestionID,
		VariantID:           req.VariantID,
		Language:            req.TargetLanguage,
		UntranslatedText:    req.Text,
		UntranslatedChoices: req.Choices,
		TranslatedText:      translatedText,
		TranslatedChoices:   translatedChoices,
	})
}

// link は既存訳を req の (QuestionID, VariantID) に結び付けます。
// この原文内容で既にリンク済みなら何もしません（重複リンクの防止）。
// スロットに残っているのが古い内容の訳であれば Create で置き換えます。
func (t *Translator) link(ctx context.Context, req Request, existing *Record) error {
	n, err := t.store.Count(ctx, Filter{
		AssignmentID:  req.AssignmentID,
		QuestionID:    req.QuestionID,
		VariantID:     req.VariantID,
		Language:      req.TargetLanguage,
		SourceText:    req.Text,
		SourceChoices: req.Choices,
	})
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	return t.store.Create(ctx, &Record{
		AssignmentID:        req.AssignmentID,
		QuestionID:          req.QuestionID,
		VariantID:           req.VariantID,
		Language:            req.TargetLanguage,
		UntranslatedText:    req.Text,
		UntranslatedChoices: req.Choices,
		TranslatedText:      existing.TranslatedText,
		TranslatedChoices:   existing.TranslatedChoices,
	})
}
