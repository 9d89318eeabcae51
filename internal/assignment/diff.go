package assignment

import (
	"sort"
	"strings"
)

// 変更検出。ここでの判定が後続の全スキップ判断（翻訳・ガードレール・
// 採点コンテキスト再計算）を駆動します。比較結果は保存されず、公開の
// たびに計算し直されます。

// textsEqual は null 許容の文字列比較です。nil と空文字列は同値として
// 扱います。明示的に空へクリアされた項目と未設定の項目が区別できない
// 既知の挙動ですが、従来との互換のため維持しています。
func textsEqual(stored string, incoming *string) bool {
	return normalizeText(stored) == normalizePtr(incoming)
}

func normalizeText(s string) string {
	return strings.TrimSpace(s)
}

func normalizePtr(s *string) string {
	if s == nil {
		return ""
	}
	return normalizeText(*s)
}

// HasAssignmentFieldsChanged は課題レベルの翻訳対象項目（名前・説明・
// 導入・採点基準の概要）のいずれかが変わったかを返します。
func HasAssignmentFieldsChanged(stored *Assignment, payload *PublishPayload) bool {
	if stored == nil || payload == nil {
		return stored != nil || payload != nil
	}
	return !textsEqual(stored.Name, payload.Name) ||
		!textsEqual(stored.Instructions, payload.Instructions) ||
		!textsEqual(stored.Introduction, payload.Introduction) ||
		!textsEqual(stored.GradingCriteriaOverview, payload.GradingCriteriaOverview)
}

// HaveQuestionContentsChanged は問題集合の内容が変わったかを返します。
// 問題数の増減、いずれかの問題のテキスト・種別・選択肢・バリアントの
// 差分が対象で、配点などのメタデータは無視されます。
func HaveQuestionContentsChanged(stored, incoming []Question) bool {
	if len(stored) != len(incoming) {
		return true
	}
	byID := make(map[int64]*Question, len(stored))
	for i := range stored {
		byID[stored[i].ID] = &stored[i]
	}
	for i := range incoming {
		prev := byID[incoming[i].ID]
		if prev == nil {
			return true
		}
		if QuestionContentChanged(prev, &incoming[i]) {
			return true
		}
	}
	return false
}

// QuestionContentChanged は 1 問の内容差分を返します。
func QuestionContentChanged(stored, incoming *Question) bool {
	if stored == nil {
		return true
	}
	if normalizeText(stored.Text) != normalizeText(incoming.Text) {
		return true
	}
	if stored.Type != incoming.Type {
		return true
	}
	if !choicesEqual(stored.Choices, incoming.Choices) {
		return true
	}
	return variantsChanged(stored.Variants, incoming.Variants)
}

// choicesEqual は ID でソートした上で項目ごとに比較します。
func choicesEqual(a, b []Choice) bool {
	if len(a) != len(b) {
		return false
	}
	as := sortedChoices(a)
	bs := sortedChoices(b)
	for i := range as {
		if normalizeText(as[i].Text) != normalizeText(bs[i].Text) {
			return false
		}
		if normalizeText(as[i].Feedback) != normalizeText(bs[i].Feedback) {
			return false
		}
		if as[i].IsCorrect != bs[i].IsCorrect {
			return false
		}
	}
	return true
}

func sortedChoices(choices []Choice) []Choice {
	out := make([]Choice, len(choices))
	copy(out, choices)
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func variantsChanged(stored, incoming []Variant) bool {
	if len(stored) != len(incoming) {
		return true
	}
	for i := range incoming {
		prev := matchVariant(stored, &incoming[i])
		if prev == nil {
			return true
		}
		if VariantContentChanged(prev, &incoming[i]) {
			return true
		}
	}
	return false
}

// VariantContentChanged はバリアント 1 件の内容差分を返します。
func VariantContentChanged(stored, incoming *Variant) bool {
	if stored == nil {
		return true
	}
	if normalizeText(stored.Content) != normalizeText(incoming.Content) {
		return true
	}
	return !choicesEqual(stored.Choices, incoming.Choices)
}

// matchVariant は保存済みバリアントの中から incoming に対応するものを
// 探します。ID があれば ID で、無ければ正規化した内容で照合します。
// 空内容どうしの誤一致を避けるため、この 2 つの照合は混ぜません。
func matchVariant(stored []Variant, incoming *Variant) *Variant {
	if incoming.ID != 0 {
		for i := range stored {
			if stored[i].ID == incoming.ID {
				return &stored[i]
			}
		}
		return nil
	}
	content := normalizeText(incoming.Content)
	if content == "" {
		return nil
	}
	for i := range stored {
		if normalizeText(stored[i].Content) == content {
			return &stored[i]
		}
	}
	return nil
}

// missingQuestionIDs は保存済みにあって incoming に無い問題 ID を返します。
func missingQuestionIDs(stored, incoming []Question) []int64 {
	present := make(map[int64]struct{}, len(incoming))
	for i := range incoming {
		if incoming[i].ID != 0 {
			present[incoming[i].ID] = struct{}{}
		}
	}
	var missing []int64
	for i := range stored {
		if _, ok := present[stored[i].ID]; !ok {
			missing = append(missing, stored[i].ID)
		}
	}
	return missing
}
