package translate

import (
	"fmt"
	"sync"
)

// ProgressTracker は翻訳バッチ 1 回分の進捗を保持し、言語単位の完了と
// 項目（バリアントなど）単位の完了という 2 つの尺度を、割り当てられた
// パーセンテージ窓の中のひとつの値へ合成します。パーセンテージは常に
// 構成要素から導出され、単独で保持されることはありません。
type ProgressTracker struct {
	mu             sync.Mutex
	totalLanguages int
	totalItems     int
	doneLanguages  int
	doneItems      int
	startPercent   int
	endPercent     int
	stage          string
}

// NewProgressTracker は ProgressTracker を作成します。報告値は
// [startPercent, endPercent] の窓に収まります。
func NewProgressTracker(totalLanguages, totalItems, startPercent, endPercent int, stage string) *ProgressTracker {
	if endPercent < startPercent {
		endPercent = startPercent
	}
	return &ProgressTracker{
		totalLanguages: totalLanguages,
		totalItems:     totalItems,
		startPercent:   startPercent,
		endPercent:     endPercent,
		stage:          stage,
	}
}

// CompleteLanguage は言語 1 件の完了を記録します。総数を超える記録は
// 無視されます。
func (t *ProgressTracker) CompleteLanguage() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.doneLanguages < t.totalLanguages {
		t.doneLanguages++
	}
}

// CompleteItem は項目 1 件の完了を記録します。総数を超える記録は
// 無視されます。
func (t *ProgressTracker) CompleteItem() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.doneItems < t.totalItems {
		t.doneItems++
	}
}

// Percent は現在の合成パーセンテージを返します。言語単位の完了率と
// 項目単位の完了率を均等に合成し、粒度の粗い言語カウントだけでは
// 跳びがちな表示を滑らかにします。
func (t *ProgressTracker) Percent() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.percentLocked()
}

// Label は進捗テキスト（段階名と言語の完了数）を返します。
func (t *ProgressTracker) Label() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return fmt.Sprintf("%s (%d/%d言語)", t.stage, t.doneLanguages, t.totalLanguages)
}

// Snapshot は進捗テキストとパーセンテージをまとめて返します。
func (t *ProgressTracker) Snapshot() (string, int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	label := fmt.Sprintf("%s (%d/%d言語)", t.stage, t.doneLanguages, t.totalLanguages)
	return label, t.percentLocked()
}

func (t *ProgressTracker) percentLocked() int {
	if t.totalLanguages == 0 {
		return t.endPercent
	}
	span := float64(t.endPercent - t.startPercent)
	langFraction := float64(t.doneLanguages) / float64(t.totalLanguages)
	progress := langFraction
	if t.totalItems > 0 {
		itemFraction := float64(t.doneItems) / float64(t.totalItems)
		progress = (langFraction + itemFraction) / 2
	}
	if progress > 1 {
		progress = 1
	}
	return t.startPercent + int(span*progress)
}
