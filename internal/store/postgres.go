// Package store は課題・問題・バリアント・翻訳の PostgreSQL データ
// アクセスを提供します。削除はすべてソフト削除（is_deleted フラグ）で、
// 翻訳との関連と履歴を保持します。
package store

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"strings"

	"github.com/lib/pq"

	"github.com/yourusername/gradeforge/internal/assignment"
	"github.com/yourusername/gradeforge/internal/translate"
)

// Store は PostgreSQL へのデータアクセスです。
type Store struct {
	db     *sql.DB
	logger *log.Logger
}

// Open はデータベースへ接続し、テーブルを初期化します。
func Open(databaseURL string, logger *log.Logger) (*Store, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("database ping failed: %w", err)
	}

	s := &Store{db: db, logger: logger}
	if err := s.createTables(); err != nil {
		return nil, err
	}
	return s, nil
}

// New は既存の接続から Store を作成します（テスト用）。
func New(db *sql.DB, logger *log.Logger) *Store {
	return &Store{db: db, logger: logger}
}

// Close は接続を閉じます。
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) createTables() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS assignments (
			id SERIAL PRIMARY KEY,
			name TEXT NOT NULL DEFAULT '',
			instructions TEXT NOT NULL DEFAULT '',
			introduction TEXT NOT NULL DEFAULT '',
			grading_criteria_overview TEXT NOT NULL DEFAULT '',
			language VARCHAR(16) NOT NULL DEFAULT 'en',
			published BOOLEAN NOT NULL DEFAULT FALSE,
			question_order JSONB NOT NULL DEFAULT '[]'
		)`,
		`CREATE TABLE IF NOT EXISTS questions (
			id SERIAL PRIMARY KEY,
			assignment_id INTEGER NOT NULL REFERENCES assignments(id),
			question TEXT NOT NULL DEFAULT '',
			type VARCHAR(64) NOT NULL DEFAULT '',
			choices JSONB NOT NULL DEFAULT '[]',
			total_points DOUBLE PRECISION NOT NULL DEFAULT 0,
			max_words INTEGER NOT NULL DEFAULT 0,
			max_characters INTEGER NOT NULL DEFAULT 0,
			grading_context JSONB NOT NULL DEFAULT '[]',
			is_deleted BOOLEAN NOT NULL DEFAULT FALSE
		)`,
		`CREATE TABLE IF NOT EXISTS question_variants (
			id SERIAL PRIMARY KEY,
			question_id INTEGER NOT NULL REFERENCES questions(id),
			content TEXT NOT NULL DEFAULT '',
			choices JSONB NOT NULL DEFAULT '[]',
			is_deleted BOOLEAN NOT NULL DEFAULT FALSE
		)`,
		`CREATE TABLE IF NOT EXISTS translations (
			id SERIAL PRIMARY KEY,
			assignment_id INTEGER NOT NULL DEFAULT 0,
			question_id INTEGER NOT NULL DEFAULT 0,
			variant_id INTEGER NOT NULL DEFAULT 0,
			language VARCHAR(16) NOT NULL,
			untranslated_text TEXT NOT NULL DEFAULT '',
			untranslated_choices JSONB NOT NULL DEFAULT '[]',
			translated_text TEXT NOT NULL DEFAULT '',
			translated_choices JSONB NOT NULL DEFAULT '[]',
			source_key VARCHAR(64) NOT NULL
		)`,
		// 問題・バリアントの訳はスロットごとに 1 件（再翻訳で置き換え）。
		// 課題レベルの訳はスロットを持たないため原文内容で一意にする
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_translations_question_slot
			ON translations (question_id, variant_id, language) WHERE question_id <> 0`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_translations_assignment_content
			ON translations (assignment_id, language, source_key) WHERE question_id = 0`,
		`CREATE INDEX IF NOT EXISTS idx_translations_source_key ON translations (source_key, language)`,
		`CREATE TABLE IF NOT EXISTS languages (
			code VARCHAR(16) PRIMARY KEY,
			name TEXT NOT NULL
		)`,
	}
	for _, stmt := range statements {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to create tables: %w", err)
		}
	}
	return nil
}

// GetAssignment は課題を取得します。見つからない場合は (nil, nil) です。
func (s *Store) GetAssignment(ctx context.Context, id int64) (*assignment.Assignment, error) {
	var (
		a        assignment.Assignment
		orderRaw []byte
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, instructions, introduction, grading_criteria_overview, language, published, question_order
		FROM assignments WHERE id = $1`, id).
		Scan(&a.ID, &a.Name, &a.Instructions, &a.Introduction, &a.GradingCriteriaOverview, &a.Language, &a.Published, &orderRaw)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	if err := json.Unmarshal(orderRaw, &a.QuestionOrder); err != nil {
		return nil, err
	}
	return &a, nil
}

// UpdateAssignment は課題へ部分更新を適用し、更新後のレコードを返します。
func (s *Store) UpdateAssignment(ctx context.Context, id int64, fields assignment.UpdateFields) (*assignment.Assignment, error) {
	var (
		sets []string
		args []any
	)
	add := func(column string, value any) {
		args = append(args, value)
		sets = append(sets, fmt.Sprintf("%s = $%d", column, len(args)))
	}
	if fields.Name != nil {
		add("name", *fields.Name)
	}
	if fields.Instructions != nil {
		add("instructions", *fields.Instructions)
	}
	if fields.Introduction != nil {
		add("introduction", *fields.Introduction)
	}
	if fields.GradingCriteriaOverview != nil {
		add("grading_criteria_overview", *fields.GradingCriteriaOverview)
	}
	if fields.Published != nil {
		add("published", *fields.Published)
	}
	if fields.QuestionOrder != nil {
		raw, err := json.Marshal(fields.QuestionOrder)
		if err != nil {
			return nil, err
		}
		add("question_order", raw)
	}
	if len(sets) > 0 {
		args = append(args, id)
		query := fmt.Sprintf("UPDATE assignments SET %s WHERE id = $%d", strings.Join(sets, ", "), len(args))
		if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
			return nil, err
		}
	}
	return s.GetAssignment(ctx, id)
}

// GetQuestionsByAssignment は削除されていない問題をバリアント込みで
// 返します。
func (s *Store) GetQuestionsByAssignment(ctx context.Context, assignmentID int64) ([]assignment.Question, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, assignment_id, question, type, choices, total_points, max_words, max_characters, grading_context
		FROM questions WHERE assignment_id = $1 AND NOT is_deleted ORDER BY id`, assignmentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var questions []assignment.Question
	for rows.Next() {
		var (
			q          assignment.Question
			choicesRaw []byte
			ctxRaw     []byte
		)
		if err := rows.Scan(&q.ID, &q.AssignmentID, &q.Text, &q.Type, &choicesRaw, &q.TotalPoints, &q.MaxWords, &q.MaxCharacters, &ctxRaw); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(choicesRaw, &q.Choices); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(ctxRaw, &q.GradingContextIDs); err != nil {
			return nil, err
		}
		questions = append(questions, q)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range questions {
		variants, err := s.variantsByQuestion(ctx, questions[i].ID)
		if err != nil {
			return nil, err
		}
		questions[i].Variants = variants
	}
	return questions, nil
}

func (s *Store) variantsByQuestion(ctx context.Context, questionID int64) ([]assignment.Variant, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, question_id, content, choices
		FROM question_variants WHERE question_id = $1 AND NOT is_deleted ORDER BY id`, questionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var variants []assignment.Variant
	for rows.Next() {
		var (
			v          assignment.Variant
			choicesRaw []byte
		)
		if err := rows.Scan(&v.ID, &v.QuestionID, &v.Content, &choicesRaw); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(choicesRaw, &v.Choices); err != nil {
			return nil, err
		}
		variants = append(variants, v)
	}
	return variants, rows.Err()
}

// UpsertQuestion は問題を作成または更新します。
func (s *Store) UpsertQuestion(ctx context.Context, q *assignment.Question) (*assignment.Question, error) {
	choicesRaw, err := json.Marshal(choicesOrEmpty(q.Choices))
	if err != nil {
		return nil, err
	}

	saved := *q
	if q.ID == 0 {
		err = s.db.QueryRowContext(ctx, `
			INSERT INTO questions (assignment_id, question, type, choices, total_points, max_words, max_characters)
			VALUES ($1, $2, $3, $4, $5, $6, $7) RETURNING id`,
			q.AssignmentID, q.Text, q.Type, choicesRaw, q.TotalPoints, q.MaxWords, q.MaxCharacters).
			Scan(&saved.ID)
	} else {
		_, err = s.db.ExecContext(ctx, `
			UPDATE questions
			SET question = $1, type = $2, choices = $3, total_points = $4, max_words = $5, max_characters = $6, is_deleted = FALSE
			WHERE id = $7`,
			q.Text, q.Type, choicesRaw, q.TotalPoints, q.MaxWords, q.MaxCharacters, q.ID)
	}
	if err != nil {
		return nil, err
	}
	return &saved, nil
}

// MarkQuestionsDeleted は問題をソフト削除します。
func (s *Store) MarkQuestionsDeleted(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE questions SET is_deleted = TRUE WHERE id = ANY($1)`, pq.Array(ids))
	return err
}

// UpsertVariant はバリアントを作成または更新します。
func (s *Store) UpsertVariant(ctx context.Context, v *assignment.Variant) (*assignment.Variant, error) {
	choicesRaw, err := json.Marshal(choicesOrEmpty(v.Choices))
	if err != nil {
		return nil, err
	}

	saved := *v
	if v.ID == 0 {
		err = s.db.QueryRowContext(ctx, `
			INSERT INTO question_variants (question_id, content, choices)
			VALUES ($1, $2, $3) RETURNING id`,
			v.QuestionID, v.Content, choicesRaw).
			Scan(&saved.ID)
	} else {
		_, err = s.db.ExecContext(ctx, `
			UPDATE question_variants SET content = $1, choices = $2, is_deleted = FALSE WHERE id = $3`,
			v.Content, choicesRaw, v.ID)
	}
	if err != nil {
		return nil, err
	}
	return &saved, nil
}

// MarkVariantsDeleted はバリアントをソフト削除します。
func (s *Store) MarkVariantsDeleted(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE question_variants SET is_deleted = TRUE WHERE id = ANY($1)`, pq.Array(ids))
	return err
}

// SetQuestionGradingContext は問題の採点コンテキストを保存します。
func (s *Store) SetQuestionGradingContext(ctx context.Context, questionID int64, dependsOn []int64) error {
	raw, err := json.Marshal(idsOrEmpty(dependsOn))
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`UPDATE questions SET grading_context = $1 WHERE id = $2`, raw, questionID)
	return err
}

// FindBySource は正規化済みの原文と対象言語で既存訳を検索します。
func (s *Store) FindBySource(ctx context.Context, text string, choices []translate.Choice, language string) (*translate.Record, error) {
	key, err := sourceKey(text, choices)
	if err != nil {
		return nil, err
	}

	var (
		record            translate.Record
		translatedRaw     []byte
		untranslatedChRaw []byte
	)
	err = s.db.QueryRowContext(ctx, `
		SELECT assignment_id, question_id, variant_id, language, untranslated_text, untranslated_choices, translated_text, translated_choices
		FROM translations WHERE source_key = $1 AND language = $2 LIMIT 1`, key, language).
		Scan(&record.AssignmentID, &record.QuestionID, &record.VariantID, &record.Language, &record.UntranslatedText, &untranslatedChRaw, &record.TranslatedText, &translatedRaw)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	if err := json.Unmarshal(untranslatedChRaw, &record.UntranslatedChoices); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(translatedRaw, &record.TranslatedChoices); err != nil {
		return nil, err
	}
	return &record, nil
}

// Create は翻訳レコードを保存します。問題・バリアントのスロットに既存の
// 訳があれば新しい内容で置き換えます（再翻訳の反映）。課題レベルの
// レコードは原文内容で一意なので、同一内容の再保存は何もしません。
func (s *Store) Create(ctx context.Context, record *translate.Record) error {
	key, err := sourceKey(record.UntranslatedText, record.UntranslatedChoices)
	if err != nil {
		return err
	}
	untranslatedRaw, err := json.Marshal(translateChoicesOrEmpty(record.UntranslatedChoices))
	if err != nil {
		return err
	}
	translatedRaw, err := json.Marshal(translateChoicesOrEmpty(record.TranslatedChoices))
	if err != nil {
		return err
	}

	if record.QuestionID == 0 {
		_, err = s.db.ExecContext(ctx, `
			INSERT INTO translations (assignment_id, question_id, variant_id, language, untranslated_text, untranslated_choices, translated_text, translated_choices, source_key)
			VALUES ($1, 0, 0, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (assignment_id, language, source_key) WHERE question_id = 0 DO NOTHING`,
			record.AssignmentID, record.Language,
			record.UntranslatedText, untranslatedRaw, record.TranslatedText, translatedRaw, key)
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO translations (assignment_id, question_id, variant_id, language, untranslated_text, untranslated_choices, translated_text, translated_choices, source_key)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (question_id, variant_id, language) WHERE question_id <> 0 DO UPDATE
		SET untranslated_text = EXCLUDED.untranslated_text,
			untranslated_choices = EXCLUDED.untranslated_choices,
			translated_text = EXCLUDED.translated_text,
			translated_choices = EXCLUDED.translated_choices,
			source_key = EXCLUDED.source_key`,
		record.AssignmentID, record.QuestionID, record.VariantID, record.Language,
		record.UntranslatedText, untranslatedRaw, record.TranslatedText, translatedRaw, key)
	return err
}

// Count は条件に一致する翻訳レコードの件数を返します。SourceText /
// SourceChoices が指定されていれば同一原文のレコードに限定します。
func (s *Store) Count(ctx context.Context, filter translate.Filter) (int, error) {
	query := `
		SELECT COUNT(*) FROM translations
		WHERE assignment_id = $1 AND question_id = $2 AND variant_id = $3 AND language = $4`
	args := []any{filter.AssignmentID, filter.QuestionID, filter.VariantID, filter.Language}

	if filter.SourceText != "" || filter.SourceChoices != nil {
		key, err := sourceKey(filter.SourceText, filter.SourceChoices)
		if err != nil {
			return 0, err
		}
		args = append(args, key)
		query += fmt.Sprintf(" AND source_key = $%d", len(args))
	}

	var n int
	err := s.db.QueryRowContext(ctx, query, args...).Scan(&n)
	return n, err
}

// GetSupportedLanguageCodes は対応言語コードの一覧を返します。
func (s *Store) GetSupportedLanguageCodes(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT code FROM languages ORDER BY code`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var codes []string
	for rows.Next() {
		var code string
		if err := rows.Scan(&code); err != nil {
			return nil, err
		}
		codes = append(codes, code)
	}
	return codes, rows.Err()
}

// GetLanguageName は言語コードに対応する表示名を返します。未登録の
// 場合は空文字列を返します。
func (s *Store) GetLanguageName(ctx context.Context, code string) (string, error) {
	var name string
	err := s.db.QueryRowContext(ctx, `SELECT name FROM languages WHERE code = $1`, code).Scan(&name)
	if err != nil {
		if err == sql.ErrNoRows {
			return "", nil
		}
		return "", err
	}
	return name, nil
}

// sourceKey は翻訳キャッシュの内容アドレスキーを計算します。原文の
// 前後空白を落とし、選択肢は正規化した JSON として含めます。
func sourceKey(text string, choices []translate.Choice) (string, error) {
	choicesRaw, err := json.Marshal(translateChoicesOrEmpty(choices))
	if err != nil {
		return "", err
	}
	h := sha256.New()
	h.Write([]byte(strings.TrimSpace(text)))
	h.Write([]byte{0})
	h.Write(choicesRaw)
	return hex.EncodeToString(h.Sum(nil)), nil
}

func choicesOrEmpty(choices []assignment.Choice) []assignment.Choice {
	if choices == nil {
		return []assignment.Choice{}
	}
	return choices
}

func translateChoicesOrEmpty(choices []translate.Choice) []translate.Choice {
	if choices == nil {
		return []translate.Choice{}
	}
	return choices
}

func idsOrEmpty(ids []int64) []int64 {
	if ids == nil {
		return []int64{}
	}
	return ids
}
