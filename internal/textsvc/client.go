// Package textsvc は言語判定・翻訳・コンテンツ検証・採点コンテキスト
// 計算を外部の生成 AI サービスへ委ねるクライアントです。呼び出し側は
// このパッケージをブラックボックスとして扱います。
package textsvc

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"

	"github.com/yourusername/gradeforge/internal/assignment"
	"github.com/yourusername/gradeforge/internal/translate"
)

// Client は OpenAI API を利用するテキストサービスです。
type Client struct {
	api    openai.Client
	model  string
	logger *log.Logger
}

// NewClient は Client を作成します。
func NewClient(apiKey, model string, logger *log.Logger) *Client {
	return &Client{
		api:    openai.NewClient(option.WithAPIKey(apiKey)),
		model:  model,
		logger: logger,
	}
}

// DetectLanguage はテキストの言語コード（ISO 639-1）を判定します。
func (c *Client) DetectLanguage(ctx context.Context, text string) (string, error) {
	out, err := c.complete(ctx,
		"You are a language detector. Respond with only the ISO 639-1 code of the text's language, nothing else.",
		text)
	if err != nil {
		return "", err
	}
	code := strings.ToLower(strings.TrimSpace(out))
	if len(code) < 2 || len(code) > 8 {
		return "", fmt.Errorf("unexpected language detection result: %q", out)
	}
	return code, nil
}

// TranslateText はテキストを対象言語へ翻訳します。
func (c *Client) TranslateText(ctx context.Context, text, targetLanguage string, assignmentID int64) (string, error) {
	out, err := c.complete(ctx,
		fmt.Sprintf("You are a translator for educational assignment content (assignment %d). Translate the user's text into %q. Preserve formatting and placeholders. Respond with only the translated text.", assignmentID, targetLanguage),
		text)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// TranslateChoices は選択肢の一覧を対象言語へ翻訳します。件数と順序は
// 維持されます。
func (c *Client) TranslateChoices(ctx context.Context, choices []translate.Choice, assignmentID int64, targetLanguage string) ([]translate.Choice, error) {
	payload, err := json.Marshal(choices)
	if err != nil {
		return nil, err
	}
	out, err := c.complete(ctx,
		fmt.Sprintf("You are a translator for educational assignment content (assignment %d). The user sends a JSON array of answer choices with fields text, feedback and isCorrect. Translate text and feedback into %q, keep isCorrect unchanged, keep array order and length. Respond with only the translated JSON array.", assignmentID, targetLanguage),
		string(payload))
	if err != nil {
		return nil, err
	}

	var translated []translate.Choice
	if err := json.Unmarshal([]byte(cleanJSONString(out)), &translated); err != nil {
		return nil, fmt.Errorf("failed to parse translated choices: %w", err)
	}
	if len(translated) != len(choices) {
		return nil, fmt.Errorf("translated choice count mismatch: got %d want %d", len(translated), len(choices))
	}
	return translated, nil
}

// ApplyGuardrail は問題内容のコンテンツ安全性を検証します。
func (c *Client) ApplyGuardrail(ctx context.Context, serializedQuestion string) (bool, error) {
	out, err := c.complete(ctx,
		`You are a content-safety reviewer for an educational platform. The user sends a serialized question. Answer with exactly "pass" if the content is appropriate for an assignment, or "fail" otherwise.`,
		serializedQuestion)
	if err != nil {
		return false, err
	}
	return strings.HasPrefix(strings.ToLower(strings.TrimSpace(out)), "pass"), nil
}

// ComputeGradingContext は問題ごとに、採点時に参照すべき他の問題 ID の
// 一覧を計算します。
func (c *Client) ComputeGradingContext(ctx context.Context, questions []assignment.Question, assignmentID int64) (map[int64][]int64, error) {
	type questionRef struct {
		ID   int64  `json:"id"`
		Text string `json:"question"`
	}
	refs := make([]questionRef, len(questions))
	for i, q := range questions {
		refs[i] = questionRef{ID: q.ID, Text: q.Text}
	}
	payload, err := json.Marshal(refs)
	if err != nil {
		return nil, err
	}

	out, err := c.complete(ctx,
		fmt.Sprintf(`You build grading context for assignment %d. The user sends a JSON array of questions in their configured order, each with id and question. For every question, list the ids of the other questions it semantically depends on when graded. Respond with only a JSON object mapping each question id to an array of question ids.`, assignmentID),
		string(payload))
	if err != nil {
		return nil, err
	}

	parsed := map[string][]int64{}
	if err := json.Unmarshal([]byte(cleanJSONString(out)), &parsed); err != nil {
		return nil, fmt.Errorf("failed to parse grading context: %w", err)
	}
	contexts := make(map[int64][]int64, len(parsed))
	for key, ids := range parsed {
		var id int64
		if _, err := fmt.Sscanf(key, "%d", &id); err != nil {
			continue
		}
		contexts[id] = ids
	}
	return contexts, nil
}

func (c *Client) complete(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	messages := []openai.ChatCompletionMessageParamUnion{
		{OfSystem: &openai.ChatCompletionSystemMessageParam{Content: openai.ChatCompletionSystemMessageParamContentUnion{OfString: openai.String(systemPrompt)}}},
		{OfUser: &openai.ChatCompletionUserMessageParam{Content: openai.ChatCompletionUserMessageParamContentUnion{OfString: openai.String(userPrompt)}}},
	}
	params := openai.ChatCompletionNewParams{
		Model:    shared.ChatModel(c.model),
		Messages: messages,
	}

	resp, err := c.api.Chat.Completions.New(ctx, params)
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("empty completion response")
	}
	return resp.Choices[0].Message.Content, nil
}

// cleanJSONString はコードフェンス付きで返ってきた JSON を取り出します。
func cleanJSONString(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		if idx := strings.LastIndex(s, "```"); idx >= 0 {
			s = s[:idx]
		}
	}
	return strings.TrimSpace(s)
}
