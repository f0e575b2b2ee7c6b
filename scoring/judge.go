package scoring

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"promptnight/models"

	"go.uber.org/zap"
)

// DefaultJudgeBaseURL はYandexのOpenAI互換エンドポイント
const DefaultJudgeBaseURL = "https://llm.api.cloud.yandex.net/v1"

// ScoreResult はジャッジが返す構造化結果
type ScoreResult struct {
	Score    int    `json:"score"`
	Feedback string `json:"feedback,omitempty"`
}

// ModerationResult はニックネーム審査の結果
type ModerationResult struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
}

// Scorer は採点ワーカーが依存する最小の契約
type Scorer interface {
	ScoreAnswer(ctx context.Context, question, reference, answer string) (ScoreResult, error)
}

// Client はOpenAI互換のchat completions APIを叩くジャッジクライアント
type Client struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	folderID   string
	model      string
	logger     *zap.Logger
}

func NewClient(cfg models.Config, logger *zap.Logger) *Client {
	baseURL := cfg.JudgeBaseURL
	if baseURL == "" {
		baseURL = DefaultJudgeBaseURL
	}
	model := cfg.JudgeModel
	if model == "" && cfg.JudgeFolderID != "" {
		// Yandexはフォルダ込みの完全なモデルURIを要求する
		model = fmt.Sprintf("gpt://%s/yandexgpt/latest", cfg.JudgeFolderID)
	}
	if cfg.JudgeAPIKey == "" {
		logger.Warn("judge API key is not set, scoring calls will fail")
	}
	return &Client{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     cfg.JudgeAPIKey,
		folderID:   cfg.JudgeFolderID,
		model:      model,
		logger:     logger,
	}
}

// ScoreAnswer は自由記述の回答を採点する。モデルが構造化ブロックの
// 周りに文章を付けても最初のJSONブロックを拾って解釈する
func (c *Client) ScoreAnswer(ctx context.Context, question, reference, answer string) (ScoreResult, error) {
	text, err := c.complete(ctx, renderScoringPrompt(question, reference, answer))
	if err != nil {
		return ScoreResult{}, err
	}
	block, ok := ExtractJSONBlock(text)
	if !ok {
		return ScoreResult{}, fmt.Errorf("ジャッジ応答にJSONブロックがありません")
	}
	var parsed ScoreResult
	if err := json.Unmarshal([]byte(block), &parsed); err != nil {
		return ScoreResult{}, fmt.Errorf("ジャッジ応答の解析に失敗しました: %w", err)
	}
	parsed.Score = ClampScore(parsed.Score)
	return parsed, nil
}

// ModerateNickname はOK/REJECTプロトコルでニックネームを審査する
func (c *Client) ModerateNickname(ctx context.Context, nickname string) (ModerationResult, error) {
	text, err := c.complete(ctx, renderModerationPrompt(strings.TrimSpace(nickname)))
	if err != nil {
		return ModerationResult{}, err
	}
	output := strings.TrimSpace(text)
	if strings.HasPrefix(strings.ToUpper(output), "OK") {
		return ModerationResult{Allowed: true}, nil
	}
	reason := strings.TrimSpace(strings.TrimPrefix(strings.TrimPrefix(output, "REJECT"), ":"))
	if reason == "" {
		reason = "Никнейм не прошёл модерацию."
	}
	return ModerationResult{Allowed: false, Reason: reason}, nil
}

// Ping はヘルスチェック用にモデル一覧を叩く
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/models", nil)
	if err != nil {
		return err
	}
	c.setHeaders(req)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode >= 500 {
		return fmt.Errorf("judge endpoint returned %d", resp.StatusCode)
	}
	return nil
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

func (c *Client) complete(ctx context.Context, prompt string) (string, error) {
	body, err := json.Marshal(chatRequest{
		Model:    c.model,
		Messages: []chatMessage{{Role: "user", Content: prompt}},
	})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	c.setHeaders(req)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("judge returned %d: %s", resp.StatusCode, truncate(string(raw), 200))
	}
	var parsed chatResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return "", fmt.Errorf("ジャッジ応答の本文が壊れています: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return "", fmt.Errorf("ジャッジ応答が空です")
	}
	return parsed.Choices[0].Message.Content, nil
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	if c.folderID != "" {
		// Yandexはフォルダ指定のリクエストにこのヘッダを要求する
		req.Header.Set("x-folder-id", c.folderID)
	}
}

// ExtractJSONBlock は最初の '{' から最後の '}' までを切り出す。
// モデルが前後に文章を付けるケースへの耐性
func ExtractJSONBlock(s string) (string, bool) {
	start := strings.IndexByte(s, '{')
	end := strings.LastIndexByte(s, '}')
	if start < 0 || end <= start {
		return "", false
	}
	return s[start : end+1], true
}

// ClampScore normalizes a judge score into [0, 10].
func ClampScore(n int) int {
	if n < 0 {
		return 0
	}
	if n > 10 {
		return 10
	}
	return n
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
