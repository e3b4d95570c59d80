package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/pathlight-learning/pathlight/config"
	"github.com/pathlight-learning/pathlight/internal/models"
)

const defaultOpenAIBaseURL = "https://api.openai.com/v1"

// openaiClient implements Provider against the OpenAI HTTP API.
type openaiClient struct {
	apiKey          string
	baseURL         string
	completionModel string
	embeddingModel  string
	temperature     float64
	maxTokens       int
	httpClient      *http.Client
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		TotalTokens int64 `json:"total_tokens"`
	} `json:"usage"`
	Model string `json:"model"`
}

func newOpenAIClient(cfg config.LLMConfig) *openaiClient {
	base := cfg.BaseURL
	if base == "" {
		base = defaultOpenAIBaseURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &openaiClient{
		apiKey:          cfg.APIKey,
		baseURL:         strings.TrimRight(base, "/"),
		completionModel: cfg.CompletionModel,
		embeddingModel:  cfg.EmbeddingModel,
		temperature:     cfg.Temperature,
		maxTokens:       cfg.MaxAnswerTokens,
		httpClient:      &http.Client{Timeout: timeout},
	}
}

// Embed generates embeddings for the given texts.
func (c *openaiClient) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	requestBody := map[string]interface{}{
		"model": c.embeddingModel,
		"input": texts,
	}
	jsonData, err := json.Marshal(requestBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/embeddings", bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("API returned status: %d", resp.StatusCode)
	}

	var openaiResp struct {
		Data []struct {
			Embedding []float32 `json:"embedding"`
			Index     int       `json:"index"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&openaiResp); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}

	vecs := make([][]float32, len(openaiResp.Data))
	for i, d := range openaiResp.Data {
		vecs[i] = d.Embedding
	}
	return vecs, nil
}

var knownIntents = map[string]models.Intent{
	"course_content": models.IntentCourseContent,
	"lab_guidance":   models.IntentLabGuidance,
	"lab_struggle":   models.IntentLabStruggle,
	"navigation":     models.IntentNavigation,
	"list_request":   models.IntentListRequest,
	"out_of_scope":   models.IntentOutOfScope,
}

// ClassifyIntent asks the completion model for a single intent label.
func (c *openaiClient) ClassifyIntent(ctx context.Context, question string, ictx IntentContext) (models.Intent, error) {
	systemPrompt := `You classify learner questions about a multi-day technical course into exactly one category.

Categories:
- course_content: asks about a concept, topic, or explanation from the course material
- lab_guidance: asks how to approach or perform a lab exercise
- lab_struggle: signals being stuck or failing on a lab exercise
- navigation: asks where something is in the course (which day, which chapter)
- list_request: asks to enumerate items (all topics of a chapter, all labs of a day)
- out_of_scope: unrelated to the course

Respond with the category name only. No other text.`

	var b strings.Builder
	if ictx.CourseTitle != "" {
		fmt.Fprintf(&b, "Course: %s\n", ictx.CourseTitle)
	}
	if ictx.CurrentDay > 0 {
		fmt.Fprintf(&b, "Learner is on day %d.\n", ictx.CurrentDay)
	}
	if len(ictx.RecentQueries) > 0 {
		fmt.Fprintf(&b, "Recent questions: %s\n", strings.Join(ictx.RecentQueries, "; "))
	}
	fmt.Fprintf(&b, "Question: %q", question)

	messages := []chatMessage{
		{Role: "system", Content: systemPrompt},
		{Role: "user", Content: b.String()},
	}

	raw, _, err := c.sendChat(ctx, messages, 16)
	if err != nil {
		return "", err
	}
	label := strings.ToLower(strings.Trim(strings.TrimSpace(raw), "\"'. "))
	intent, ok := knownIntents[label]
	if !ok {
		return "", fmt.Errorf("unrecognized intent label: %q", raw)
	}
	return intent, nil
}

// GenerateAnswer produces a grounded answer plus a self-reported confidence.
func (c *openaiClient) GenerateAnswer(ctx context.Context, req GenerationRequest) (Generation, error) {
	var contextBlock strings.Builder
	for i, ch := range req.Chunks {
		fmt.Fprintf(&contextBlock, "[%d] Day %d", i+1, ch.Day)
		if ch.ChapterTitle != "" {
			fmt.Fprintf(&contextBlock, ", %s", ch.ChapterTitle)
		}
		if ch.LabID != "" {
			fmt.Fprintf(&contextBlock, " (%s)", ch.LabID)
		}
		contextBlock.WriteString(":\n")
		contextBlock.WriteString(ch.Text)
		contextBlock.WriteString("\n\n")
	}

	userPrompt := fmt.Sprintf(`COURSE MATERIAL:
%s
QUESTION: %s

Respond ONLY with valid JSON:
{"answer": "your answer grounded in the material above", "confidence": 0.0}
confidence is your 0-1 estimate of how well the material supports the answer. Do not include any other text.`, contextBlock.String(), req.Question)

	if req.LabStruggleContext != "" {
		userPrompt = "LEARNER SITUATION: " + req.LabStruggleContext + "\n\n" + userPrompt
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = c.maxTokens
	}

	messages := []chatMessage{
		{Role: "system", Content: req.SystemPrompt},
		{Role: "user", Content: userPrompt},
	}

	raw, usage, err := c.sendChat(ctx, messages, maxTokens)
	if err != nil {
		return Generation{}, err
	}

	var parsed struct {
		Answer     string  `json:"answer"`
		Confidence float64 `json:"confidence"`
	}
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		// Some models wrap JSON in fences; retry after stripping.
		trimmed := strings.TrimSpace(raw)
		trimmed = strings.TrimPrefix(trimmed, "```json")
		trimmed = strings.TrimPrefix(trimmed, "```")
		trimmed = strings.TrimSuffix(trimmed, "```")
		if err2 := json.Unmarshal([]byte(strings.TrimSpace(trimmed)), &parsed); err2 != nil {
			return Generation{}, fmt.Errorf("failed to parse generation: %w", err)
		}
	}
	if parsed.Answer == "" {
		return Generation{}, fmt.Errorf("empty answer in generation response")
	}

	return Generation{
		Answer:     parsed.Answer,
		Confidence: clamp01(parsed.Confidence),
		TokensUsed: usage.TotalTokens,
		ModelUsed:  usage.Model,
		WordCount:  len(strings.Fields(parsed.Answer)),
	}, nil
}

type chatUsage struct {
	TotalTokens int64
	Model       string
}

func (c *openaiClient) sendChat(ctx context.Context, messages []chatMessage, maxTokens int) (string, chatUsage, error) {
	requestBody := chatRequest{
		Model:       c.completionModel,
		Messages:    messages,
		Temperature: c.temperature,
		MaxTokens:   maxTokens,
	}

	jsonData, err := json.Marshal(requestBody)
	if err != nil {
		return "", chatUsage{}, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/chat/completions", bytes.NewBuffer(jsonData))
	if err != nil {
		return "", chatUsage{}, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", chatUsage{}, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", chatUsage{}, fmt.Errorf("API returned status: %d", resp.StatusCode)
	}

	var openaiResp chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&openaiResp); err != nil {
		return "", chatUsage{}, fmt.Errorf("failed to parse response: %w", err)
	}
	if len(openaiResp.Choices) == 0 {
		return "", chatUsage{}, fmt.Errorf("no choices in response")
	}

	model := openaiResp.Model
	if model == "" {
		model = c.completionModel
	}
	return openaiResp.Choices[0].Message.Content, chatUsage{TotalTokens: openaiResp.Usage.TotalTokens, Model: model}, nil
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
