package classify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/generative-ai-go/genai"
	"github.com/rs/zerolog"
	"google.golang.org/api/option"

	"horse.fit/carriersignal/internal/retry"
)

const (
	DefaultModel     = "gemini-1.5-flash"
	DefaultTimeout   = 30 * time.Second
	maxPromptContent = 6000
)

// Generator returns the raw text a language model produces for prompt.
type Generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// DefaultRetryPolicy retries twice with 1s, 2s backoff capped at 4s.
func DefaultRetryPolicy() retry.Policy {
	return retry.Policy{
		Attempts:  3,
		BaseDelay: time.Second,
		MaxDelay:  4 * time.Second,
		Backoff:   retry.BackoffExponential,
	}
}

type LLMClassifier struct {
	gen     Generator
	policy  retry.Policy
	timeout time.Duration
	logger  zerolog.Logger
}

func NewLLMClassifier(gen Generator, policy retry.Policy, timeout time.Duration, logger zerolog.Logger) *LLMClassifier {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &LLMClassifier{gen: gen, policy: policy, timeout: timeout, logger: logger}
}

func (c *LLMClassifier) Classify(ctx context.Context, in Input) (Result, error) {
	if strings.TrimSpace(in.Title) == "" && strings.TrimSpace(in.Text) == "" {
		return Result{}, ErrEmptyInput
	}
	prompt := buildPrompt(in)

	var res Result
	attempt := 0
	err := retry.Do(ctx, c.policy, func(ctx context.Context) error {
		attempt++
		callCtx, cancel := context.WithTimeout(ctx, c.timeout)
		defer cancel()

		raw, err := c.gen.Generate(callCtx, prompt)
		if err != nil {
			c.logger.Debug().Err(err).Int("attempt", attempt).Msg("classification request failed")
			return err
		}
		parsed, err := ParseResponse(raw)
		if err != nil {
			c.logger.Debug().Err(err).Int("attempt", attempt).Msg("classification response rejected")
			return err
		}
		res = parsed
		return nil
	})
	if err != nil {
		return Result{}, fmt.Errorf("llm classify: %w", err)
	}
	return res, nil
}

func buildPrompt(in Input) string {
	content := strings.Join(strings.Fields(in.Text), " ")
	if utf8.RuneCountInString(content) > maxPromptContent {
		runes := []rune(content)
		content = string(runes[:maxPromptContent]) + " [TRUNCATED]"
	}

	return fmt.Sprintf(`You are an analyst for property and casualty insurance carriers.
Classify the news article below and answer with a single JSON object, no prose.

Fields:
- summary: two or three sentences for an underwriting audience
- category: one word such as regulatory, catastrophe, market, technology, legal, people
- sentiment: positive, neutral or negative for insurers
- severity: integer 1 (trivial) to 5 (industry-moving)
- actionability: informational, monitor, review or act_now
- confidence: 0 to 1
- ai_score: 0 to 100 editorial quality
- regulatory, catastrophe: booleans
- impact: market, regulatory, catastrophe, technology, each 0 to 100
- tags: lob, perils, regions, companies, trends, regulations (arrays of short strings)

Source: %s
Title: %s
Content: %s
`, in.SourceName, in.Title, content)
}

// GeminiGenerator calls the Gemini API with JSON output enabled.
type GeminiGenerator struct {
	client *genai.Client
	model  string
}

func NewGeminiGenerator(ctx context.Context, apiKey, model string) (*GeminiGenerator, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, errors.New("gemini api key is empty")
	}
	if strings.TrimSpace(model) == "" {
		model = DefaultModel
	}
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	return &GeminiGenerator{client: client, model: model}, nil
}

func (g *GeminiGenerator) Close() error {
	if g == nil || g.client == nil {
		return nil
	}
	return g.client.Close()
}

func (g *GeminiGenerator) Generate(ctx context.Context, prompt string) (string, error) {
	model := g.client.GenerativeModel(g.model)
	model.ResponseMIMEType = "application/json"
	model.SetTemperature(0.2)

	resp, err := model.GenerateContent(ctx, genai.Text(prompt))
	if err != nil {
		return "", fmt.Errorf("generate content: %w", err)
	}
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return "", fmt.Errorf("%w: no candidates", ErrInvalidResponse)
	}

	var b strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if text, ok := part.(genai.Text); ok {
			b.WriteString(string(text))
		}
	}
	if b.Len() == 0 {
		return "", fmt.Errorf("%w: empty text", ErrInvalidResponse)
	}
	return b.String(), nil
}
