package classify

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"horse.fit/carriersignal/internal/retry"
	"horse.fit/carriersignal/internal/store"
)

const validResponse = "```json\n" + `{
  "summary": "Florida regulators approved a 12% homeowners rate increase for Citizens.",
  "category": "Regulatory",
  "sentiment": "neutral",
  "severity": 3,
  "actionability": "review",
  "confidence": 0.82,
  "ai_score": 71,
  "regulatory": true,
  "catastrophe": false,
  "impact": {"market": 55, "regulatory": 80, "catastrophe": 5, "technology": 0},
  "tags": {"lob": ["Homeowners", "homeowners"], "regions": ["Florida"], "regulations": ["Rate Filing"]}
}` + "\n```"

type scriptedGenerator struct {
	responses []string
	errs      []error
	calls     int
}

func (g *scriptedGenerator) Generate(context.Context, string) (string, error) {
	i := g.calls
	g.calls++
	if i < len(g.errs) && g.errs[i] != nil {
		return "", g.errs[i]
	}
	if i < len(g.responses) {
		return g.responses[i], nil
	}
	return "", errors.New("no scripted response")
}

func noSleepPolicy() retry.Policy {
	p := DefaultRetryPolicy()
	p.Sleep = func(context.Context, time.Duration) error { return nil }
	return p
}

func TestParseResponseValidatesAndMaps(t *testing.T) {
	t.Parallel()

	res, err := ParseResponse(validResponse)
	if err != nil {
		t.Fatalf("ParseResponse() error = %v", err)
	}
	if res.Category != "regulatory" || res.Classification.Severity != 3 || res.Classification.Actionability != store.ActionReview {
		t.Fatalf("unexpected result: %+v", res)
	}
	if len(res.Tags.LinesOfBusiness) != 1 {
		t.Fatalf("expected tag dedupe, got %v", res.Tags.LinesOfBusiness)
	}
	if res.Classification.Impact == nil || res.Classification.Impact.Regulatory != 80 {
		t.Fatalf("unexpected impact: %+v", res.Classification.Impact)
	}
	if res.Classification.Method != MethodLLM {
		t.Fatalf("unexpected method: %q", res.Classification.Method)
	}
}

func TestParseResponseRejectsSchemaViolations(t *testing.T) {
	t.Parallel()

	cases := []string{
		`{"summary":"x","severity":9,"actionability":"review","confidence":0.5,"tags":{}}`,
		`{"summary":"x","severity":2,"actionability":"panic","confidence":0.5,"tags":{}}`,
		`{"summary":"x","severity":2,"actionability":"review","confidence":0.5,"tags":{},"extra":1}`,
		`not json`,
		`{"summary":"x","severity":2,"actionability":"review","confidence":0.5,"tags":{}} trailing`,
	}
	for _, raw := range cases {
		if _, err := ParseResponse(raw); !errors.Is(err, ErrInvalidResponse) {
			t.Fatalf("expected ErrInvalidResponse for %q, got %v", raw, err)
		}
	}
}

func TestLLMClassifierRetriesInvalidResponses(t *testing.T) {
	t.Parallel()

	gen := &scriptedGenerator{responses: []string{"garbage", validResponse}}
	c := NewLLMClassifier(gen, noSleepPolicy(), time.Second, zerolog.Nop())

	res, err := c.Classify(context.Background(), Input{Title: "Citizens rate increase approved"})
	if err != nil {
		t.Fatalf("Classify() error = %v", err)
	}
	if gen.calls != 2 {
		t.Fatalf("unexpected generator calls: %d", gen.calls)
	}
	if res.Classification.Severity != 3 {
		t.Fatalf("unexpected severity: %d", res.Classification.Severity)
	}
}

func TestLLMClassifierGivesUpAfterThreeAttempts(t *testing.T) {
	t.Parallel()

	gen := &scriptedGenerator{errs: []error{errors.New("503"), errors.New("503"), errors.New("503"), errors.New("503")}}
	c := NewLLMClassifier(gen, noSleepPolicy(), time.Second, zerolog.Nop())

	if _, err := c.Classify(context.Background(), Input{Title: "Anything"}); err == nil {
		t.Fatalf("expected error after exhausting retries")
	}
	if gen.calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", gen.calls)
	}
}

func TestWithFallbackUsesHeuristicOnFailure(t *testing.T) {
	t.Parallel()

	gen := &scriptedGenerator{errs: []error{errors.New("down"), errors.New("down"), errors.New("down")}}
	c := WithFallback(NewLLMClassifier(gen, noSleepPolicy(), time.Second, zerolog.Nop()), Heuristic{}, zerolog.Nop())

	res, err := c.Classify(context.Background(), Input{Title: "Hurricane losses hit Florida homeowners insurers"})
	if err != nil {
		t.Fatalf("Classify() error = %v", err)
	}
	if res.Classification.Method != MethodHeuristic {
		t.Fatalf("expected heuristic fallback, got %q", res.Classification.Method)
	}
}

func TestHeuristicTagsInsuranceSignals(t *testing.T) {
	t.Parallel()

	res, err := Heuristic{}.Classify(context.Background(), Input{
		Title: "Florida Department of Insurance issues emergency order after Hurricane Milton",
		Text:  "The insurance commissioner said carriers must file claims data by the deadline. State Farm and Allstate homeowners policies are affected.",
	})
	if err != nil {
		t.Fatalf("Classify() error = %v", err)
	}
	c := res.Classification
	if !c.Regulatory || !c.Catastrophe {
		t.Fatalf("expected regulatory and catastrophe flags: %+v", c)
	}
	if c.Severity != 4 || c.Actionability != store.ActionNow {
		t.Fatalf("unexpected severity/actionability: %d %s", c.Severity, c.Actionability)
	}
	if !containsLabel(res.Tags.Companies, "State Farm") || !containsLabel(res.Tags.Companies, "Allstate") {
		t.Fatalf("unexpected companies: %v", res.Tags.Companies)
	}
	if !containsLabel(res.Tags.Regions, "Florida") || !containsLabel(res.Tags.Perils, "Hurricane") {
		t.Fatalf("unexpected regions/perils: %v %v", res.Tags.Regions, res.Tags.Perils)
	}
	if res.Category != "catastrophe" {
		t.Fatalf("unexpected category: %q", res.Category)
	}
}

func TestHeuristicRejectsEmptyInput(t *testing.T) {
	t.Parallel()

	if _, err := (Heuristic{}).Classify(context.Background(), Input{}); !errors.Is(err, ErrEmptyInput) {
		t.Fatalf("expected ErrEmptyInput, got %v", err)
	}
}
