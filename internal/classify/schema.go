package classify

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"horse.fit/carriersignal/internal/store"
)

//go:embed classification.schema.json
var classificationSchemaJSON string

const schemaResource = "classification.schema.json"

var (
	compileOnce       sync.Once
	compiledSchema    *jsonschema.Schema
	compiledSchemaErr error
)

type payload struct {
	Summary       string  `json:"summary"`
	Category      string  `json:"category"`
	Sentiment     string  `json:"sentiment"`
	Severity      int     `json:"severity"`
	Actionability string  `json:"actionability"`
	Confidence    float64 `json:"confidence"`
	AIScore       float64 `json:"ai_score"`
	Regulatory    bool    `json:"regulatory"`
	Catastrophe   bool    `json:"catastrophe"`
	Impact        *struct {
		Market      float64 `json:"market"`
		Regulatory  float64 `json:"regulatory"`
		Catastrophe float64 `json:"catastrophe"`
		Technology  float64 `json:"technology"`
	} `json:"impact"`
	Tags struct {
		LOB         []string `json:"lob"`
		Perils      []string `json:"perils"`
		Regions     []string `json:"regions"`
		Companies   []string `json:"companies"`
		Trends      []string `json:"trends"`
		Regulations []string `json:"regulations"`
	} `json:"tags"`
}

// ParseResponse validates a model response against the classification
// schema and converts it into a Result.
func ParseResponse(raw string) (Result, error) {
	value, err := decodeStrictJSON([]byte(stripCodeFence(raw)))
	if err != nil {
		return Result{}, fmt.Errorf("%w: decode: %v", ErrInvalidResponse, err)
	}

	schema, err := loadSchema()
	if err != nil {
		return Result{}, fmt.Errorf("load schema: %w", err)
	}
	if err := schema.Validate(value); err != nil {
		return Result{}, fmt.Errorf("%w: schema: %v", ErrInvalidResponse, err)
	}

	normalized, err := json.Marshal(value)
	if err != nil {
		return Result{}, fmt.Errorf("%w: normalize: %v", ErrInvalidResponse, err)
	}
	var p payload
	if err := json.Unmarshal(normalized, &p); err != nil {
		return Result{}, fmt.Errorf("%w: unmarshal: %v", ErrInvalidResponse, err)
	}
	return p.toResult(), nil
}

func (p payload) toResult() Result {
	res := Result{
		Summary:   strings.TrimSpace(p.Summary),
		Category:  strings.ToLower(strings.TrimSpace(p.Category)),
		Sentiment: p.Sentiment,
		Tags: store.Tags{
			LinesOfBusiness: cleanTags(p.Tags.LOB),
			Perils:          cleanTags(p.Tags.Perils),
			Regions:         cleanTags(p.Tags.Regions),
			Companies:       cleanTags(p.Tags.Companies),
			Trends:          cleanTags(p.Tags.Trends),
			Regulations:     cleanTags(p.Tags.Regulations),
		},
		Classification: store.Classification{
			Severity:      p.Severity,
			Actionability: store.Actionability(p.Actionability),
			Confidence:    p.Confidence,
			Regulatory:    p.Regulatory,
			Catastrophe:   p.Catastrophe,
			AIScore:       p.AIScore,
			Method:        MethodLLM,
		},
	}
	if res.Sentiment == "" {
		res.Sentiment = "neutral"
	}
	if p.Impact != nil {
		res.Classification.Impact = &store.ImpactBreakdown{
			Market:      p.Impact.Market,
			Regulatory:  p.Impact.Regulatory,
			Catastrophe: p.Impact.Catastrophe,
			Technology:  p.Impact.Technology,
		}
	}
	return res
}

func loadSchema() (*jsonschema.Schema, error) {
	compileOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		compiler.Draft = jsonschema.Draft2020

		if err := compiler.AddResource(schemaResource, strings.NewReader(classificationSchemaJSON)); err != nil {
			compiledSchemaErr = fmt.Errorf("add schema resource: %w", err)
			return
		}
		schema, err := compiler.Compile(schemaResource)
		if err != nil {
			compiledSchemaErr = fmt.Errorf("compile schema: %w", err)
			return
		}
		compiledSchema = schema
	})
	if compiledSchemaErr != nil {
		return nil, compiledSchemaErr
	}
	if compiledSchema == nil {
		return nil, fmt.Errorf("schema not initialized")
	}
	return compiledSchema, nil
}

func decodeStrictJSON(raw []byte) (any, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("payload is empty")
	}

	decoder := json.NewDecoder(bytes.NewReader(trimmed))
	decoder.UseNumber()

	var value any
	if err := decoder.Decode(&value); err != nil {
		return nil, err
	}
	if err := decoder.Decode(&struct{}{}); err != io.EOF {
		return nil, fmt.Errorf("payload contains trailing content")
	}
	return value, nil
}

func stripCodeFence(raw string) string {
	trimmed := strings.TrimSpace(raw)
	if !strings.HasPrefix(trimmed, "```") {
		return trimmed
	}
	trimmed = strings.TrimPrefix(trimmed, "```")
	if nl := strings.IndexByte(trimmed, '\n'); nl >= 0 {
		trimmed = trimmed[nl+1:]
	}
	return strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(trimmed), "```"))
}

func cleanTags(tags []string) []string {
	if len(tags) == 0 {
		return nil
	}
	out := make([]string, 0, len(tags))
	seen := make(map[string]struct{}, len(tags))
	for _, tag := range tags {
		t := strings.TrimSpace(tag)
		key := strings.ToLower(t)
		if t == "" {
			continue
		}
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, t)
	}
	return out
}
