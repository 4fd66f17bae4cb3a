package ai

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/microcosm-cc/bluemonday"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/santhosh-tekuri/jsonschema/v5"
	openai "github.com/sashabaranov/go-openai"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var (
	scoringDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "gema",
		Subsystem: "ai",
		Name:      "scoring_duration_seconds",
		Help:      "Duration of rubric scoring requests",
	}, []string{"model"})

	scoringFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gema",
		Subsystem: "ai",
		Name:      "scoring_failures_total",
		Help:      "Number of rubric scoring failures",
	}, []string{"model"})
)

// OpenAIConfig defines configuration options for the OpenAI scorer.
type OpenAIConfig struct {
	APIKey      string
	BaseURL     string
	Model       string
	MaxTokens   int
	Temperature float32
	Logger      zerolog.Logger
}

// OpenAIScorer implements Scorer against the OpenAI chat completion API.
type OpenAIScorer struct {
	client    *openai.Client
	cfg       OpenAIConfig
	schema    *jsonschema.Schema
	sanitizer *bluemonday.Policy
	tracer    trace.Tracer
	logger    zerolog.Logger
}

// NewOpenAIScorer builds a new scorer using the provided configuration.
func NewOpenAIScorer(cfg OpenAIConfig) (*OpenAIScorer, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("openai api key is required")
	}

	if cfg.Model == "" {
		cfg.Model = "gpt-4o-mini"
	}

	if cfg.MaxTokens == 0 {
		cfg.MaxTokens = 2000
	}

	if cfg.Temperature == 0 {
		cfg.Temperature = 0.3
	}

	schema, err := compileScoringSchema()
	if err != nil {
		return nil, err
	}

	logger := cfg.Logger
	if logger.GetLevel() == zerolog.Disabled {
		logger = zerolog.Nop()
	}

	config := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		config.BaseURL = cfg.BaseURL
	}

	return &OpenAIScorer{
		client:    openai.NewClientWithConfig(config),
		cfg:       cfg,
		schema:    schema,
		sanitizer: bluemonday.StrictPolicy(),
		tracer:    otel.Tracer("github.com/noah-isme/gema-assessment-api/pkg/ai/openai"),
		logger:    logger,
	}, nil
}

// Name identifies the backend on stored assessments.
func (s *OpenAIScorer) Name() string {
	return "openai"
}

// Score sends the rubric scoring request to OpenAI and parses the response.
func (s *OpenAIScorer) Score(parent context.Context, input ScoringInput) (ScoringResult, error) {
	ctx, span := s.tracer.Start(parent, "openai.score", trace.WithAttributes(
		attribute.String("model", s.cfg.Model),
		attribute.Int("criteria", len(input.Criteria)),
	))
	defer span.End()

	prompt, err := buildScoringPrompt(input)
	if err != nil {
		return ScoringResult{}, s.fail(span, err)
	}

	start := time.Now()
	resp, err := s.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       s.cfg.Model,
		MaxTokens:   s.cfg.MaxTokens,
		Temperature: s.cfg.Temperature,
		Messages: []openai.ChatCompletionMessage{
			{
				Role:    openai.ChatMessageRoleSystem,
				Content: scorerSystemPrompt(),
			},
			{
				Role:    openai.ChatMessageRoleUser,
				Content: prompt,
			},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{Type: openai.ChatCompletionResponseFormatTypeJSONObject},
	})
	scoringDuration.WithLabelValues(s.cfg.Model).Observe(time.Since(start).Seconds())
	if err != nil {
		return ScoringResult{}, s.fail(span, fmt.Errorf("openai score: %w", err))
	}

	if len(resp.Choices) == 0 {
		return ScoringResult{}, s.fail(span, fmt.Errorf("no choices returned from openai"))
	}

	result, err := parseScoringResponse(s.schema, strings.TrimSpace(resp.Choices[0].Message.Content))
	if err != nil {
		return ScoringResult{}, s.fail(span, err)
	}

	result.Feedback = s.sanitize(result.Feedback)
	result.Raw = map[string]interface{}{
		"usage": resp.Usage,
		"model": resp.Model,
	}

	return result, nil
}

func (s *OpenAIScorer) fail(span trace.Span, err error) error {
	scoringFailures.WithLabelValues(s.cfg.Model).Inc()
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

func (s *OpenAIScorer) sanitize(feedback Feedback) Feedback {
	clean := Feedback{
		Overall:  strings.TrimSpace(s.sanitizer.Sanitize(feedback.Overall)),
		Criteria: make([]CriterionFeedback, 0, len(feedback.Criteria)),
	}
	for _, item := range feedback.Criteria {
		clean.Criteria = append(clean.Criteria, CriterionFeedback{
			Name:        strings.TrimSpace(s.sanitizer.Sanitize(item.Name)),
			Feedback:    strings.TrimSpace(s.sanitizer.Sanitize(item.Feedback)),
			Suggestions: strings.TrimSpace(s.sanitizer.Sanitize(item.Suggestions)),
		})
	}
	return clean
}

func scorerSystemPrompt() string {
	return "You are an expert educational assessment assistant that analyzes student work based on provided rubrics. " +
		"Respond with a single JSON object only."
}

func buildScoringPrompt(input ScoringInput) (string, error) {
	rubric, err := json.MarshalIndent(input.Criteria, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode rubric: %w", err)
	}

	builder := strings.Builder{}
	builder.WriteString("Analyze the following educational content based on the provided rubric.\n\n")
	builder.WriteString("## Content\n")
	builder.WriteString(input.Content)
	builder.WriteString("\n\n## Rubric\n")
	builder.Write(rubric)
	builder.WriteString("\n\nProvide an overall score (0-100), feedback for each rubric criterion, a score (0-100) for each ")
	builder.WriteString("criterion keyed by its exact name, a confidence level (0-1) and constructive suggestions.\n")
	builder.WriteString(`Respond as {"score": number, "feedback": {"overall": string, "criteria": [{"name": string, "feedback": string, "suggestions": string}]}, "rubricScores": {"<criterion name>": number}, "confidence": number}`)
	return builder.String(), nil
}
