// Package aifix rewrites files that the mechanical fixer cannot handle by
// asking an OpenAI-compatible chat completion endpoint.
package aifix

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/sashabaranov/go-openai"

	"github.com/kalambet/lazarus/internal/analyzer"
	"github.com/kalambet/lazarus/internal/compat"
	"github.com/kalambet/lazarus/internal/pipeline"
)

const (
	DefaultModel     = "gpt-4o-mini"
	DefaultMaxTokens = 8192

	// unresolvedMarker lets the model decline instead of guessing.
	unresolvedMarker = "LAZARUS_UNRESOLVED"
)

const systemPrompt = `You are a Python compatibility expert. You fix Python code that breaks on Python %s because of removed or changed standard library APIs.

Rules:
- Make minimal changes. Only fix what is broken; do not refactor.
- Preserve all existing behavior.
- Keep the existing style (indentation, naming, quoting).
- Do not add type hints, docstrings or comments.
- Return only the complete fixed file, without markdown fences or explanations.
- If you cannot fix the file safely, reply with exactly ` + unresolvedMarker + `.`

// Config holds the client settings.
type Config struct {
	APIKey    string
	BaseURL   string
	Model     string
	MaxTokens int
}

// Fixer implements pipeline.AIFixer.
type Fixer struct {
	client    *openai.Client
	model     string
	maxTokens int
	checker   *analyzer.Analyzer
	logger    *slog.Logger
}

// New creates a Fixer. An empty API key is an error.
func New(cfg Config, logger *slog.Logger) (*Fixer, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("aifix: API key is required")
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = DefaultMaxTokens
	}
	if logger == nil {
		logger = slog.Default()
	}

	oc := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		oc.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}
	return &Fixer{
		client:    openai.NewClientWithConfig(oc),
		model:     cfg.Model,
		maxTokens: cfg.MaxTokens,
		checker:   analyzer.New(analyzer.WithLogger(logger)),
		logger:    logger,
	}, nil
}

// Fix returns the rewritten file. It returns pipeline.ErrUnresolved when
// the model declines, answers with nothing new, or answers with code that
// does not parse.
func (f *Fixer) Fix(ctx context.Context, req pipeline.FixRequest) ([]byte, error) {
	if len(req.Issues) == 0 {
		return req.Source, nil
	}
	target := req.PythonTarget
	if target == "" {
		target = "3.14"
	}

	resp, err := f.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: f.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: fmt.Sprintf(systemPrompt, target)},
			{Role: openai.ChatMessageRoleUser, Content: buildPrompt(req, target)},
		},
		MaxCompletionTokens: f.maxTokens,
	})
	if err != nil {
		return nil, fmt.Errorf("chat completion for %s: %w", req.Path, err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("chat completion for %s returned no choices: %w", req.Path, pipeline.ErrUnresolved)
	}
	choice := resp.Choices[0]
	f.logger.Debug("ai fix response", "path", req.Path, "finish_reason", choice.FinishReason)
	if choice.FinishReason == openai.FinishReasonLength {
		return nil, fmt.Errorf("response for %s was truncated: %w", req.Path, pipeline.ErrUnresolved)
	}

	code := stripFences(choice.Message.Content)
	if strings.TrimSpace(code) == "" || strings.TrimSpace(code) == unresolvedMarker {
		return nil, fmt.Errorf("model declined %s: %w", req.Path, pipeline.ErrUnresolved)
	}
	if !strings.HasSuffix(code, "\n") && strings.HasSuffix(string(req.Source), "\n") {
		code += "\n"
	}

	out := []byte(code)
	issues, err := f.checker.AnalyzeSource(ctx, req.Path, out)
	if err != nil {
		return nil, err
	}
	requested := make(map[compat.Kind]bool, len(req.Issues))
	for _, is := range req.Issues {
		requested[is.Kind] = true
	}
	for _, is := range issues {
		if is.Kind == compat.KindSyntaxError {
			return nil, fmt.Errorf("fixed %s does not parse: %w", req.Path, pipeline.ErrUnresolved)
		}
	}
	for _, is := range issues {
		if requested[is.Kind] {
			return nil, fmt.Errorf("fixed %s still has %s at line %d: %w", req.Path, is.Kind, is.Location.Line, pipeline.ErrUnresolved)
		}
	}
	return out, nil
}

func buildPrompt(req pipeline.FixRequest, target string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Fix the following Python file (%s) for Python %s compatibility.\n\n", req.Path, target)
	b.WriteString("## Identified issues\n")
	for _, is := range req.Issues {
		fmt.Fprintf(&b, "- Line %d: %s (%s)\n", is.Location.Line, is.Description, is.Kind)
	}
	b.WriteString("\n## Code to fix\n```python\n")
	b.Write(req.Source)
	if len(req.Source) > 0 && req.Source[len(req.Source)-1] != '\n' {
		b.WriteByte('\n')
	}
	b.WriteString("```\n\nReturn only the fixed Python code.")
	return b.String()
}

// stripFences removes a surrounding markdown code fence, if any.
func stripFences(s string) string {
	t := strings.TrimSpace(s)
	if !strings.HasPrefix(t, "```") {
		return s
	}
	t = strings.TrimPrefix(t, "```")
	if nl := strings.IndexByte(t, '\n'); nl >= 0 {
		// Drop the language tag line.
		t = t[nl+1:]
	} else {
		t = ""
	}
	t = strings.TrimSuffix(strings.TrimRight(t, " \t\n"), "```")
	return strings.TrimRight(t, " \t\n") + "\n"
}
