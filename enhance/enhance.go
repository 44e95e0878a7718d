// Package enhance rewrites short generation prompts into detailed ones with
// Gemini.
package enhance

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"genstudio/logger"
	"genstudio/settings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"
)

const defaultSystemPrompt = `You expand short image and video generation prompts into one detailed prompt.
Describe subject, setting, lighting, composition and style. Keep the user's intent.
Reply with the prompt only, no preamble and no quotes.`

var ErrEmptyPrompt = errors.New("empty prompt")

type Enhancer struct {
	config settings.GeminiConfig
}

func New(config settings.GeminiConfig) *Enhancer {
	return &Enhancer{config: config}
}

// Enabled reports whether an API key is configured.
func (e *Enhancer) Enabled() bool {
	return e != nil && e.config.ApiKey != ""
}

// Enhance returns a detailed version of prompt. When the enhancer is not
// enabled the prompt is returned as is.
func (e *Enhancer) Enhance(ctx context.Context, prompt string) (string, error) {
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return "", ErrEmptyPrompt
	}
	if !e.Enabled() {
		return prompt, nil
	}

	client, err := genai.NewClient(ctx, option.WithAPIKey(e.config.ApiKey))
	if err != nil {
		return "", fmt.Errorf("failed to create gemini client: %w", err)
	}
	defer client.Close()

	model := client.GenerativeModel(e.config.Model)
	model.SystemInstruction = &genai.Content{
		Parts: []genai.Part{genai.Text(e.systemPrompt())},
	}

	resp, err := model.GenerateContent(ctx, genai.Text(prompt))
	if err != nil {
		return "", fmt.Errorf("gemini request failed: %w", err)
	}
	enhanced, err := processResponse(resp)
	if err != nil {
		return "", err
	}
	logger.Debug("Enhanced prompt", "original", prompt, "enhanced", enhanced)
	return enhanced, nil
}

func (e *Enhancer) systemPrompt() string {
	if e.config.SystemPrompt != "" {
		return e.config.SystemPrompt
	}
	return defaultSystemPrompt
}

// processResponse extracts the first non-empty text part from the response.
func processResponse(resp *genai.GenerateContentResponse) (string, error) {
	if resp == nil || len(resp.Candidates) == 0 {
		return "", errors.New("no candidates found in response")
	}
	for _, cand := range resp.Candidates {
		if cand.Content == nil {
			continue
		}
		for _, part := range cand.Content.Parts {
			if txt, ok := part.(genai.Text); ok {
				if s := clean(string(txt)); s != "" {
					return s, nil
				}
			}
		}
	}
	return "", errors.New("no text content found in response")
}

func clean(s string) string {
	s = strings.TrimSpace(s)
	s = strings.Trim(s, `"`)
	return strings.TrimSpace(s)
}
