// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package internal_services

import (
	"context"
	"fmt"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/rapidaai/capture/pkg/commons"
)

// Summary is the result of one summarization call.
type Summary struct {
	Summary          string
	CompressionRatio float64
}

// Summarizer condenses a transcript into a short summary.
type Summarizer interface {
	Summarize(ctx context.Context, text string) (*Summary, error)
}

const summarySystemPrompt = "You summarize meeting transcripts. Produce a concise summary " +
	"with the key decisions, action items and open questions. Plain text only."

type openAiSummarizer struct {
	client openai.Client
	apiKey string
	logger commons.Logger
}

// NewOpenAiSummarizer creates the summarization client.
func NewOpenAiSummarizer(apiKey string, logger commons.Logger) Summarizer {
	return &openAiSummarizer{
		client: openai.NewClient(option.WithAPIKey(apiKey)),
		apiKey: apiKey,
		logger: logger,
	}
}

func (s *openAiSummarizer) Summarize(ctx context.Context, text string) (*Summary, error) {
	if s.apiKey == "" {
		return nil, fmt.Errorf("summarization: %w", commons.ErrAuthMissing)
	}
	if text == "" {
		return nil, fmt.Errorf("summarization: empty transcript")
	}

	start := time.Now()
	resp, err := s.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: openai.ChatModelGPT4oMini,
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(summarySystemPrompt),
			openai.UserMessage(text),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("summarization request failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("summarization returned no choices")
	}

	summary := resp.Choices[0].Message.Content
	ratio := 0.0
	if len(text) > 0 {
		ratio = float64(len(summary)) / float64(len(text))
	}

	s.logger.Benchmark("OpenAiSummarizer.Summarize", time.Since(start))
	return &Summary{Summary: summary, CompressionRatio: ratio}, nil
}
