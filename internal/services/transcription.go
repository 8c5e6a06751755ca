// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package internal_services

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/rapidaai/capture/pkg/commons"
)

// Transcription is the result of one pre-recorded transcription call.
type Transcription struct {
	Text      string
	WordCount int
}

// Transcriber converts a persisted recording into text.
type Transcriber interface {
	Transcribe(ctx context.Context, audio []byte, mimeType string) (*Transcription, error)
}

const deepgramListenURL = "https://api.deepgram.com/v1/listen"

type deepgramTranscriber struct {
	client *resty.Client
	apiKey string
	logger commons.Logger
}

// deepgramResponse mirrors the slice of the listen response we consume.
type deepgramResponse struct {
	Results struct {
		Channels []struct {
			Alternatives []struct {
				Transcript string `json:"transcript"`
				Words      []struct {
					Word string `json:"word"`
				} `json:"words"`
			} `json:"alternatives"`
		} `json:"channels"`
	} `json:"results"`
}

// NewDeepgramTranscriber creates the transcription client. Pre-recorded
// audio goes through the one-shot listen endpoint rather than the live
// streaming socket.
func NewDeepgramTranscriber(apiKey string, logger commons.Logger) Transcriber {
	client := resty.New().
		SetBaseURL(deepgramListenURL).
		SetTimeout(5 * time.Minute)
	return &deepgramTranscriber{client: client, apiKey: apiKey, logger: logger}
}

func (d *deepgramTranscriber) Transcribe(ctx context.Context, audio []byte, mimeType string) (*Transcription, error) {
	if d.apiKey == "" {
		return nil, fmt.Errorf("deepgram transcription: %w", commons.ErrAuthMissing)
	}

	start := time.Now()
	var out deepgramResponse
	resp, err := d.client.R().
		SetContext(ctx).
		SetHeader("Authorization", "Token "+d.apiKey).
		SetHeader("Content-Type", mimeType).
		SetQueryParams(map[string]string{
			"model":        "nova-2",
			"smart_format": "true",
			"punctuate":    "true",
		}).
		SetBody(audio).
		SetResult(&out).
		Post("")
	if err != nil {
		return nil, fmt.Errorf("deepgram transcription request failed: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("deepgram transcription returned %s: %s", resp.Status(), resp.String())
	}

	if len(out.Results.Channels) == 0 || len(out.Results.Channels[0].Alternatives) == 0 {
		return nil, fmt.Errorf("deepgram transcription returned no alternatives")
	}
	alt := out.Results.Channels[0].Alternatives[0]

	wordCount := len(alt.Words)
	if wordCount == 0 {
		wordCount = len(strings.Fields(alt.Transcript))
	}

	d.logger.Benchmark("DeepgramTranscriber.Transcribe", time.Since(start))
	d.logger.Infof("transcribed recording: bytes=%d, words=%d", len(audio), wordCount)
	return &Transcription{Text: alt.Transcript, WordCount: wordCount}, nil
}
