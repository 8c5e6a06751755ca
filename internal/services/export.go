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

	"github.com/go-resty/resty/v2"

	"github.com/rapidaai/capture/pkg/commons"
)

// ExportDocument is the payload pushed to the third-party document store.
type ExportDocument struct {
	Title      string `json:"title"`
	Summary    string `json:"summary"`
	Transcript string `json:"transcript,omitempty"`
	SourceKey  string `json:"source_key"`
}

// Exporter pushes a finished recording's artifacts to an external document
// store. Export is a one-shot operation; the orchestrator guards it with an
// idempotency key so a redelivered trigger cannot run it twice.
type Exporter interface {
	Export(ctx context.Context, requestID string, doc *ExportDocument) error
}

type webhookExporter struct {
	client     *resty.Client
	webhookURL string
	logger     commons.Logger
}

// NewWebhookExporter creates the document-store export client.
func NewWebhookExporter(webhookURL string, logger commons.Logger) Exporter {
	client := resty.New().SetTimeout(30 * time.Second)
	return &webhookExporter{client: client, webhookURL: webhookURL, logger: logger}
}

func (e *webhookExporter) Export(ctx context.Context, requestID string, doc *ExportDocument) error {
	if e.webhookURL == "" {
		return fmt.Errorf("export webhook not configured")
	}

	resp, err := e.client.R().
		SetContext(ctx).
		SetHeader("X-Request-Id", requestID).
		SetBody(doc).
		Post(e.webhookURL)
	if err != nil {
		return fmt.Errorf("export request %s failed: %w", requestID, err)
	}
	if resp.IsError() {
		return fmt.Errorf("export request %s returned %s", requestID, resp.Status())
	}

	e.logger.Infof("exported document: requestId=%s, key=%s", requestID, doc.SourceKey)
	return nil
}
