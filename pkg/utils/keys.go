// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.
package utils

import (
	"fmt"
	"strings"
	"time"
)

// Storage key layout: users/<user>/recordings/<session>-<timestamp><ext>.
// Timestamps are colon-free so keys stay valid on every object store.
const keyTimestampLayout = "20060102T150405"

// RecordingKey builds the deterministic object key for a recording. The same
// (user, session, timestamp) always yields the same key, so a retried upload
// overwrites instead of duplicating.
func RecordingKey(userID, sessionID string, ts time.Time, mimeType string) string {
	return fmt.Sprintf("users/%s/recordings/%s-%s%s",
		userID, sessionID, ts.UTC().Format(keyTimestampLayout), extensionFor(mimeType))
}

// TranscriptionKey derives the transcription artifact key from a recording
// key by suffix substitution.
func TranscriptionKey(recordingKey string) string {
	return stripExtension(recordingKey) + "-transcription.json"
}

// SummaryKey derives the summary artifact key from a recording key.
func SummaryKey(recordingKey string) string {
	return stripExtension(recordingKey) + "-summary.json"
}

func stripExtension(key string) string {
	slash := strings.LastIndex(key, "/")
	dot := strings.LastIndex(key, ".")
	if dot > slash {
		return key[:dot]
	}
	return key
}

func extensionFor(mimeType string) string {
	switch {
	case strings.Contains(mimeType, "webm"):
		return ".webm"
	case strings.Contains(mimeType, "ogg"):
		return ".ogg"
	case strings.Contains(mimeType, "wav"):
		return ".wav"
	case strings.Contains(mimeType, "mp4"):
		return ".mp4"
	default:
		return ".bin"
	}
}
