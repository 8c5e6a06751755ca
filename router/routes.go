// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.
package capture_routers

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/rapidaai/capture/config"
	internal_broadcast "github.com/rapidaai/capture/internal/broadcast"
	internal_host "github.com/rapidaai/capture/internal/host"
	internal_orchestrator "github.com/rapidaai/capture/internal/orchestrator"
	internal_state "github.com/rapidaai/capture/internal/state"
	internal_transfer "github.com/rapidaai/capture/internal/transfer"
	"github.com/rapidaai/capture/pkg/commons"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  32 * 1024,
	WriteBufferSize: 32 * 1024,
	// The capture host connects from its own origin.
	CheckOrigin: func(*http.Request) bool { return true },
}

// Coordinator is the slice of the session orchestrator the HTTP surface
// drives.
type Coordinator interface {
	HandleEvent(ctx context.Context, ev internal_orchestrator.Event) error
	Snapshot() internal_orchestrator.Snapshot
}

type startRequest struct {
	TabTitle string `json:"tab_title"`
	TabURL   string `json:"tab_url"`
	TabID    int    `json:"tab_id"`
	UserID   string `json:"user_id"`
}

type exportRequest struct {
	RequestID string `json:"request_id" binding:"required"`
}

type initiateUploadRequest struct {
	SessionID string `json:"session_id" binding:"required"`
}

type lifecycleNotice struct {
	Type    string `json:"type" binding:"required"`
	Message string `json:"message"`
}

type singleShotRequest struct {
	SessionID string  `json:"session_id" binding:"required"`
	Payload   []byte  `json:"payload" binding:"required"`
	MimeType  string  `json:"mime_type"`
	Timestamp int64   `json:"timestamp"`
	Duration  float64 `json:"duration"`
}

// RecordingRoutes registers the recording control surface and the chunk
// transfer channel.
func RecordingRoutes(
	cfg *config.AppConfig,
	engine *gin.Engine,
	logger commons.Logger,
	orchestrator Coordinator,
	receiver *internal_transfer.Receiver,
) {
	logger.Info("Internal RecordingRoutes added to engine.")
	apiv1 := engine.Group("/v1/recording")
	{
		apiv1.POST("/start/", func(c *gin.Context) {
			var req startRequest
			if err := c.ShouldBindJSON(&req); err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
				return
			}
			err := orchestrator.HandleEvent(c.Request.Context(), internal_orchestrator.StartRecording{
				Tab: internal_orchestrator.TabContext{
					Title: req.TabTitle,
					URL:   req.TabURL,
					ID:    req.TabID,
				},
				UserID: req.UserID,
			})
			if err != nil {
				respondError(c, err)
				return
			}
			c.JSON(http.StatusOK, orchestrator.Snapshot())
		})

		apiv1.POST("/stop/", func(c *gin.Context) {
			if err := orchestrator.HandleEvent(c.Request.Context(), internal_orchestrator.StopRecording{}); err != nil {
				respondError(c, err)
				return
			}
			c.JSON(http.StatusOK, orchestrator.Snapshot())
		})

		apiv1.POST("/export/", func(c *gin.Context) {
			var req exportRequest
			if err := c.ShouldBindJSON(&req); err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
				return
			}
			if err := orchestrator.HandleEvent(c.Request.Context(), internal_orchestrator.ExportSummary{
				RequestID: req.RequestID,
			}); err != nil {
				respondError(c, err)
				return
			}
			c.JSON(http.StatusOK, gin.H{"exported": true, "request_id": req.RequestID})
		})

		// Non-chunked fallback: the capture host posts the complete payload
		// here when the chunk-transfer channel cannot be established at all.
		// Bounded by the large-payload threshold; anything bigger must wait
		// for the channel.
		apiv1.POST("/upload/", func(c *gin.Context) {
			maxBytes := cfg.Recording.LargePayloadThreshold
			if maxBytes > 0 {
				// Base64 inflates the body by a third, plus envelope overhead.
				c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes*2)
			}
			var req singleShotRequest
			if err := c.ShouldBindJSON(&req); err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
				return
			}
			if maxBytes > 0 && int64(len(req.Payload)) > maxBytes {
				c.JSON(http.StatusRequestEntityTooLarge, gin.H{
					"error": "payload exceeds the single-shot limit, use the chunked channel",
				})
				return
			}
			recordedAt := time.UnixMilli(req.Timestamp)
			if req.Timestamp == 0 {
				recordedAt = time.Now().UTC()
			}
			err := orchestrator.HandleEvent(c.Request.Context(), internal_orchestrator.PayloadAssembled{
				Payload: &internal_transfer.Payload{
					SessionID:  req.SessionID,
					Bytes:      req.Payload,
					MimeType:   req.MimeType,
					Size:       int64(len(req.Payload)),
					Duration:   req.Duration,
					RecordedAt: recordedAt,
				},
			})
			if err != nil {
				respondError(c, err)
				return
			}
			c.JSON(http.StatusOK, gin.H{"uploaded": true, "session_id": req.SessionID})
		})

		apiv1.POST("/upload/initiate/", func(c *gin.Context) {
			var req initiateUploadRequest
			if err := c.ShouldBindJSON(&req); err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
				return
			}
			if err := orchestrator.HandleEvent(c.Request.Context(), internal_orchestrator.InitiateUpload{
				SessionID: req.SessionID,
			}); err != nil {
				respondError(c, err)
				return
			}
			c.JSON(http.StatusOK, gin.H{"uploaded": true, "session_id": req.SessionID})
		})

		apiv1.POST("/host/lifecycle/", func(c *gin.Context) {
			var notice lifecycleNotice
			if err := c.ShouldBindJSON(&notice); err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
				return
			}
			err := orchestrator.HandleEvent(c.Request.Context(), internal_orchestrator.HostLifecycle{
				Event: internal_host.LifecycleEvent{
					Type:    internal_host.LifecycleEventType(notice.Type),
					Message: notice.Message,
				},
			})
			if err != nil {
				respondError(c, err)
				return
			}
			c.JSON(http.StatusOK, gin.H{"handled": true})
		})

		// The capture host reads its transfer tuning from here before
		// opening the channel.
		apiv1.GET("/channel/params/", func(c *gin.Context) {
			chunkSize := cfg.Recording.ChunkSize
			if chunkSize <= 0 {
				chunkSize = internal_transfer.DefaultChunkSize
			}
			c.JSON(http.StatusOK, gin.H{
				"chunk_size":            chunkSize,
				"reconnect_delay_ms":    cfg.Recording.ReconnectDelay.Milliseconds(),
				"single_shot_max_bytes": cfg.Recording.LargePayloadThreshold,
			})
		})

		// The capture host dials this channel and speaks the chunk-transfer
		// protocol over it.
		apiv1.GET("/channel/", func(c *gin.Context) {
			conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
			if err != nil {
				logger.Errorf("transfer channel upgrade failed: %v", err)
				return
			}
			if err := receiver.Serve(c.Request.Context(), conn); err != nil {
				logger.Warnf("transfer channel closed: %v", err)
			}
		})
	}
}

// EventRoutes streams orchestrator broadcasts to listeners over a websocket.
func EventRoutes(
	cfg *config.AppConfig,
	engine *gin.Engine,
	logger commons.Logger,
	broadcaster *internal_broadcast.Broadcaster,
) {
	engine.GET("/v1/recording/events/", func(c *gin.Context) {
		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			logger.Errorf("event channel upgrade failed: %v", err)
			return
		}
		defer conn.Close()

		events, cancel := broadcaster.Subscribe(32)
		defer cancel()

		for {
			select {
			case ev, ok := <-events:
				if !ok {
					return
				}
				if err := conn.WriteJSON(ev); err != nil {
					logger.Debugf("event listener went away: %v", err)
					return
				}
			case <-c.Request.Context().Done():
				return
			}
		}
	})
}

// HealthCheckRoutes registers liveness and status endpoints.
func HealthCheckRoutes(
	cfg *config.AppConfig,
	engine *gin.Engine,
	logger commons.Logger,
	orchestrator Coordinator,
	store internal_state.Store,
) {
	logger.Info("Internal HealthCheckRoutes added to engine.")
	apiv1 := engine.Group("")
	{
		apiv1.GET("/healthz/", func(c *gin.Context) {
			c.JSON(http.StatusOK, gin.H{"status": "ok", "service": cfg.Name, "version": cfg.Version})
		})
		apiv1.GET("/readiness/", func(c *gin.Context) {
			c.JSON(http.StatusOK, gin.H{"ready": true})
		})
		apiv1.GET("/status/", func(c *gin.Context) {
			snap := orchestrator.Snapshot()
			hb, err := store.LoadHeartbeat(c.Request.Context())
			if err != nil {
				logger.Warnf("failed to load upload heartbeat: %v", err)
			}
			c.JSON(http.StatusOK, gin.H{"recording": snap, "last_upload": hb})
		})
	}
}

func respondError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, commons.ErrDuplicateRequest),
		errors.Is(err, commons.ErrOperationInProgress),
		errors.Is(err, commons.ErrAlreadyInProgress),
		errors.Is(err, commons.ErrStreamConflict):
		status = http.StatusConflict
	case errors.Is(err, commons.ErrHostUnavailable),
		errors.Is(err, commons.ErrTransferTimeout),
		errors.Is(err, commons.ErrPersistFailure):
		status = http.StatusServiceUnavailable
	case errors.Is(err, commons.ErrAuthMissing):
		status = http.StatusUnauthorized
	}
	c.JSON(status, gin.H{
		"error":   err.Error(),
		"message": commons.UserMessage(err),
	})
}
