package handlers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"policyscan-backend/models"
	"policyscan-backend/repository"
	"policyscan-backend/service"
	"policyscan-backend/storage"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const (
	// Limits on fetching a policy document from a submitted URL
	policyFetchTimeout = 10 * time.Second
	policyFetchMaxSize = 1 << 20 // 1 MiB

	// Upload constraints
	uploadMaxSize = 10 * 1024 * 1024 // 10MB

	// Preview returned after an upload, in runes
	uploadPreviewRunes = 2000
)

// DetectionHandler handles HTTP requests for detection tasks
type DetectionHandler struct {
	detectionService *service.DetectionService
	fileRepo         *repository.FileRepository
	storage          storage.Storage
	fetchClient      *http.Client
	allowedMimeTypes map[string]bool
}

// NewDetectionHandler creates a new detection handler
func NewDetectionHandler(detectionService *service.DetectionService, fileRepo *repository.FileRepository, store storage.Storage) *DetectionHandler {
	return &DetectionHandler{
		detectionService: detectionService,
		fileRepo:         fileRepo,
		storage:          store,
		fetchClient:      &http.Client{Timeout: policyFetchTimeout},
		allowedMimeTypes: map[string]bool{
			"text/plain":    true,
			"text/markdown": true,
			"text/html":     true,
		},
	}
}

// CreateTaskRequest represents the request body for submitting a detection task
type CreateTaskRequest struct {
	AppName    string `json:"app_name" binding:"required"`
	PolicyText string `json:"policy_text"`
	PolicyURL  string `json:"policy_url"`
}

// CreateTask handles POST /api/detection/tasks
func (h *DetectionHandler) CreateTask(c *gin.Context) {
	var req CreateTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"success": false,
			"error": gin.H{
				"code":    "INVALID_REQUEST",
				"message": err.Error(),
			},
		})
		return
	}

	policyText := req.PolicyText
	if strings.TrimSpace(policyText) == "" && req.PolicyURL != "" {
		fetched, err := h.fetchPolicy(c.Request.Context(), req.PolicyURL)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"success": false,
				"error": gin.H{
					"code":    "POLICY_FETCH_FAILED",
					"message": err.Error(),
				},
			})
			return
		}
		policyText = fetched
	}

	taskID, err := h.detectionService.SubmitTask(c.Request.Context(), policyText)
	if err != nil {
		if errors.Is(err, service.ErrEmptyPolicy) {
			c.JSON(http.StatusBadRequest, gin.H{
				"success": false,
				"error": gin.H{
					"code":    "EMPTY_POLICY",
					"message": "policy_text or policy_url with non-empty content is required",
				},
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"success": false,
			"error": gin.H{
				"code":    "SUBMIT_FAILED",
				"message": err.Error(),
			},
		})
		return
	}

	// Run the pipeline in the background; clients poll the status endpoint.
	go func() {
		bgCtx := context.Background()
		if err := h.detectionService.ProcessDetection(bgCtx, taskID, req.AppName, policyText); err != nil {
			// Error is recorded on the task; nothing to return to the client
			log.Printf("Detection task %s failed: %v", taskID, err)
		}
	}()

	c.JSON(http.StatusAccepted, gin.H{
		"success": true,
		"data": gin.H{
			"task_id": taskID,
			"status":  models.TaskStatusPending,
		},
	})
}

// fetchPolicy downloads a policy document from a submitted URL
func (h *DetectionHandler) fetchPolicy(ctx context.Context, rawURL string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", fmt.Errorf("invalid policy URL: %w", err)
	}

	resp, err := h.fetchClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to fetch policy URL: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("policy URL returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, policyFetchMaxSize+1))
	if err != nil {
		return "", fmt.Errorf("failed to read policy body: %w", err)
	}
	if len(body) > policyFetchMaxSize {
		return "", fmt.Errorf("policy document exceeds %d bytes", policyFetchMaxSize)
	}

	return string(body), nil
}

// GetTaskStatus handles GET /api/detection/tasks/:id. Completed tasks
// carry the full report; everything else is just (status, progress, stage).
func (h *DetectionHandler) GetTaskStatus(c *gin.Context) {
	taskID := c.Param("id")

	result, err := h.detectionService.GetTaskResult(c.Request.Context(), taskID)
	if err != nil {
		if errors.Is(err, service.ErrTaskNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"success": false,
				"error": gin.H{
					"code":    "TASK_NOT_FOUND",
					"message": "Detection task not found",
				},
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"success": false,
			"error": gin.H{
				"code":    "STATUS_FAILED",
				"message": err.Error(),
			},
		})
		return
	}

	if result.Report != nil {
		c.JSON(http.StatusOK, gin.H{
			"success": true,
			"data": gin.H{
				"task":   result.Task,
				"report": result.Report,
			},
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data":    result.Task,
	})
}

// GetTaskResult handles GET /api/detection/tasks/:id/result
func (h *DetectionHandler) GetTaskResult(c *gin.Context) {
	taskID := c.Param("id")

	result, err := h.detectionService.GetTaskResult(c.Request.Context(), taskID)
	if err != nil {
		if errors.Is(err, service.ErrTaskNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"success": false,
				"error": gin.H{
					"code":    "TASK_NOT_FOUND",
					"message": "Detection task not found",
				},
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"success": false,
			"error": gin.H{
				"code":    "RESULT_FAILED",
				"message": err.Error(),
			},
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data": gin.H{
			"task":   result.Task,
			"report": result.Report,
		},
	})
}

// UploadPolicy handles POST /api/detection/upload
func (h *DetectionHandler) UploadPolicy(c *gin.Context) {
	fileHeader, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"success": false,
			"error": gin.H{
				"code":    "MISSING_FILE",
				"message": "File is required",
			},
		})
		return
	}

	if fileHeader.Size > uploadMaxSize {
		c.JSON(http.StatusBadRequest, gin.H{
			"success": false,
			"error": gin.H{
				"code":    "FILE_TOO_LARGE",
				"message": fmt.Sprintf("File exceeds maximum size of %d bytes", int64(uploadMaxSize)),
			},
		})
		return
	}

	mimeType := fileHeader.Header.Get("Content-Type")
	if base, _, found := strings.Cut(mimeType, ";"); found {
		mimeType = strings.TrimSpace(base)
	}
	if mimeType != "" && !h.allowedMimeTypes[mimeType] {
		c.JSON(http.StatusBadRequest, gin.H{
			"success": false,
			"error": gin.H{
				"code":    "UNSUPPORTED_MIME_TYPE",
				"message": fmt.Sprintf("Unsupported content type: %s", mimeType),
			},
		})
		return
	}

	src, err := fileHeader.Open()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"success": false,
			"error": gin.H{
				"code":    "FILE_READ_FAILED",
				"message": err.Error(),
			},
		})
		return
	}
	defer src.Close()

	content, err := io.ReadAll(io.LimitReader(src, uploadMaxSize))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"success": false,
			"error": gin.H{
				"code":    "FILE_READ_FAILED",
				"message": err.Error(),
			},
		})
		return
	}

	fileID := uuid.New()
	storagePath, err := h.storage.Upload(c.Request.Context(), fileID, fileHeader.Filename, strings.NewReader(string(content)))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"success": false,
			"error": gin.H{
				"code":    "UPLOAD_FAILED",
				"message": err.Error(),
			},
		})
		return
	}

	policyFile := &models.PolicyFile{
		ID:          fileID,
		Filename:    fileHeader.Filename,
		MimeType:    mimeType,
		Size:        fileHeader.Size,
		StoragePath: storagePath,
	}
	if err := h.fileRepo.Create(c.Request.Context(), policyFile); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"success": false,
			"error": gin.H{
				"code":    "FILE_SAVE_FAILED",
				"message": err.Error(),
			},
		})
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"success": true,
		"data": gin.H{
			"file_id":      fileID.String(),
			"filename":     policyFile.Filename,
			"size":         policyFile.Size,
			"storage_path": storagePath,
			"preview":      previewText(string(content)),
		},
	})
}

// previewText returns a bounded prefix of extracted text for client display
func previewText(text string) string {
	if utf8.RuneCountInString(text) <= uploadPreviewRunes {
		return text
	}
	runes := []rune(text)
	return string(runes[:uploadPreviewRunes])
}
