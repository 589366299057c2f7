package jobs

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"net/url"
	"os"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/gin-gonic/gin"

	"github.com/yourusername/agent-relay/internal/storage"
)

const (
	defaultListLimit = 50
)

// Error は API のエラー応答です。Reason は UI が判定に使う機械可読な識別子です。
type Error struct {
	Code    string
	Message string
	Reason  string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func newError(code, reason, message string) *Error {
	return &Error{Code: code, Message: message, Reason: reason}
}

var (
	errJobNotFound      = newError("JOB_NOT_FOUND", "not_found", "指定されたジョブは存在しません。")
	errArtifactNotFound = newError("ARTIFACT_NOT_FOUND", "artifact_unavailable", "ジョブの成果物が見つかりませんでした。")
)

// ArtifactOpener は成果物の相対パスからファイルを開きます。
type ArtifactOpener interface {
	Open(relPath string) (*os.File, error)
}

type createRequest struct {
	ThreadID string `json:"threadId"`
	Message  string `json:"message"`
	Model    string `json:"model"`
}

type statusResponse struct {
	JobID        string    `json:"jobId"`
	Status       Status    `json:"status"`
	Result       string    `json:"result,omitempty"`
	Error        string    `json:"error,omitempty"`
	ArtifactPath string    `json:"artifactPath,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

func newStatusResponse(r *Record) statusResponse {
	return statusResponse{
		JobID:        r.ID,
		Status:       r.Status,
		Result:       r.Result,
		Error:        r.Error,
		ArtifactPath: r.ArtifactPath,
		CreatedAt:    r.CreatedAt,
		UpdatedAt:    r.UpdatedAt,
	}
}

type streamStatus struct {
	JobID        string    `json:"jobId"`
	Status       Status    `json:"status"`
	Result       string    `json:"result,omitempty"`
	Error        string    `json:"error,omitempty"`
	ArtifactPath string    `json:"artifactPath,omitempty"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// RegisterRoutes はジョブ API を rg 配下に登録します。認証ミドルウェアは呼び出し側で rg に設定します。
func RegisterRoutes(rg *gin.RouterGroup, m *Manager, artifacts ArtifactOpener) {
	rg.POST("", CreateHandler(m))
	rg.GET("", ListHandler(m))
	rg.GET("/:id", StatusHandler(m))
	rg.DELETE("/:id", CancelHandler(m))
	rg.POST("/:id/retry", RetryHandler(m))
	rg.GET("/:id/stream", StreamHandler(m))
	rg.GET("/:id/artifact", ArtifactHandler(m, artifacts))
}

// CreateHandler は POST /api/oc/jobs のハンドラーを返します。
func CreateHandler(m *Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req createRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			respondWithError(c, newError("INVALID_INPUT", "invalid_json", "JSON 形式でリクエストを送信してください。"))
			return
		}

		record, err := m.Create(c.Request.Context(), NewJob{
			ThreadID: req.ThreadID,
			Message:  req.Message,
			Model:    req.Model,
		})
		if err != nil {
			if errors.Is(err, ErrMessageRequired) {
				err = newError("INVALID_INPUT", ErrMessageRequired.Error(), "message を入力してください。")
			}
			respondWithError(c, err)
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"jobId":     record.ID,
			"status":    record.Status,
			"createdAt": record.CreatedAt,
		})
	}
}

// ListHandler は GET /api/oc/jobs のハンドラーを返します。
func ListHandler(m *Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		limit := defaultListLimit
		if raw := strings.TrimSpace(c.Query("limit")); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n <= 0 {
				respondWithError(c, newError("INVALID_INPUT", "invalid_limit", "limit には正の整数を指定してください。"))
				return
			}
			limit = min(n, MaxRetainedJobs)
		}

		records, err := m.List(c.Request.Context(), limit)
		if err != nil {
			respondWithError(c, err)
			return
		}
		out := make([]statusResponse, 0, len(records))
		for _, r := range records {
			out = append(out, newStatusResponse(r))
		}
		c.JSON(http.StatusOK, gin.H{"jobs": out})
	}
}

// StatusHandler は GET /api/oc/jobs/:id のハンドラーを返します。
func StatusHandler(m *Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		record, err := m.Get(c.Request.Context(), c.Param("id"))
		if err != nil {
			respondWithError(c, err)
			return
		}
		if record == nil {
			respondWithError(c, errJobNotFound)
			return
		}
		c.JSON(http.StatusOK, newStatusResponse(record))
	}
}

// CancelHandler は DELETE /api/oc/jobs/:id のハンドラーを返します。
func CancelHandler(m *Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		record, err := m.Cancel(c.Request.Context(), c.Param("id"))
		if err != nil {
			respondWithError(c, err)
			return
		}
		if record == nil {
			respondWithError(c, errJobNotFound)
			return
		}
		c.JSON(http.StatusOK, newStatusResponse(record))
	}
}

// RetryHandler は POST /api/oc/jobs/:id/retry のハンドラーを返します。
func RetryHandler(m *Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		record, err := m.Retry(c.Request.Context(), c.Param("id"))
		if err != nil {
			respondWithError(c, err)
			return
		}
		if record == nil {
			respondWithError(c, errJobNotFound)
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"jobId":     record.ID,
			"status":    record.Status,
			"updatedAt": record.UpdatedAt,
		})
	}
}

// StreamHandler は GET /api/oc/jobs/:id/stream のハンドラーを返します（Server-Sent Events）。
func StreamHandler(m *Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.Writer.Header()
		header.Set("Content-Type", "text/event-stream; charset=utf-8")
		header.Set("Cache-Control", "no-cache, no-transform")
		header.Set("Connection", "keep-alive")
		header.Set("X-Accel-Buffering", "no")
		c.Status(http.StatusOK)
		c.Writer.WriteHeaderNow()
		c.Writer.Flush()

		for ev := range m.Watch(c.Request.Context(), c.Param("id")) {
			switch ev.Type {
			case EventStatus:
				c.SSEvent(string(EventStatus), streamStatus{
					JobID:        ev.Job.ID,
					Status:       ev.Job.Status,
					Result:       ev.Job.Result,
					Error:        ev.Job.Error,
					ArtifactPath: ev.Job.ArtifactPath,
					UpdatedAt:    ev.Job.UpdatedAt,
				})
			case EventDone:
				c.SSEvent(string(EventDone), "[DONE]")
			case EventError:
				c.SSEvent(string(EventError), gin.H{"error": ev.Error})
			}
			c.Writer.Flush()
		}
	}
}

// ArtifactHandler は GET /api/oc/jobs/:id/artifact のハンドラーを返します。
func ArtifactHandler(m *Manager, artifacts ArtifactOpener) gin.HandlerFunc {
	return func(c *gin.Context) {
		record, err := m.Get(c.Request.Context(), c.Param("id"))
		if err != nil {
			respondWithError(c, err)
			return
		}
		if record == nil {
			respondWithError(c, errJobNotFound)
			return
		}
		if record.ArtifactPath == "" || artifacts == nil {
			respondWithError(c, errArtifactNotFound)
			return
		}

		file, err := artifacts.Open(record.ArtifactPath)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) || errors.Is(err, storage.ErrInvalidPath) {
				err = errArtifactNotFound
			}
			respondWithError(c, err)
			return
		}
		defer file.Close()
		info, err := file.Stat()
		if err != nil {
			respondWithError(c, err)
			return
		}
		mtype, err := mimetype.DetectReader(file)
		if err != nil {
			respondWithError(c, err)
			return
		}
		if _, err := file.Seek(0, 0); err != nil {
			respondWithError(c, err)
			return
		}

		name := path.Base(record.ArtifactPath)
		c.DataFromReader(http.StatusOK, info.Size(), mtype.String(), file, map[string]string{
			"Content-Disposition": fmt.Sprintf("attachment; filename=\"%s\"; filename*=UTF-8''%s", name, url.PathEscape(name)),
			"Cache-Control":       "no-store",
			"X-Job-Id":            record.ID,
		})
	}
}

func respondWithError(c *gin.Context, err error) {
	var apiErr *Error
	switch {
	case errors.As(err, &apiErr):
		status := http.StatusBadRequest
		switch apiErr.Code {
		case "JOB_NOT_FOUND", "ARTIFACT_NOT_FOUND":
			status = http.StatusNotFound
		}
		c.JSON(status, gin.H{
			"code":    apiErr.Code,
			"message": apiErr.Message,
			"error":   apiErr.Reason,
		})
	case errors.Is(err, context.Canceled):
		c.JSON(http.StatusRequestTimeout, gin.H{
			"code":    "REQUEST_CANCELED",
			"message": "リクエストがキャンセルされました。",
			"error":   "request_canceled",
		})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":    "INTERNAL_ERROR",
			"message": "サーバー内部でエラーが発生しました。",
			"error":   "internal_error",
		})
	}
}
