package auth

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"
)

type loginRequest struct {
	Code       string `json:"code"`
	DeviceName string `json:"deviceName"`
}

type revokeRequest struct {
	SessionID string `json:"sessionId"`
}

// Login は /auth/login のハンドラーです。
func (m *Manager) Login(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":    "INVALID_INPUT",
			"message": "code を JSON で送ってください",
			"error":   "invalid_json",
		})
		return
	}

	if err := m.ensureCredentials(); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":    "SERVER_MISCONFIGURATION",
			"message": err.Error(),
			"error":   "server_misconfiguration",
		})
		return
	}

	ip := c.ClientIP()
	if retryAfter := m.checkLock(ip); retryAfter > 0 {
		// Retry-After は秒数またはHTTP-Date形式が推奨されているため秒数で返す
		c.Header("Retry-After", strconv.FormatInt(int64(retryAfter.Seconds()), 10))
		c.JSON(http.StatusTooManyRequests, gin.H{
			"code":    "TOO_MANY_ATTEMPTS",
			"message": "一定時間後に再度お試しください",
			"error":   "too_many_attempts",
		})
		return
	}

	if !m.verifyCode(strings.TrimSpace(req.Code)) {
		remaining := m.recordFailure(ip)
		c.JSON(http.StatusUnauthorized, gin.H{
			"ok":                false,
			"code":              "INVALID_CREDENTIALS",
			"message":           "アクセスコードが正しくありません",
			"error":             "invalid_code",
			"remainingAttempts": remaining,
		})
		return
	}

	m.resetAttempts(ip)

	token, err := generateToken()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":    "TOKEN_GENERATION_FAILED",
			"message": "CSRF トークンの生成に失敗しました",
			"error":   "internal_error",
		})
		return
	}

	device, err := m.registry.Create(req.DeviceName, c.GetHeader("User-Agent"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":    "SESSION_SAVE_FAILED",
			"message": "セッションの保存に失敗しました",
			"error":   "internal_error",
		})
		return
	}

	session := sessions.Default(c)
	now := m.now()
	session.Set(sessionKeyID, device.ID)
	session.Set(sessionKeyIssuedAt, now.Unix())
	session.Set(sessionKeyLastActive, now.Unix())
	session.Set(sessionKeyCSRF, token)

	if err := session.Save(); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":    "SESSION_SAVE_FAILED",
			"message": "セッションの保存に失敗しました",
			"error":   "internal_error",
		})
		return
	}

	c.Header(csrfHeader, token)
	c.JSON(http.StatusOK, gin.H{
		"ok":        true,
		"sessionId": device.ID,
		"csrfToken": token,
	})
}

// Logout は /auth/logout のハンドラーです。端末セッションも失効させます。
func (m *Manager) Logout(c *gin.Context) {
	session := sessions.Default(c)
	if id, ok := session.Get(sessionKeyID).(string); ok && id != "" {
		if _, err := m.registry.Revoke(id); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{
				"code":    "SESSION_SAVE_FAILED",
				"message": "セッションの削除に失敗しました",
				"error":   "internal_error",
			})
			return
		}
	}
	session.Clear()
	session.Options(sessions.Options{Path: "/", MaxAge: -1})
	if err := session.Save(); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":    "SESSION_SAVE_FAILED",
			"message": "セッションの削除に失敗しました",
			"error":   "internal_error",
		})
		return
	}
	c.Status(http.StatusNoContent)
}

// Me は /auth/me のハンドラーです。RequireLogin の後に登録します。
func (m *Manager) Me(c *gin.Context) {
	device, ok := CurrentSession(c)
	if !ok {
		abortUnauthorized(c, "UNAUTHORIZED", "ログインが必要です")
		return
	}
	token, _ := sessions.Default(c).Get(sessionKeyCSRF).(string)
	c.Header(csrfHeader, token)
	c.JSON(http.StatusOK, gin.H{
		"ok":        true,
		"session":   device,
		"csrfToken": token,
	})
}

// ListSessions は GET /auth/sessions のハンドラーです。
func (m *Manager) ListSessions(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"ok":       true,
		"sessions": m.registry.List(),
	})
}

// RevokeSession は DELETE /auth/sessions のハンドラーです。
func (m *Manager) RevokeSession(c *gin.Context) {
	var req revokeRequest
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.SessionID) == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"ok":      false,
			"code":    "INVALID_INPUT",
			"message": "sessionId を指定してください",
			"error":   "sessionId_required",
		})
		return
	}
	revoked, err := m.registry.Revoke(strings.TrimSpace(req.SessionID))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":    "SESSION_SAVE_FAILED",
			"message": "セッションの無効化に失敗しました",
			"error":   "internal_error",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": revoked})
}
