// Package auth は認証・認可機能を提供します。
package auth

import (
	"crypto/subtle"
	"log"
	"net/http"

	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"
)

// RequireLogin はセッションを検証するミドルウェアを返します。
// クッキーが有効でも、端末セッションが失効・削除されていれば拒否します。
func (m *Manager) RequireLogin() gin.HandlerFunc {
	return func(c *gin.Context) {
		session := sessions.Default(c)
		sessionID, ok := session.Get(sessionKeyID).(string)
		if !ok || sessionID == "" {
			abortUnauthorized(c, "UNAUTHORIZED", "ログインが必要です")
			return
		}

		now := m.now()
		issuedAt := readUnix(session.Get(sessionKeyIssuedAt))
		lastActive := readUnix(session.Get(sessionKeyLastActive))

		if issuedAt.IsZero() || now.Sub(issuedAt) > maxSessionLifetime {
			session.Clear()
			_ = session.Save()
			abortUnauthorized(c, "SESSION_EXPIRED", "セッションの有効期限が切れました")
			return
		}

		if lastActive.IsZero() || now.Sub(lastActive) > idleTimeout {
			session.Clear()
			_ = session.Save()
			abortUnauthorized(c, "SESSION_IDLE_TIMEOUT", "しばらく操作がなかったため再ログインしてください")
			return
		}

		device, active, err := m.registry.Touch(sessionID)
		if err != nil {
			log.Printf("failed to touch session %s: %v", sessionID, err)
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
				"code":    "INTERNAL_ERROR",
				"message": "セッションの確認に失敗しました",
				"error":   "internal_error",
			})
			return
		}
		if !active {
			session.Clear()
			_ = session.Save()
			abortUnauthorized(c, "SESSION_REVOKED", "このセッションは無効化されています")
			return
		}

		session.Set(sessionKeyLastActive, now.Unix())
		_ = session.Save()
		c.Set(ContextSessionKey, device)
		c.Next()
	}
}

// VerifyCSRF は X-CSRF-Token ヘッダーを検証するミドルウェアです。
func (m *Manager) VerifyCSRF() gin.HandlerFunc {
	return func(c *gin.Context) {
		if isSafeMethod(c.Request.Method) {
			c.Next()
			return
		}

		session := sessions.Default(c)
		expected, ok := session.Get(sessionKeyCSRF).(string)
		if !ok || expected == "" {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"code":    "CSRF_MISSING",
				"message": "CSRF トークンが設定されていません",
				"error":   "csrf_missing",
			})
			return
		}

		received := c.GetHeader(csrfHeader)
		if subtle.ConstantTimeCompare([]byte(expected), []byte(received)) != 1 {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"code":    "CSRF_INVALID",
				"message": "CSRF トークンが一致しません",
				"error":   "csrf_invalid",
			})
			return
		}

		c.Next()
	}
}

// CurrentSession は RequireLogin が設定した端末セッションを返します。
func CurrentSession(c *gin.Context) (DeviceSession, bool) {
	v, ok := c.Get(ContextSessionKey)
	if !ok {
		return DeviceSession{}, false
	}
	s, ok := v.(DeviceSession)
	return s, ok
}

func abortUnauthorized(c *gin.Context, code, message string) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
		"code":    code,
		"message": message,
		"error":   "unauthorized",
	})
}
