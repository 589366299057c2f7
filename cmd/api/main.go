// Package main はAPIサーバーのエントリーポイントです。
package main

import (
	"context"
	"crypto/rand"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/spf13/pflag"

	"github.com/yourusername/agent-relay/internal/auth"
	"github.com/yourusername/agent-relay/internal/config"
	"github.com/yourusername/agent-relay/internal/jobs"
	"github.com/yourusername/agent-relay/internal/storage"
)

func main() {
	var port, envFile, dataDir string
	flagSet := pflag.NewFlagSet("agent-relay", pflag.ExitOnError)
	flagSet.StringVar(&port, "port", "", "listen port (overrides PORT)")
	flagSet.StringVar(&envFile, "env-file", "", "env file to load instead of .env.local")
	flagSet.StringVar(&dataDir, "data-dir", "", "storage directory for jobs, artifacts and sessions (overrides DATA_DIR)")
	_ = flagSet.Parse(os.Args[1:])

	// 設定の読み込み
	var envFiles []string
	if envFile != "" {
		envFiles = append(envFiles, envFile)
	}
	cfg, err := config.Load(envFiles...)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if port != "" {
		cfg.Port = port
	}
	if dataDir != "" {
		cfg.DataDir = dataDir
	}

	// Ginのモードを設定
	gin.SetMode(cfg.GinMode)

	logger := log.Default()
	local, err := storage.NewLocal(cfg.DataDir)
	if err != nil {
		log.Fatalf("Failed to prepare data dir: %v", err)
	}

	runtime, err := setupJobs(cfg, local, logger)
	if err != nil {
		log.Fatalf("Failed to setup jobs: %v", err)
	}
	registry, err := auth.OpenRegistry(local)
	if err != nil {
		log.Fatalf("Failed to open session registry: %v", err)
	}

	router, err := newRouter(cfg, auth.NewManager(cfg, registry), runtime)
	if err != nil {
		log.Fatalf("Failed to setup router: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := runtime.Start(ctx); err != nil {
		log.Fatalf("Failed to start jobs: %v", err)
	}

	// サーバーの起動
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		log.Printf("Starting API server on %s (mode: %s, store: %s, queue: %s)", srv.Addr, cfg.GinMode, cfg.JobStore, cfg.JobQueue)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	// graceful shutdown
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	<-ch

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server shutdown: %v", err)
	}
	if err := runtime.Shutdown(shutdownCtx); err != nil {
		log.Printf("Jobs shutdown: %v", err)
	}
}

// newRouter はミドルウェアとルーティングを設定した Gin エンジンを返します。
func newRouter(cfg *config.Config, authManager *auth.Manager, runtime *jobsRuntime) (*gin.Engine, error) {
	// Ginルーターの初期化（デフォルトミドルウェア: Logger, Recovery）
	router := gin.Default()

	// セッションストアの設定（開発時に鍵が未設定なら起動ごとに生成する）
	secret := []byte(cfg.SessionSecret)
	if len(secret) == 0 {
		secret = make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			return nil, err
		}
		log.Printf("SESSION_SECRET is not set; sessions will not survive restarts")
	}
	store := cookie.NewStore(secret)
	store.Options(sessions.Options{
		Path:     "/",
		MaxAge:   auth.SessionMaxAgeSeconds(),
		HttpOnly: true,
		Secure:   cfg.GinMode == gin.ReleaseMode,
		SameSite: http.SameSiteLaxMode,
	})
	router.Use(sessions.Sessions(auth.SessionCookieName, store))

	// CORSミドルウェアの設定
	corsConfig := cors.DefaultConfig()
	// CORS許可オリジンを設定（カンマ区切りの文字列を配列に変換）
	origins := strings.Split(cfg.CORSAllowedOrigins, ",")
	for i := range origins {
		origins[i] = strings.TrimSpace(origins[i])
	}
	corsConfig.AllowOrigins = origins
	corsConfig.AllowCredentials = true
	corsConfig.AllowHeaders = []string{
		"Origin",
		"Content-Type",
		"Accept",
		"Authorization",
		"X-CSRF-Token", // CSRF保護用ヘッダー
	}
	// フロントエンドがレスポンスヘッダーから CSRF トークンを読み取れるように公開
	corsConfig.ExposeHeaders = []string{"X-CSRF-Token"}
	router.Use(cors.New(corsConfig))

	// ルーティングの設定
	setupRoutes(router, authManager, runtime)
	return router, nil
}

// setupRoutes は API グループと認証周りの配線を行います。
func setupRoutes(router *gin.Engine, authManager *auth.Manager, runtime *jobsRuntime) {
	// まずは誰でも叩けるヘルスチェックを登録
	router.GET("/health", healthHandler(runtime.dispatcher))

	api := router.Group("/api")
	{
		api.GET("/health", healthHandler(runtime.dispatcher))

		authRoutes := api.Group("/auth")
		{
			// ログイン時はセッション未生成なので CSRF 検証は不要
			authRoutes.POST("/login", authManager.Login)
			authRoutes.POST("/logout",
				authManager.RequireLogin(),
				authManager.VerifyCSRF(),
				authManager.Logout,
			)
			authRoutes.GET("/me", authManager.RequireLogin(), authManager.Me)
			authRoutes.GET("/sessions", authManager.RequireLogin(), authManager.ListSessions)
			authRoutes.DELETE("/sessions",
				authManager.RequireLogin(),
				authManager.VerifyCSRF(),
				authManager.RevokeSession,
			)
		}

		protected := api.Group("")
		protected.Use(authManager.RequireLogin(), authManager.VerifyCSRF())
		{
			protected.POST("/chat", chatHandler(runtime.dispatcher))
			jobs.RegisterRoutes(protected.Group("/oc/jobs"), runtime.manager, runtime.artifacts)
			jobs.RegisterRoutes(protected.Group("/openclaw/jobs"), runtime.manager, runtime.artifacts)
		}
	}
}
