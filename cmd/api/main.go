// Package main はAPIサーバーのエントリーポイントです。
package main

import (
	"log"
	"net/http"
	"strings"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/yourusername/gradeforge/internal/assignment"
	"github.com/yourusername/gradeforge/internal/config"
	"github.com/yourusername/gradeforge/internal/store"
	"github.com/yourusername/gradeforge/internal/textsvc"
	"github.com/yourusername/gradeforge/internal/translate"
)

func main() {
	// 設定の読み込み
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Ginのモードを設定
	gin.SetMode(cfg.GinMode)

	// Ginルーターの初期化（デフォルトミドルウェア: Logger, Recovery）
	router := gin.Default()

	// CORSミドルウェアの設定
	corsConfig := cors.DefaultConfig()
	// CORS許可オリジンを設定（カンマ区切りの文字列を配列に変換）
	origins := strings.Split(cfg.CORSAllowedOrigins, ",")
	corsConfig.AllowOrigins = origins
	corsConfig.AllowCredentials = true
	corsConfig.AllowHeaders = []string{
		"Origin",
		"Content-Type",
		"Accept",
		"Authorization",
		"X-User-Id",
	}
	router.Use(cors.New(corsConfig))

	// データベース接続（起動時にテーブルを作成）
	db, err := store.Open(cfg.DatabaseURL, log.Default())
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}

	// ジョブ基盤（Redis ストア + ライブ配信ハブ + キューワーカー）
	manager, err := setupJobs(cfg)
	if err != nil {
		log.Fatalf("Failed to set up jobs: %v", err)
	}

	// 翻訳パイプライン
	sched := translate.NewScheduler(translate.SchedulerConfig{
		Concurrency:    cfg.TranslationConcurrency,
		Reservoir:      cfg.TranslationReservoir,
		RefillInterval: cfg.ReservoirRefillInterval(),
		QueueHighWater: cfg.QueueHighWater,
	}, log.Default())
	defer sched.Close()

	batcher := translate.NewBatcher(sched, translate.BatchOptions{
		BatchSize:        cfg.TranslationBatchSize,
		MaxRetryAttempts: cfg.TranslationMaxRetries,
	}, log.Default())

	text := textsvc.NewClient(cfg.OpenAIAPIKey, cfg.OpenAIModel, log.Default())
	translator := translate.NewTranslator(db, text, log.Default())

	// 公開オーケストレーター
	publisher := assignment.NewPublisher(db, text, batcher, translator, manager, translate.BatchOptions{
		BatchSize:        cfg.TranslationBatchSize,
		MaxRetryAttempts: cfg.TranslationMaxRetries,
	}, log.Default())
	manager.RegisterPublishRunner(publisher)
	manager.StartWorkers()

	svc := assignment.NewService(manager, log.Default())

	// ルーティングの設定
	setupRoutes(router, svc, manager)

	// サーバーの起動
	addr := ":" + cfg.Port
	log.Printf("Starting API server on %s (mode: %s)", addr, cfg.GinMode)
	if err := router.Run(addr); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}
}

// handleHealth はヘルスチェックエンドポイントのハンドラーです。
func handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": "gradeforge-api",
		"version": "0.1.0",
	})
}
