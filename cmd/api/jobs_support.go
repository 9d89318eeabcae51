package main

import (
	"log"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	redis "github.com/redis/go-redis/v9"

	"github.com/yourusername/gradeforge/internal/assignment"
	"github.com/yourusername/gradeforge/internal/config"
	"github.com/yourusername/gradeforge/internal/jobs"
)

// upgrader はジョブ進捗ストリーム用の WebSocket アップグレーダーです。
// CORS はミドルウェア側で検証済みなのでオリジンチェックは行いません。
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

func setupJobs(cfg *config.Config) (*jobs.Manager, error) {
	opt, err := redis.ParseURL(cfg.QueueRedisURL)
	if err != nil {
		return nil, err
	}

	redisClient := redis.NewClient(opt)
	store := jobs.NewStore(redisClient, 0)
	hub := jobs.NewHub(log.Default())
	manager, err := jobs.NewManager(cfg.QueueRedisURL, store, hub, log.Default())
	if err != nil {
		return nil, err
	}
	return manager, nil
}

// setupRoutes は API グループの配線を行います。
func setupRoutes(router *gin.Engine, svc *assignment.Service, manager *jobs.Manager) {
	// まずは誰でも叩けるヘルスチェックを登録
	router.GET("/health", handleHealth)

	api := router.Group("/api")
	{
		api.POST("/assignments/:id/publish", assignment.PublishHandler(svc))
		api.GET("/jobs/:id", jobStatusHandler(manager))
		api.GET("/jobs/:id/stream", jobStreamHandler(manager))
	}
}

func parseJobID(c *gin.Context) (int64, bool) {
	jobID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || jobID <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":    "INVALID_INPUT",
			"message": "jobId を指定してください。",
		})
		return 0, false
	}
	return jobID, true
}

func jobStatusHandler(manager *jobs.Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		jobID, ok := parseJobID(c)
		if !ok {
			return
		}

		record, err := manager.GetJobStatus(c.Request.Context(), jobID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{
				"code":    "INTERNAL_ERROR",
				"message": "ジョブ情報の取得に失敗しました。",
			})
			return
		}
		if record == nil {
			c.JSON(http.StatusNotFound, gin.H{
				"code":    "JOB_NOT_FOUND",
				"message": "指定されたジョブは存在しません。",
			})
			return
		}

		payload := gin.H{
			"jobId":        record.JobID,
			"assignmentId": record.AssignmentID,
			"status":       record.Status,
			"progress":     record.Progress,
			"updatedAt":    record.UpdatedAt,
		}
		if record.Percentage != nil {
			payload["percentage"] = *record.Percentage
		}
		if len(record.Result) > 0 {
			payload["result"] = record.Result
		}

		c.JSON(http.StatusOK, payload)
	}
}

// jobStreamHandler は GET /api/jobs/:id/stream の WebSocket ハンドラーです。
// 接続確立イベントの後、ジョブの更新を順に送信し、終端状態では要約と
// クローズイベントを送って接続を閉じます。
func jobStreamHandler(manager *jobs.Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		jobID, ok := parseJobID(c)
		if !ok {
			return
		}

		ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			log.Printf("Error upgrading to job stream websocket: %v", err)
			return
		}
		defer ws.Close()

		sub := manager.SubscribeStatus(jobID)
		defer sub.Close()

		// クライアント切断の検知用リーダー
		done := make(chan struct{})
		go func() {
			defer close(done)
			for {
				if _, _, err := ws.ReadMessage(); err != nil {
					return
				}
			}
		}()

		for {
			select {
			case ev, open := <-sub.C:
				if !open {
					return
				}
				if err := ws.WriteJSON(ev); err != nil {
					log.Printf("Error writing to job stream websocket (job %d): %v", jobID, err)
					return
				}
				if ev.Type == jobs.EventClose {
					return
				}
			case <-done:
				return
			}
		}
	}
}
