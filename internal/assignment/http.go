package assignment

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

// PublishStarter は公開ジョブの受付を提供します。
type PublishStarter interface {
	StartPublish(ctx context.Context, assignmentID int64, payload PublishPayload, userID string) (int64, error)
}

// PublishHandler は POST /api/assignments/:id/publish のハンドラーを
// 返します。ジョブを受け付けたら 202 を返し、以降の失敗はジョブの
// 状態としてのみ観測できます。
func PublishHandler(svc PublishStarter) gin.HandlerFunc {
	return func(c *gin.Context) {
		assignmentID, err := strconv.ParseInt(c.Param("id"), 10, 64)
		if err != nil || assignmentID <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{
				"code":    CodeInvalidInput,
				"message": "課題IDを正しく指定してください。",
			})
			return
		}

		var payload PublishPayload
		if err := c.ShouldBindJSON(&payload); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"code":    CodeInvalidInput,
				"message": "公開リクエストの内容を読み取れませんでした。",
			})
			return
		}

		userID := c.GetHeader("X-User-Id")
		jobID, err := svc.StartPublish(c.Request.Context(), assignmentID, payload, userID)
		if err != nil {
			respondWithError(c, err)
			return
		}

		c.JSON(http.StatusAccepted, gin.H{
			"jobId":   jobID,
			"message": "公開ジョブを受け付けました。進捗はジョブ状態で確認できます。",
		})
	}
}

func respondWithError(c *gin.Context, err error) {
	var apiErr *Error
	switch {
	case errors.As(err, &apiErr):
		status := http.StatusBadRequest
		switch apiErr.Code {
		case CodeNotFound:
			status = http.StatusNotFound
		case CodeInternal:
			status = http.StatusInternalServerError
		}
		c.JSON(status, gin.H{
			"code":    apiErr.Code,
			"message": apiErr.Message,
		})
	case errors.Is(err, context.Canceled):
		c.JSON(http.StatusRequestTimeout, gin.H{
			"code":    "REQUEST_CANCELED",
			"message": "リクエストがキャンセルされました。",
		})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":    CodeInternal,
			"message": "サーバー内部でエラーが発生しました。",
		})
	}
}
