package main

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"net/url"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/gin-gonic/gin"

	"github.com/yourusername/voice-enhancer/internal/jobs"
	"github.com/yourusername/voice-enhancer/internal/storage"
)

// healthHandler はヘルスチェックエンドポイントのハンドラーです。
// 処理方式ごとの利用可否と段階ごとのジョブ数も返します。
func healthHandler(manager *jobs.Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":       "ok",
			"service":      serviceName,
			"version":      version,
			"capabilities": manager.Capabilities(c.Request.Context()),
			"jobs":         manager.Stats(),
		})
	}
}

func jobStatusHandler(manager *jobs.Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		jobID := c.Param("id")
		if strings.TrimSpace(jobID) == "" {
			c.JSON(http.StatusBadRequest, gin.H{
				"code":    jobs.CodeInvalidInput,
				"message": "jobId を指定してください。",
			})
			return
		}

		record, err := manager.Status(c.Request.Context(), jobID)
		if err != nil {
			respondJobLookupError(c, err)
			return
		}

		payload := gin.H{
			"jobId":          record.JobID,
			"stage":          record.Stage,
			"progress":       record.Progress,
			"message":        record.Message,
			"intensity":      record.Intensity,
			"intensityLevel": record.IntensityLevel,
			"model":          record.Model,
			"updatedAt":      record.UpdatedAt,
		}
		if len(record.Attempts) > 0 {
			payload["attempts"] = record.Attempts
		}
		if record.Result != nil {
			payload["result"] = record.Result
		}
		if record.Error != nil {
			payload["error"] = record.Error
		}

		c.JSON(http.StatusOK, payload)
	}
}

func jobResultHandler(manager *jobs.Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		jobID := c.Param("id")
		result, err := manager.Result(c.Request.Context(), jobID)
		if err != nil {
			respondJobLookupError(c, err)
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"jobId":       jobID,
			"inputFile":   result.InputFile,
			"outputFile":  result.OutputFile,
			"resultRef":   result.ResultRef,
			"downloadUrl": result.DownloadURL,
			"sizeBytes":   result.SizeBytes,
			"strategy":    result.Strategy,
		})
	}
}

func respondJobLookupError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, jobs.ErrJobNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"code":    "JOB_NOT_FOUND",
			"message": "指定されたジョブは存在しないか、有効期限が切れています。",
		})
	case errors.Is(err, jobs.ErrNotReady):
		c.JSON(http.StatusConflict, gin.H{
			"code":    "JOB_NOT_READY",
			"message": "ジョブはまだ処理中です。",
		})
	case errors.Is(err, jobs.ErrJobFailed):
		c.JSON(http.StatusConflict, gin.H{
			"code":    "JOB_FAILED",
			"message": "ジョブの処理に失敗しました。",
			"detail":  strings.TrimPrefix(err.Error(), jobs.ErrJobFailed.Error()+": "),
		})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":    jobs.CodeInternal,
			"message": "ジョブ情報の取得に失敗しました。",
		})
	}
}

// blobHandler は保存済みの音声ファイルをそのまま返します。Range 指定にも対応します。
func blobHandler(blobs *storage.Local) gin.HandlerFunc {
	return func(c *gin.Context) {
		kind, err := storage.ParseKind(c.Param("kind"))
		if err != nil {
			respondBlobNotFound(c)
			return
		}
		serveBlob(c, blobs, kind, c.Param("name"), "")
	}
}

// downloadHandler は処理済みファイルを enhanced_ を付けた名前で添付ファイルとして返します。
func downloadHandler(blobs *storage.Local) gin.HandlerFunc {
	return func(c *gin.Context) {
		name := c.Param("name")
		serveBlob(c, blobs, storage.KindProcessed, name, "enhanced_"+name)
	}
}

func serveBlob(c *gin.Context, blobs *storage.Local, kind storage.Kind, name, attachment string) {
	file, info, err := blobs.Open(kind, name)
	if err != nil {
		if errors.Is(err, storage.ErrInvalidName) || errors.Is(err, fs.ErrNotExist) {
			respondBlobNotFound(c)
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":    jobs.CodeInternal,
			"message": "ファイルの取得に失敗しました。",
		})
		return
	}
	defer file.Close()

	contentType := "application/octet-stream"
	if mtype, err := mimetype.DetectReader(file); err == nil {
		contentType = mtype.String()
	}
	if _, err := file.Seek(0, io.SeekStart); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":    jobs.CodeInternal,
			"message": "ファイルの取得に失敗しました。",
		})
		return
	}

	c.Header("Content-Type", contentType)
	c.Header("Cache-Control", "no-store")
	if attachment != "" {
		c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=\"%s\"; filename*=UTF-8''%s", attachment, url.PathEscape(attachment)))
	}
	http.ServeContent(c.Writer, c.Request, info.Name(), info.ModTime(), file)
}

func respondBlobNotFound(c *gin.Context) {
	c.JSON(http.StatusNotFound, gin.H{
		"code":    "BLOB_NOT_FOUND",
		"message": "ファイルが見つかりませんでした。",
	})
}
