package audio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/yourusername/voice-enhancer/internal/enhance"
	"github.com/yourusername/voice-enhancer/internal/jobs"
)

// multipartOverhead はファイル以外のフォーム項目と境界文字列の分の余裕です。
const multipartOverhead = 1 << 20

// Submitter はアップロードをジョブとして登録できるサービスが実装します。
type Submitter interface {
	Submit(ctx context.Context, req jobs.SubmitRequest) (jobs.Record, error)
}

// HandlerOptions はアップロード受付の設定です。
type HandlerOptions struct {
	MaxFileSize       int64
	AllowedExtensions []string
	Logger            *slog.Logger
}

// SubmitHandler は POST /api/jobs のハンドラーを返します。
// フォーム項目 audio に音声ファイル、intensity に 1〜10 の強度を受け取ります。
func SubmitHandler(svc Submitter, opts HandlerOptions) gin.HandlerFunc {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return func(c *gin.Context) {
		if opts.MaxFileSize > 0 {
			c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, opts.MaxFileSize+multipartOverhead)
		}

		fileHeader, err := c.FormFile("audio")
		if err != nil {
			if isTooLarge(err) {
				respondTooLarge(c, opts.MaxFileSize)
				return
			}
			c.JSON(http.StatusBadRequest, gin.H{
				"code":    jobs.CodeInvalidInput,
				"message": "multipart/form-data の audio フィールドで音声ファイルを送信してください。",
			})
			return
		}
		if fileHeader.Filename == "" {
			c.JSON(http.StatusBadRequest, gin.H{
				"code":    jobs.CodeInvalidInput,
				"message": "音声ファイルが選択されていません。",
			})
			return
		}
		if opts.MaxFileSize > 0 && fileHeader.Size > opts.MaxFileSize {
			respondTooLarge(c, opts.MaxFileSize)
			return
		}

		if _, err := ValidateExtension(fileHeader.Filename, opts.AllowedExtensions); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"code":    jobs.CodeInvalidInput,
				"message": fmt.Sprintf("対応していないファイル形式です。対応形式: %v", opts.AllowedExtensions),
			})
			return
		}

		intensity, err := enhance.ParseIntensity(c.PostForm("intensity"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"code":    jobs.CodeInvalidInput,
				"message": "強度は整数で指定してください。",
			})
			return
		}

		file, err := openAudio(fileHeader)
		if err != nil {
			respondWithError(c, opts.Logger, err)
			return
		}
		defer file.Close()

		record, err := svc.Submit(c.Request.Context(), jobs.SubmitRequest{
			Filename:  fileHeader.Filename,
			Body:      file,
			Intensity: intensity,
		})
		if err != nil {
			respondWithError(c, opts.Logger, err)
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"jobId":            record.JobID,
			"stage":            record.Stage,
			"progress":         record.Progress,
			"message":          record.Message,
			"intensity":        record.Intensity,
			"intensityLevel":   record.IntensityLevel,
			"model":            record.Model,
			"modelDescription": record.ModelDescription,
			"estimatedTime":    record.EstimatedTime,
			"statusUrl":        "/api/jobs/" + record.JobID + "/status",
		})
	}
}

// openAudio はアップロードを開き、内容が音声か確かめてから先頭に戻して返します。
func openAudio(fh *multipart.FileHeader) (multipart.File, error) {
	file, err := fh.Open()
	if err != nil {
		return nil, fmt.Errorf("failed to open upload: %w", err)
	}
	if _, err := SniffAudio(file); err != nil {
		file.Close()
		if errors.Is(err, ErrNotAudio) {
			return nil, jobs.NewError(jobs.CodeUnsupportedMedia, "ファイルの内容が音声として認識できません。", err)
		}
		return nil, err
	}
	if _, err := file.Seek(0, io.SeekStart); err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to rewind upload: %w", err)
	}
	return file, nil
}

func isTooLarge(err error) bool {
	var maxErr *http.MaxBytesError
	return errors.As(err, &maxErr) || errors.Is(err, multipart.ErrMessageTooLarge)
}

func respondTooLarge(c *gin.Context, limit int64) {
	c.JSON(http.StatusRequestEntityTooLarge, gin.H{
		"code":    jobs.CodeLimitExceeded,
		"message": fmt.Sprintf("ファイルサイズが上限（%dMB）を超えています。", limit/(1024*1024)),
	})
}

func respondWithError(c *gin.Context, logger *slog.Logger, err error) {
	var apiErr *jobs.Error
	switch {
	case errors.As(err, &apiErr):
		status := http.StatusBadRequest
		switch apiErr.Code {
		case jobs.CodeLimitExceeded:
			status = http.StatusRequestEntityTooLarge
		case jobs.CodeUnsupportedMedia:
			status = http.StatusUnsupportedMediaType
		case jobs.CodeQueueFull:
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{
			"code":    apiErr.Code,
			"message": apiErr.Message,
		})
	case isTooLarge(err):
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{
			"code":    jobs.CodeLimitExceeded,
			"message": "ファイルサイズが上限を超えています。",
		})
	case errors.Is(err, context.Canceled):
		c.JSON(http.StatusRequestTimeout, gin.H{
			"code":    "REQUEST_CANCELED",
			"message": "リクエストがキャンセルされました。",
		})
	default:
		logger.Error("job submission failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":    jobs.CodeInternal,
			"message": "サーバー内部でエラーが発生しました。",
		})
	}
}
