package jobs

import "errors"

var (
	ErrJobNotFound     = errors.New("job not found")
	ErrDuplicateJob    = errors.New("job already exists")
	ErrJobTerminal     = errors.New("job already finished")
	ErrStageRegression = errors.New("stage cannot move backwards")
	ErrNotReady        = errors.New("job result not ready")
	ErrJobFailed       = errors.New("job failed")
	ErrPoolClosed      = errors.New("worker pool is closed")
	ErrPoolNotStarted  = errors.New("worker pool not started")
	ErrQueueFull       = errors.New("worker queue is full")
)

// エラーコード（HTTP レスポンスとジョブの error.code に使う）
const (
	CodeInvalidInput     = "INVALID_INPUT"
	CodeLimitExceeded    = "LIMIT_EXCEEDED"
	CodeUnsupportedMedia = "UNSUPPORTED_MEDIA"
	CodeQueueFull        = "QUEUE_FULL"
	CodeEnhanceFailed    = "ENHANCE_FAILED"
	CodeOutputMissing    = "OUTPUT_MISSING"
	CodeInputMissing     = "INPUT_MISSING"
	CodeTimeout          = "TIMEOUT"
	CodeInternal         = "INTERNAL_ERROR"
)

// Error はクライアントに返すコードとメッセージを持つエラーです。
type Error struct {
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Code + ": " + e.Message + ": " + e.Err.Error()
	}
	return e.Code + ": " + e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// NewError は Error を作成します。
func NewError(code, message string, err error) *Error {
	return &Error{Code: code, Message: message, Err: err}
}
