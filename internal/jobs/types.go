package jobs

import (
	"time"

	"github.com/yourusername/voice-enhancer/internal/enhance"
)

// Stage はジョブの処理段階を表します。error 以外は定義順にしか進みません。
type Stage string

const (
	StageQueued     Stage = "queued"
	StageUploading  Stage = "uploading"
	StageLoading    Stage = "loading"
	StageProcessing Stage = "processing"
	StageSaving     Stage = "saving"
	StageComplete   Stage = "complete"
	StageError      Stage = "error"
)

var stageRank = map[Stage]int{
	StageQueued:     0,
	StageUploading:  1,
	StageLoading:    2,
	StageProcessing: 3,
	StageSaving:     4,
	StageComplete:   5,
}

// Terminal は終了状態（complete / error）かを返します。
func (s Stage) Terminal() bool {
	return s == StageComplete || s == StageError
}

// Valid は既知の段階かを返します。
func (s Stage) Valid() bool {
	_, ok := stageRank[s]
	return ok || s == StageError
}

// Stages は全段階を定義順に返します。
func Stages() []Stage {
	return []Stage{StageQueued, StageUploading, StageLoading, StageProcessing, StageSaving, StageComplete, StageError}
}

// ErrorInfo はジョブ失敗時のエラー情報を保持します。
type ErrorInfo struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Result は完了したジョブの成果物情報です。
type Result struct {
	InputFile   string `json:"inputFile"`
	OutputFile  string `json:"outputFile"`
	ResultRef   string `json:"resultRef"`
	DownloadURL string `json:"downloadUrl"`
	SizeBytes   int64  `json:"sizeBytes"`
	Strategy    string `json:"strategy"`
}

// Record はジョブの現在状態を表します。
type Record struct {
	JobID            string            `json:"jobId"`
	Stage            Stage             `json:"stage"`
	Progress         int               `json:"progress"`
	Message          string            `json:"message"`
	OriginalFilename string            `json:"originalFilename,omitempty"`
	Intensity        int               `json:"intensity"`
	IntensityLevel   enhance.Level     `json:"intensityLevel"`
	Model            string            `json:"model"`
	ModelDescription string            `json:"modelDescription,omitempty"`
	EstimatedTime    string            `json:"estimatedTime,omitempty"`
	Attempts         []enhance.Attempt `json:"attempts,omitempty"`
	Result           *Result           `json:"result,omitempty"`
	Error            *ErrorInfo        `json:"error,omitempty"`
	CreatedAt        time.Time         `json:"createdAt"`
	UpdatedAt        time.Time         `json:"updatedAt"`

	// 保存先のパスはクライアントに返さない
	InputPath  string `json:"-"`
	OutputPath string `json:"-"`
}

// clone は内部のスライスやポインタを共有しない複製を返します。
func (r *Record) clone() Record {
	c := *r
	if r.Attempts != nil {
		c.Attempts = append([]enhance.Attempt(nil), r.Attempts...)
	}
	if r.Result != nil {
		res := *r.Result
		c.Result = &res
	}
	if r.Error != nil {
		e := *r.Error
		c.Error = &e
	}
	return c
}
