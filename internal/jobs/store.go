package jobs

import (
	"fmt"
	"sync"
	"time"

	"github.com/yourusername/voice-enhancer/internal/enhance"
)

// Store はジョブ状態をメモリ上に保持します。プロセスが終了すると失われます。
// 全ての操作は1つの RWMutex で直列化され、呼び出し側には常に複製を返します。
type Store struct {
	mu      sync.RWMutex
	records map[string]*Record
	now     func() time.Time
}

// NewStore は Store を作成します。now が nil の場合は time.Now を使います。
func NewStore(now func() time.Time) *Store {
	if now == nil {
		now = time.Now
	}
	return &Store{
		records: make(map[string]*Record),
		now:     func() time.Time { return now().UTC() },
	}
}

// Create はジョブを queued / 0% で登録します。
func (s *Store) Create(record Record) error {
	if record.JobID == "" {
		return fmt.Errorf("jobID is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.records[record.JobID]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateJob, record.JobID)
	}
	now := s.now()
	r := record.clone()
	r.Stage = StageQueued
	r.Progress = 0
	r.Result = nil
	r.Error = nil
	r.CreatedAt = now
	r.UpdatedAt = now
	s.records[r.JobID] = &r
	return nil
}

// Update は段階・進捗・メッセージを更新します。
// 進捗は減らず、段階は後戻りしません。終了済みのジョブは変更できません。
func (s *Store) Update(jobID string, stage Stage, progress int, message string) error {
	if !stage.Valid() || stage.Terminal() {
		return fmt.Errorf("invalid stage for update: %q", stage)
	}
	return s.mutate(jobID, func(r *Record) error {
		if stageRank[stage] < stageRank[r.Stage] {
			return fmt.Errorf("%w: %s -> %s", ErrStageRegression, r.Stage, stage)
		}
		r.Stage = stage
		r.Progress = max(r.Progress, clampPercent(progress))
		r.Message = message
		return nil
	})
}

// MarkComplete はジョブを complete / 100% にします。
func (s *Store) MarkComplete(jobID string, result Result, message string) error {
	return s.mutate(jobID, func(r *Record) error {
		r.Stage = StageComplete
		r.Progress = 100
		r.Message = message
		r.Result = &result
		r.Error = nil
		return nil
	})
}

// MarkFailed はジョブを error / 0% にします。
func (s *Store) MarkFailed(jobID string, info ErrorInfo) error {
	return s.mutate(jobID, func(r *Record) error {
		r.Stage = StageError
		r.Progress = 0
		r.Message = info.Message
		r.Result = nil
		r.Error = &info
		return nil
	})
}

// RecordAttempt は失敗した処理方式を追記します。
func (s *Store) RecordAttempt(jobID string, attempt enhance.Attempt) error {
	return s.mutate(jobID, func(r *Record) error {
		r.Attempts = append(r.Attempts, attempt)
		return nil
	})
}

// Get はジョブの複製を返します。
func (s *Store) Get(jobID string) (Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.records[jobID]
	if !ok {
		return Record{}, false
	}
	return r.clone(), true
}

// Delete はジョブを削除します。存在しなくてもエラーにしません。
func (s *Store) Delete(jobID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, jobID)
}

// SweepExpired は保持期間を過ぎたジョブを削除し、削除したジョブを返します。
// 終了済みは terminalMaxAge、実行中は最終更新から inFlightMaxAge が基準です（0 以下は対象外）。
// keep が true を返す実行中のジョブは更新が止まっていても残します。
func (s *Store) SweepExpired(terminalMaxAge, inFlightMaxAge time.Duration, keep func(Record) bool) []Record {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var evicted []Record
	for id, r := range s.records {
		age := now.Sub(r.UpdatedAt)
		var expired bool
		if r.Stage.Terminal() {
			expired = terminalMaxAge > 0 && age > terminalMaxAge
		} else {
			expired = inFlightMaxAge > 0 && age > inFlightMaxAge && (keep == nil || !keep(*r))
		}
		if expired {
			evicted = append(evicted, r.clone())
			delete(s.records, id)
		}
	}
	return evicted
}

// Stats は段階ごとのジョブ数を返します。
func (s *Store) Stats() map[Stage]int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := make(map[Stage]int, len(stageRank)+1)
	for _, r := range s.records {
		stats[r.Stage]++
	}
	return stats
}

// Len は保持しているジョブ数を返します。
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

func (s *Store) mutate(jobID string, fn func(*Record) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.records[jobID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	if r.Stage.Terminal() {
		return fmt.Errorf("%w: %s", ErrJobTerminal, jobID)
	}
	if err := fn(r); err != nil {
		return err
	}
	r.UpdatedAt = s.now()
	return nil
}

func clampPercent(p int) int {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}
