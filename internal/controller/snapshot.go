package controller

import (
	"fmt"
	"time"

	"github.com/ChuLiYu/psotune/internal/snapshot"
	"github.com/ChuLiYu/psotune/pkg/types"
)

// Snapshot 取得調度器狀態的深拷貝
func (s *Scheduler) Snapshot() types.SnapshotData {
	trials, order, nextSeq := s.store.Snapshot()
	return types.SnapshotData{
		Trials:        trials,
		Order:         order,
		NextSync:      s.gate.Next(),
		SyncRounds:    s.gate.Rounds(),
		NextSeq:       nextSeq,
		Checkpoints:   s.numCheckpoints,
		Perturbations: s.numPerturbations,
		SchemaVer:     snapshot.SchemaVersion,
		LastSeq:       s.journal.GetLastSeq(),
	}
}

// Restore 從快照恢復調度器狀態（覆蓋現有的試驗狀態）
//
// 錯誤處理：
//   - ErrReentrantCall: 回呼執行中
//   - ErrInvariant: 快照中的試驗缺少可調維度
func (s *Scheduler) Restore(data types.SnapshotData) error {
	if !s.enter() {
		return ErrReentrantCall
	}
	defer s.exit()

	dims := s.engine.Dimensions()
	for id, state := range data.Trials {
		for _, dim := range dims {
			_, okPos := state.Position[dim]
			_, okBest := state.BestPosition[dim]
			_, okVel := state.Velocity[dim]
			if !okPos || !okBest || !okVel {
				return fmt.Errorf("%w: snapshot state of trial %s lacks dimension %q", ErrInvariant, id, dim)
			}
		}
	}

	s.store.Restore(data.Trials, data.Order, data.NextSeq)
	s.gate.Restore(data.NextSync, data.SyncRounds)
	s.numCheckpoints = data.Checkpoints
	s.numPerturbations = data.Perturbations
	s.outbox = nil

	s.metrics.SetLiveTrials(s.store.Len())
	s.metrics.SetNextSync(s.gate.Next())
	return nil
}

// SaveSnapshot 寫入快照，成功後旋轉 journal
//
// journal 旋轉前會先 flush，快照的 LastSeq 對應舊檔的最後一筆事件。
func (s *Scheduler) SaveSnapshot(m *snapshot.Manager) error {
	start := time.Now()
	if err := s.journal.Flush(); err != nil {
		return fmt.Errorf("failed to flush journal: %w", err)
	}

	data := s.Snapshot()
	if err := m.Write(data); err != nil {
		return fmt.Errorf("failed to write snapshot: %w", err)
	}

	if s.journal != nil {
		backup, err := s.journal.Rotate()
		if err != nil {
			return fmt.Errorf("failed to rotate journal: %w", err)
		}
		s.logger.Debug("Journal rotated", "backup", backup)
	}

	s.logger.Info("Snapshot taken",
		"duration", time.Since(start),
		"trials", len(data.Trials),
		"next_sync", data.NextSync)
	return nil
}

// LoadSnapshot 從快照檔恢復狀態
//
// 錯誤處理：
//   - snapshot.ErrSnapshotNotFound: 沒有快照（首次啟動）
func (s *Scheduler) LoadSnapshot(m *snapshot.Manager) error {
	start := time.Now()

	data, err := m.Load()
	if err != nil {
		return fmt.Errorf("failed to load snapshot: %w", err)
	}
	if err := s.Restore(data); err != nil {
		return fmt.Errorf("failed to restore state: %w", err)
	}

	recoveryTime := time.Since(start)
	s.metrics.SetRecoveryTime(recoveryTime.Seconds())
	s.logger.Info("Snapshot loaded",
		"duration", recoveryTime,
		"trials", len(data.Trials),
		"next_sync", data.NextSync)
	return nil
}
