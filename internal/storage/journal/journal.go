package journal

// ============================================================================
// Journal 核心實作
// 職責：
// 1. 記錄調度器的每個決策事件（append-only，JSON Lines）
// 2. 提供重放功能以稽核或重建決策歷史
// 3. 支援日誌旋轉（快照後換新檔）
// 4. 確保資料完整性（CRC32）
//
// 寫入模型：
//   Append 只寫入記憶體緩衝區，不做任何 I/O；
//   由擁有者（runner / server）在回呼之外呼叫 Flush。
//   這讓 controller 的回呼永遠不會因磁碟而阻塞。
// ============================================================================

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/ChuLiYu/psotune/pkg/types"
)

// Journal 表示決策日誌實例
type Journal struct {
	mu          sync.Mutex    // 保護並發寫入
	file        *os.File      // 日誌檔案
	encoder     *json.Encoder // JSON 編碼器
	path        string        // 日誌檔案路徑
	seq         uint64        // 當前事件序號
	syncOnFlush bool          // Flush 時是否 fsync
	closed      bool

	buffer []Event // 尚未寫入檔案的事件
}

// ============================================================================
// 公開介面
// ============================================================================

/*
Open 建立或開啟一個 Journal 實例

行為：
- 如果檔案不存在，建立新檔案，seq 從 0 開始
- 如果檔案已存在，讀取最後一個事件的 seq 並繼續
- 以追加模式（O_APPEND）開啟，確保寫入不覆蓋

參數：

	path        - 日誌檔案路徑
	syncOnFlush - Flush 時是否呼叫 fsync
*/
func Open(path string, syncOnFlush bool) (*Journal, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}

	var seq uint64
	if stat, statErr := file.Stat(); statErr == nil && stat.Size() > 0 {
		last, err := GetLastEvent(path)
		if err != nil {
			file.Close()
			return nil, fmt.Errorf("failed to read last journal event: %w", err)
		}
		seq = last.Seq
	}

	return &Journal{
		file:        file,
		encoder:     json.NewEncoder(file),
		path:        path,
		seq:         seq,
		syncOnFlush: syncOnFlush,
		buffer:      make([]Event, 0, 256),
	}, nil
}

// Append 追加一個事件到緩衝區
//
// 行為：
// - 自動遞增 seq
// - 計算 checksum
// - 不做 I/O，直到 Flush
//
// nil Journal 上呼叫是 no-op，方便在未設定日誌時直接使用。
func (j *Journal) Append(eventType EventType, trialID types.TrialID, at float64, detail map[string]interface{}) error {
	if j == nil {
		return nil
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return ErrJournalClosed
	}

	j.seq++
	event := Event{
		Seq:       j.seq,
		Type:      eventType,
		TrialID:   trialID,
		Time:      at,
		Detail:    detail,
		Timestamp: time.Now().UnixMilli(),
	}
	event.Checksum = CalculateChecksum(event)

	j.buffer = append(j.buffer, event)
	return nil
}

// Flush 將緩衝的事件寫入檔案（syncOnFlush 時同步到磁碟）
func (j *Journal) Flush() error {
	if j == nil {
		return nil
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return ErrJournalClosed
	}
	return j.flushLocked()
}

// Pending 緩衝區中尚未寫入的事件數
func (j *Journal) Pending() int {
	if j == nil {
		return 0
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.buffer)
}

// Replay 重放所有已寫入的事件
//
// 行為：
// - 先 flush 緩衝區
// - 從頭讀取檔案，驗證每個事件的 checksum
// - 呼叫 handler，遇到錯誤立即停止
func (j *Journal) Replay(handler EventHandler) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return ErrJournalClosed
	}
	if err := j.flushLocked(); err != nil {
		return err
	}
	return ReplayFile(j.path, handler)
}

// Rotate 旋轉日誌檔案
//
// 舊檔更名為 <path>.<lastSeq>.<timestamp>，新檔從 seq 0 開始。
//
// 回傳：
//
//	備份檔路徑，錯誤（如果旋轉失敗）
func (j *Journal) Rotate() (string, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return "", ErrJournalClosed
	}
	if err := j.flushLocked(); err != nil {
		return "", err
	}
	if err := j.file.Close(); err != nil {
		return "", fmt.Errorf("failed to close journal: %w", err)
	}

	backupPath := fmt.Sprintf("%s.%d.%s", j.path, j.seq, time.Now().Format("20060102_150405"))
	if err := os.Rename(j.path, backupPath); err != nil {
		return "", fmt.Errorf("failed to rename journal: %w", err)
	}

	file, err := os.OpenFile(j.path, os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0644)
	if err != nil {
		j.closed = true
		return "", fmt.Errorf("failed to create journal: %w", err)
	}

	j.file = file
	j.encoder = json.NewEncoder(file)
	j.seq = 0
	return backupPath, nil
}

// Close 關閉日誌；關閉後的實例不可再使用
func (j *Journal) Close() error {
	if j == nil {
		return nil
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return nil
	}
	flushErr := j.flushLocked()
	j.closed = true
	if err := j.file.Close(); err != nil {
		return err
	}
	return flushErr
}

// GetLastSeq 取得當前的事件序號（包含尚未 flush 的事件）
func (j *Journal) GetLastSeq() uint64 {
	if j == nil {
		return 0
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	return j.seq
}

// Path 日誌檔案路徑
func (j *Journal) Path() string {
	return j.path
}

// ============================================================================
// 內部輔助方法
// ============================================================================

// flushLocked 假設調用者已經持有 j.mu 鎖
func (j *Journal) flushLocked() error {
	if len(j.buffer) == 0 {
		return nil
	}
	for i, event := range j.buffer {
		if err := j.encoder.Encode(event); err != nil {
			j.buffer = j.buffer[i:]
			return fmt.Errorf("failed to write journal event seq=%d: %w", event.Seq, err)
		}
	}
	j.buffer = j.buffer[:0]

	if j.syncOnFlush {
		if err := j.file.Sync(); err != nil {
			return fmt.Errorf("failed to sync journal: %w", err)
		}
	}
	return nil
}
