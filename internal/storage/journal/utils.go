package journal

// ============================================================================
// Journal 工具函式
// 職責：檔案層級的讀取、驗證與診斷
// ============================================================================

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"
)

// ReplayFile 從檔案重放事件（不需要開啟 Journal 實例）
//
// 遇到無法解析的紀錄回傳 *CorruptionError；
// 校驗和錯誤回傳 *ChecksumError。
func ReplayFile(path string, handler EventHandler) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open journal: %w", err)
	}
	defer file.Close()

	decoder := json.NewDecoder(file)
	var lastSeq uint64
	for {
		offset := decoder.InputOffset()
		var event Event
		if err := decoder.Decode(&event); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return &CorruptionError{Seq: lastSeq, Offset: offset, Cause: err}
		}
		if err := VerifyChecksum(event); err != nil {
			return err
		}
		lastSeq = event.Seq

		if err := handler(event); err != nil {
			return err
		}
	}
}

// GetLastEvent 從檔案讀取最後一個事件
//
// 由頭到尾掃描；檔案為空時回傳 ErrEmptyJournal。
func GetLastEvent(path string) (*Event, error) {
	var last *Event
	err := ReplayFile(path, func(event Event) error {
		e := event
		last = &e
		return nil
	})
	if err != nil {
		return nil, err
	}
	if last == nil {
		return nil, ErrEmptyJournal
	}
	return last, nil
}

// CountEvents 計算檔案中的事件總數
func CountEvents(path string) (int, error) {
	count := 0
	err := ReplayFile(path, func(Event) error {
		count++
		return nil
	})
	return count, err
}

// ValidateJournal 驗證檔案的完整性
//
// 檢查項目：
// - 所有事件的 JSON 格式正確
// - 所有事件的校驗和正確
// - seq 從第一個事件開始連續遞增
func ValidateJournal(path string) error {
	var prev uint64
	first := true
	return ReplayFile(path, func(event Event) error {
		if !first && event.Seq != prev+1 {
			return fmt.Errorf("%w: seq %d follows %d", ErrSequenceGap, event.Seq, prev)
		}
		first = false
		prev = event.Seq
		return nil
	})
}

// DumpJournal 輸出檔案內容（人類可讀格式）
//
//	[seq:1] ADMIT trial-1 t=0 at 2024-01-01T00:00:00Z (checksum:0x12345678)
func DumpJournal(path string, w io.Writer) error {
	return ReplayFile(path, func(event Event) error {
		_, err := fmt.Fprintf(w, "[seq:%d] %s %s t=%g at %s (checksum:0x%08x)",
			event.Seq, event.Type, event.TrialID, event.Time,
			time.UnixMilli(event.Timestamp).UTC().Format(time.RFC3339), event.Checksum)
		if err != nil {
			return err
		}
		if len(event.Detail) > 0 {
			detail, err := json.Marshal(event.Detail)
			if err != nil {
				return err
			}
			if _, err := fmt.Fprintf(w, " %s", detail); err != nil {
				return err
			}
		}
		_, err = fmt.Fprintln(w)
		return err
	})
}

// Stats 日誌統計資訊
type Stats struct {
	TotalEvents int               // 總事件數
	EventTypes  map[EventType]int // 各類型事件計數
	FirstSeq    uint64            // 第一個事件的 seq
	LastSeq     uint64            // 最後一個事件的 seq
	Trials      int               // 出現過的試驗數
	MaxTime     float64           // 事件中最大的時間屬性值
}

// GetStats 取得檔案的統計資訊
func GetStats(path string) (*Stats, error) {
	stats := &Stats{EventTypes: make(map[EventType]int)}
	trials := make(map[string]struct{})

	err := ReplayFile(path, func(event Event) error {
		if stats.TotalEvents == 0 {
			stats.FirstSeq = event.Seq
		}
		stats.TotalEvents++
		stats.LastSeq = event.Seq
		stats.EventTypes[event.Type]++
		if event.TrialID != "" {
			trials[string(event.TrialID)] = struct{}{}
		}
		stats.MaxTime = max(stats.MaxTime, event.Time)
		return nil
	})
	if err != nil {
		return nil, err
	}

	stats.Trials = len(trials)
	return stats, nil
}
