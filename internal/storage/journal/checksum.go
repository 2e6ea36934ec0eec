package journal

// ============================================================================
// 校驗和計算
// 職責：計算與驗證 journal 事件的 CRC32 校驗和
// ============================================================================

import (
	"encoding/json"
	"fmt"
	"hash/crc32"
)

// CalculateChecksum 計算事件的 CRC32 校驗和
//
// 校驗範圍：Seq + Type + TrialID + Time + Detail（JSON，鍵已排序；空 Detail 視同 nil）
// 不包含 Timestamp 與 Checksum 本身。
func CalculateChecksum(event Event) uint32 {
	var detail []byte
	if len(event.Detail) > 0 {
		detail, _ = json.Marshal(event.Detail)
	}
	data := fmt.Sprintf("%d|%s|%s|%g|%s", event.Seq, event.Type, event.TrialID, event.Time, detail)
	return crc32.ChecksumIEEE([]byte(data))
}

// VerifyChecksum 驗證事件的校驗和
//
// 回傳：
//
//	nil 表示校驗和正確，否則為 *ChecksumError
func VerifyChecksum(event Event) error {
	expected := CalculateChecksum(event)
	if event.Checksum != expected {
		return &ChecksumError{Seq: event.Seq, Expected: expected, Actual: event.Checksum}
	}
	return nil
}
