// ============================================================================
// psotune Logging - slog 初始化
// ============================================================================
//
// Package: internal/logging
// 文件: logging.go
// 功能: 依設定建立 slog.Logger（text / json），輸出到 stderr
//
// stdout 保留給命令輸出（例如 journal dump、模擬摘要）。
//
// ============================================================================

package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// NewLogger 建立寫到 stderr 的 logger
//
// 參數說明：
//   - level: 日誌等級
//   - format: "text" 或 "json"，其他值視為 text
func NewLogger(level slog.Level, format string) *slog.Logger {
	return NewLoggerWithWriter(level, format, os.Stderr)
}

// NewLoggerWithWriter 建立寫到指定 writer 的 logger
func NewLoggerWithWriter(level slog.Level, format string, w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	switch strings.ToLower(format) {
	case "json":
		handler = slog.NewJSONHandler(w, opts)
	default:
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}

// ParseLevel 將字串轉為日誌等級；無法辨識時回傳 INFO
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Setup 建立 logger 並設為 slog 預設值
func Setup(level, format string) *slog.Logger {
	logger := NewLogger(ParseLevel(level), format)
	slog.SetDefault(logger)
	return logger
}
