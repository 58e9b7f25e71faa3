// Package logx configures applaunch's structured logging.
//
// A small wrapper (logx.Logger) on top of zerolog keeps:
//   - Console output readable (short timestamp + short caller)
//   - File output JSON-structured and rotated (lumberjack)
//   - Optional Telegram sink (min-level + rate limiting)
package logx
