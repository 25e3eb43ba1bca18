// Package logx configures xwatch's structured logging.
//
// A small wrapper (logx.Logger) on top of zerolog keeps:
//   - Console output readable (short timestamp + short caller)
//   - File output JSON-structured
//   - Optional alert sink to the maintainer (min-level + rate limiting)
package logx
