// Package logx configures cadence's structured logging.
//
// A small wrapper (logx.Logger) on top of zerolog keeps:
//   - console output readable (short timestamp + short caller) on stderr
//   - file output JSON-structured
//   - stdout free for job output
package logx
