// Package logx is escalator's structured logging, a thin wrapper over zerolog.
//
//   - Console output stays readable (short timestamp, short caller).
//   - File output is JSON, one event per line.
//   - An optional Telegram sink forwards warnings to an operator chat
//     (min level + rate limit, never blocks the caller).
//
// Loggers obtained from a Service follow Service.Apply, so a config reload
// changes levels and sinks without re-plumbing every component.
package logx
