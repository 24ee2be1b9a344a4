// Package logx is a thin structured-logging facade over zerolog.
//
// It exposes a small Field-based API so callers never import zerolog
// directly, and its zero value is a safe no-op logger.
package logx
