// Package logx is a thin structured-logging layer over zerolog.
//
// It exists so the rest of the codebase logs through one stable API while the
// Service can swap levels and sinks (console, file) at runtime when config
// changes, without components holding on to stale loggers.
package logx
