// Package logx is remindbot's structured logging: a small Logger over
// zerolog with typed Field helpers, plus a Service whose level and sinks can
// be swapped by a config reload without rebuilding components.
//
// Console lines are short (time, caller, key=value); the optional file sink
// keeps JSON.
package logx
