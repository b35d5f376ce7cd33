// Package logx is campaignd's structured logging on top of zerolog.
//
// Logger is a small value type: the zero value discards, With adds fixed
// fields, and loggers derived from a Service follow its Apply calls. The
// Service fans records out to a console writer, a JSON file and an optional
// chat alert sink that is level-filtered and rate limited.
package logx
