// Package logx is fleetbeat's structured logging on top of zerolog.
//
// Console lines carry a short timestamp and a file:line caller; the log file
// gets JSON. A Service swaps levels and sinks when the config is reloaded.
package logx
