//go:build !linux

package monitor

// No scheduling control on this platform: applyThreadPriority stays nil and
// SetPriority reports false for every request.
