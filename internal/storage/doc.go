package storage

// Package storage provides a minimal persistence layer for the agent.
//
// It currently supports:
//   - Task outcome appends (append-only log)
//   - Agent state snapshots (plugin roster + last known health)
