package wsproto

import "go.uber.org/zap"

// nopLogger is the default when a caller doesn't supply one via WithLogger,
// keeping the library silent unless a caller opts in.
func nopLogger() *zap.Logger {
	return zap.NewNop()
}
