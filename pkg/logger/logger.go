// Package logger wraps the eigensdk structured logger every component takes.
package logger

import (
	sdklogging "github.com/Layr-Labs/eigensdk-go/logging"
)

// EnsureLogger lets constructors accept a nil logger. Output is discarded
// in that case.
func EnsureLogger(l sdklogging.Logger) sdklogging.Logger {
	if l == nil {
		return sdklogging.NewNoopLogger()
	}
	return l
}
