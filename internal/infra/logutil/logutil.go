// Package logutil holds logger helpers shared by the node's components.
package logutil

import (
	"io"

	"github.com/sirupsen/logrus"
)

// OrDiscard returns l, or a logger that writes nowhere if l is nil.
func OrDiscard(l logrus.FieldLogger) logrus.FieldLogger {
	if l != nil {
		return l
	}
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}
