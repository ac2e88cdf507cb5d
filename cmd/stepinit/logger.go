package main

import (
	"os"

	"github.com/sixfold/stepinit/internal/logging"
)

// stderrWriter adapts os.Stderr to io.WriteCloser without ever
// actually closing the process's stderr descriptor, the same
// guard the teacher's own console writers apply.
type stderrWriter struct{}

func (stderrWriter) Write(p []byte) (int, error) { return os.Stderr.Write(p) }
func (stderrWriter) Close() error                { return nil }

// buildLogger opens path as the log destination, or logs to stderr
// when path is empty.
func buildLogger(path string) (*logging.Logger, error) {
	if path == "" {
		return logging.New(stderrWriter{}), nil
	}
	return logging.NewFile(path)
}
