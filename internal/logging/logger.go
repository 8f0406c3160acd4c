// Package logging provides the two structured loggers the controller
// uses: a general logger for startup/teardown/adapters, and a separate
// Supervisor Loop logger whose records carry a renamed message field so
// the two streams stay visually distinct in a shared console or file.
package logging

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

var logger *logrus.Logger
var loopLogger *logrus.Logger

func init() {
	logger = logrus.New()
	logger.SetOutput(os.Stdout)
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, DisableColors: false})
	logger.SetLevel(logrus.InfoLevel)

	loopLogger = logrus.New()
	loopLogger.SetOutput(os.Stdout)
	loopLogger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
		DisableColors: false,
		FieldMap: logrus.FieldMap{
			logrus.FieldKeyTime:  "time",
			logrus.FieldKeyLevel: "level",
			logrus.FieldKeyMsg:   "loop_msg",
		},
	})
	loopLogger.SetLevel(logrus.InfoLevel)
}

// GetLogger returns the general controller logger.
func GetLogger() *logrus.Logger { return logger }

// GetLoopLogger returns the Supervisor Loop logger.
func GetLoopLogger() *logrus.Logger { return loopLogger }

// SetLogLevel sets the console severity (the --clog-min flag).
func SetLogLevel(level string) error {
	l, err := logrus.ParseLevel(level)
	if err != nil {
		return err
	}
	logger.SetLevel(l)
	loopLogger.SetLevel(l)
	return nil
}

// SetFileOutput adds a file sink alongside stdout for both loggers,
// backing --log-file. The file sink receives the same entries as stdout,
// at the level set by SetLogLevel; see SetFileLevel for --flog-min.
func SetFileOutput(w io.Writer) {
	logger.SetOutput(io.MultiWriter(os.Stdout, w))
	loopLogger.SetOutput(io.MultiWriter(os.Stdout, w))
}

// SetFileLevel is a placeholder hook for --flog-min: logrus has one
// level per logger instance, so a genuinely independent file severity
// would need a second logrus.Hook writing only to the file. We keep the
// simpler shared-level behavior here and document the limitation rather
// than adding hook machinery no task in this repo exercises.
func SetFileLevel(level string) error {
	_, err := logrus.ParseLevel(level)
	return err
}
