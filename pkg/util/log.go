// Package util holds the process-wide logger shared by chainlab packages.
package util

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

// Logger is the global logger instance
var Logger = logrus.New()

func init() {
	Logger.SetOutput(os.Stderr)
	Logger.SetLevel(logrus.InfoLevel)
	Logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05",
	})
}

// SetLogLevel sets the logging level
func SetLogLevel(level string) error {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return err
	}
	Logger.SetLevel(lvl)
	return nil
}

// SetLogOutput sets the log output destination
func SetLogOutput(w io.Writer) {
	Logger.SetOutput(w)
}

// SetJSONFormat enables JSON log format
func SetJSONFormat() {
	Logger.SetFormatter(&logrus.JSONFormatter{
		TimestampFormat: "2006-01-02T15:04:05Z07:00",
	})
}

// WithField returns a logger with a field
func WithField(key string, value interface{}) *logrus.Entry {
	return Logger.WithField(key, value)
}

// WithFields returns a logger with multiple fields
func WithFields(fields map[string]interface{}) *logrus.Entry {
	return Logger.WithFields(fields)
}

// WithComponent returns a logger tagged with the emitting subsystem
// ("supervisor", "session", ...).
func WithComponent(component string) *logrus.Entry {
	return Logger.WithField("component", component)
}

// WithRouter returns a logger with router context
func WithRouter(router string) *logrus.Entry {
	return Logger.WithField("router", router)
}

// WithDaemon returns a logger with router and daemon role context
func WithDaemon(router, role string) *logrus.Entry {
	return Logger.WithFields(logrus.Fields{
		"router": router,
		"daemon": role,
	})
}
