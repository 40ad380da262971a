package logger

import (
	"context"
	"errors"
	"os"

	"github.com/sirupsen/logrus"
)

var Log *logrus.Logger

func init() {
	Log = logrus.New()

	// Set output to stdout
	Log.SetOutput(os.Stdout)

	// Set log level from environment or default to Info
	level := os.Getenv("LOG_LEVEL")
	switch level {
	case "debug":
		Log.SetLevel(logrus.DebugLevel)
	case "info":
		Log.SetLevel(logrus.InfoLevel)
	case "warn":
		Log.SetLevel(logrus.WarnLevel)
	case "error":
		Log.SetLevel(logrus.ErrorLevel)
	default:
		Log.SetLevel(logrus.InfoLevel)
	}

	// Use JSON formatter for structured logs
	Log.SetFormatter(&logrus.JSONFormatter{
		TimestampFormat: "2006-01-02 15:04:05",
	})
}

// ForComponent returns an entry tagged with the component name
func ForComponent(component string) *logrus.Entry {
	return Log.WithField("component", component)
}

type tenantKey struct{}

// WithTenant returns a context whose log entries carry the tenant id
func WithTenant(ctx context.Context, tenantID string) context.Context {
	return context.WithValue(ctx, tenantKey{}, tenantID)
}

// FromContext adds the tenant carried by ctx, if any, to entry
func FromContext(ctx context.Context, entry *logrus.Entry) *logrus.Entry {
	if id, ok := ctx.Value(tenantKey{}).(string); ok && id != "" {
		return entry.WithField("tenant", id)
	}
	return entry
}

// kinded is satisfied by errors that carry an error_kind classification
type kinded interface {
	ErrorKind() string
}

// Degraded logs a caught failure that was turned into an empty or default
// result. The entry is expected to already carry tenant, conversation and
// component fields.
func Degraded(entry *logrus.Entry, operation string, err error) {
	kind := "internal"
	var k kinded
	if errors.As(err, &k) {
		kind = k.ErrorKind()
	}
	entry.WithFields(logrus.Fields{
		"operation":  operation,
		"error_kind": kind,
	}).WithError(err).Warn("Degraded to default result")
}
