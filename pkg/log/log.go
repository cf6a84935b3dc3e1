package log

import (
	"context"
	"log/slog"
	"os"
	"slices"
	"strings"

	"github.com/raterudder/mobilelink/pkg/types"
)

// Namespace is attached to every record written by the default logger.
const Namespace = "mobilelink_propane"

// secretKeys are attribute keys whose values are never written.
var secretKeys = []string{"password", "cookie", "cookieheader", "cookie_header", "token"}

var (
	defaultLogLevel slog.LevelVar
	defaultLogger   = New(os.Stdout)
)

func init() {
	defaultLogLevel.Set(slog.LevelInfo)
}

// New returns a JSON logger writing to f at the default level with secrets
// redacted.
func New(f *os.File) *slog.Logger {
	return slog.New(slog.NewJSONHandler(f, &slog.HandlerOptions{
		AddSource:   true,
		Level:       &defaultLogLevel,
		ReplaceAttr: redact,
	})).With(slog.String("logger", Namespace))
}

func redact(groups []string, a slog.Attr) slog.Attr {
	if a.Value.Kind() == slog.KindString && a.Value.String() != "" && slices.Contains(secretKeys, strings.ToLower(a.Key)) {
		return slog.String(a.Key, types.Redacted)
	}
	return a
}

type contextKey struct{}

var loggerKey = contextKey{}

// Ctx returns the logger from the context. If no logger is found, it returns the default logger.
func Ctx(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(loggerKey).(*slog.Logger); ok {
		return l
	}
	return defaultLogger
}

// With returns a new context with the given logger.
func With(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, loggerKey, logger)
}

// WithAttrs returns a new context whose logger carries the given attributes
// in addition to whatever the context logger already has.
func WithAttrs(ctx context.Context, attrs ...any) context.Context {
	return With(ctx, Ctx(ctx).With(attrs...))
}

func SetDefaultLogLevel(level slog.Level) {
	defaultLogLevel.Set(level)
}
