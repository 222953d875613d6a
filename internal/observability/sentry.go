package observability

import (
	"time"

	"github.com/getsentry/sentry-go"
)

func InitSentry(dsn, environment string) error {
	if dsn == "" {
		return nil
	}

	return sentry.Init(sentry.ClientOptions{
		Dsn:              dsn,
		Environment:      environment,
		AttachStacktrace: true,
	})
}

func FlushSentry() {
	sentry.Flush(2 * time.Second)
}

// CaptureSecurityEvent reports a non-error event that an operator must see,
// such as a replayed refresh credential.
func CaptureSecurityEvent(event string, tags map[string]string) {
	sentry.WithScope(func(scope *sentry.Scope) {
		scope.SetLevel(sentry.LevelWarning)
		scope.SetTag("security_event", event)
		for k, v := range tags {
			scope.SetTag(k, v)
		}
		sentry.CaptureMessage(event)
	})
}
