package oauthd

import "context"

type contextKey string

const subjectContextKey contextKey = "oauthd.subject"

// WithSubject returns a context carrying the authenticated end user's
// subject identifier. The hosting application's authentication
// middleware is expected to call this before the authorization
// endpoint runs; the handler never authenticates end users itself.
func WithSubject(ctx context.Context, subjectID string) context.Context {
	return context.WithValue(ctx, subjectContextKey, subjectID)
}

// SubjectFromContext returns the subject identifier set by
// WithSubject, or "" when no user is authenticated.
func SubjectFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(subjectContextKey).(string); ok {
		return v
	}
	return ""
}
