package auth

import "context"

type subjectContextKey struct{}

// WithSubject stores the authenticated caller id on the context.
func WithSubject(ctx context.Context, subject string) context.Context {
	return context.WithValue(ctx, subjectContextKey{}, subject)
}

// SubjectFrom returns the authenticated caller id, if any.
func SubjectFrom(ctx context.Context) (string, bool) {
	subject, ok := ctx.Value(subjectContextKey{}).(string)
	return subject, ok && subject != ""
}
