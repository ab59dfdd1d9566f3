package messaging

import "strings"

// Routing keys published by the tracking API.
const (
	RoutingKeyPageView      = "ui.page_view"
	RoutingKeyClick         = "ui.click"
	RoutingKeyAddToCart     = "ui.add_to_cart"
	RoutingKeyBeginCheckout = "ui.begin_checkout"
)

// NATS subjects. Pattern: analytics.{area}.{detail}
const (
	SubjectDeadLetterPrefix  = "analytics.dlq"
	SubjectPipelineRunPrefix = "analytics.pipeline.run"
)

// DeadLetterSubject maps a reason such as "validation_error:click" to
// analytics.dlq.validation_error.click.
func DeadLetterSubject(reason string) string {
	return SubjectDeadLetterPrefix + "." + subjectToken(reason)
}

// PipelineRunSubject returns the subject for a run status transition.
func PipelineRunSubject(status string) string {
	return SubjectPipelineRunPrefix + "." + subjectToken(status)
}

// subjectToken keeps subjects to [a-z0-9_] tokens separated by dots.
func subjectToken(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return "unknown"
	}
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_', r == '-':
			b.WriteRune(r)
		case r == ':' || r == '.':
			b.WriteByte('.')
		default:
			b.WriteByte('_')
		}
	}
	return strings.Trim(b.String(), ".")
}
