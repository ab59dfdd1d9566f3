package logging

import "log/slog"

// Field names shared by every service so log queries stay uniform.
const (
	FieldService     = "service"
	FieldRequestID   = "request_id"
	FieldMethod      = "method"
	FieldPath        = "path"
	FieldStatus      = "status"
	FieldDuration    = "duration_ms"
	FieldError       = "error"
	FieldEventID     = "event_id"
	FieldEventType   = "event_type"
	FieldRoutingKey  = "routing_key"
	FieldMessageID   = "message_id"
	FieldFingerprint = "fp"
	FieldReason      = "reason"
	FieldSource      = "source"
	FieldRunID       = "run_id"
	FieldRunType     = "run_type"
	FieldStage       = "stage"
	FieldRows        = "rows"
	FieldAttempt     = "attempt"
)

// fingerprintPrefix is how much of a fingerprint ends up in logs.
const fingerprintPrefix = 12

func Service(name string) slog.Attr {
	return slog.String(FieldService, name)
}

func Method(method string) slog.Attr {
	return slog.String(FieldMethod, method)
}

func Path(path string) slog.Attr {
	return slog.String(FieldPath, path)
}

// Status returns a slog attribute for an HTTP status code.
func Status(code int) slog.Attr {
	return slog.Int(FieldStatus, code)
}

// Duration returns a slog attribute for a duration in milliseconds.
func Duration(ms int64) slog.Attr {
	return slog.Int64(FieldDuration, ms)
}

// Error returns a slog attribute for err. A nil error logs as an empty string.
func Error(err error) slog.Attr {
	if err == nil {
		return slog.String(FieldError, "")
	}
	return slog.String(FieldError, err.Error())
}

func EventID(id string) slog.Attr {
	return slog.String(FieldEventID, id)
}

func EventType(t string) slog.Attr {
	return slog.String(FieldEventType, t)
}

func RoutingKey(rk string) slog.Attr {
	return slog.String(FieldRoutingKey, rk)
}

func MessageID(id string) slog.Attr {
	return slog.String(FieldMessageID, id)
}

// Fingerprint logs only the leading characters of a content fingerprint.
func Fingerprint(fp string) slog.Attr {
	if len(fp) > fingerprintPrefix {
		fp = fp[:fingerprintPrefix]
	}
	return slog.String(FieldFingerprint, fp)
}

func Reason(reason string) slog.Attr {
	return slog.String(FieldReason, reason)
}

func Source(source string) slog.Attr {
	return slog.String(FieldSource, source)
}

func RunID(id string) slog.Attr {
	return slog.String(FieldRunID, id)
}

func RunType(t string) slog.Attr {
	return slog.String(FieldRunType, t)
}

func Stage(name string) slog.Attr {
	return slog.String(FieldStage, name)
}

func Rows(n int64) slog.Attr {
	return slog.Int64(FieldRows, n)
}

func Attempt(n int) slog.Attr {
	return slog.Int(FieldAttempt, n)
}
