package errorsx

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Service names the external service a ServiceError came from.
type Service string

const (
	ServiceTranscription Service = "transcription"
	ServiceDialogue      Service = "dialogue"
	ServiceSynthesis     Service = "synthesis"
	ServicePlayback      Service = "playback"
)

// Kind classifies an error for callers that surface it to users.
type Kind string

const (
	KindUnknown       Kind = "unknown"
	KindNotConfigured Kind = "not_configured"
	KindTranscription Kind = "transcription"
	KindDialogue      Kind = "dialogue"
	KindSynthesis     Kind = "synthesis"
	KindPlayback      Kind = "playback"
	KindCaptureStream Kind = "capture_stream"
)

// NotConfiguredError reports missing credentials or settings.
type NotConfiguredError struct {
	Missing []string
}

func (e *NotConfiguredError) Error() string {
	if len(e.Missing) == 0 {
		return "not configured"
	}
	return "not configured: missing " + strings.Join(e.Missing, ", ")
}

// NewNotConfigured returns nil when nothing is missing.
func NewNotConfigured(missing ...string) error {
	if len(missing) == 0 {
		return nil
	}
	out := append([]string(nil), missing...)
	sort.Strings(out)
	return Wrap(&NotConfiguredError{Missing: out}, ReasonNotConfigured)
}

// ServiceError is a failure of one of the remote services used per turn.
type ServiceError struct {
	Service  Service
	Provider string
	Err      error
}

func (e *ServiceError) Error() string {
	prefix := string(e.Service)
	if e.Provider != "" {
		prefix += " (" + e.Provider + ")"
	}
	if e.Err == nil {
		return prefix + ": failed"
	}
	return prefix + ": " + e.Err.Error()
}

func (e *ServiceError) Unwrap() error { return e.Err }

// NewServiceError tags err with the service it came from. An error that is
// already a ServiceError for the same service is returned unchanged.
func NewServiceError(service Service, provider string, err error) error {
	if err == nil {
		return nil
	}
	var se *ServiceError
	if errors.As(err, &se) && se.Service == service {
		return err
	}
	return &ServiceError{Service: service, Provider: provider, Err: err}
}

// MalformedResponseError reports a payload with an unexpected shape.
type MalformedResponseError struct {
	Provider string
	Detail   string
}

func (e *MalformedResponseError) Error() string {
	if e.Provider == "" {
		return "malformed response: " + e.Detail
	}
	return fmt.Sprintf("malformed response from %s: %s", e.Provider, e.Detail)
}

// Malformed builds a reasoned MalformedResponseError.
func Malformed(provider, detail string) error {
	return Wrap(&MalformedResponseError{Provider: provider, Detail: detail}, ReasonMalformedResponse)
}

// CaptureStreamError reports that the capture stream could not be kept alive.
type CaptureStreamError struct {
	Attempts int
	Err      error
}

func (e *CaptureStreamError) Error() string {
	msg := fmt.Sprintf("capture stream lost after %d attempts", e.Attempts)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *CaptureStreamError) Unwrap() error { return e.Err }

func IsNotConfigured(err error) bool {
	var nc *NotConfiguredError
	return errors.As(err, &nc)
}

func IsMalformed(err error) bool {
	var mr *MalformedResponseError
	return errors.As(err, &mr)
}

func IsCaptureStream(err error) bool {
	var cs *CaptureStreamError
	return errors.As(err, &cs)
}

func IsTranscription(err error) bool { return isService(err, ServiceTranscription) }
func IsDialogue(err error) bool      { return isService(err, ServiceDialogue) }
func IsSynthesis(err error) bool     { return isService(err, ServiceSynthesis) }

func isService(err error, service Service) bool {
	var se *ServiceError
	return errors.As(err, &se) && se.Service == service
}

// KindOf maps an error onto the user-facing taxonomy.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	if IsNotConfigured(err) {
		return KindNotConfigured
	}
	if IsCaptureStream(err) {
		return KindCaptureStream
	}
	var se *ServiceError
	if errors.As(err, &se) {
		switch se.Service {
		case ServiceTranscription:
			return KindTranscription
		case ServiceDialogue:
			return KindDialogue
		case ServiceSynthesis:
			return KindSynthesis
		case ServicePlayback:
			return KindPlayback
		}
	}
	return KindUnknown
}
