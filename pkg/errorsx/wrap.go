package errorsx

import "errors"

// ReasonedError attaches a ReasonCode to an error. The innermost reason in a
// chain wins, so callers closer to the provider decide the code.
type ReasonedError struct {
	Err    error
	Reason ReasonCode
}

func (e ReasonedError) Error() string {
	if e.Err == nil {
		return string(e.Reason)
	}
	return e.Err.Error()
}

func (e ReasonedError) Unwrap() error { return e.Err }

// Wrap tags err with reason unless the chain already carries one.
func Wrap(err error, reason ReasonCode) error {
	if err == nil || explicitReason(err) != "" {
		return err
	}
	return ReasonedError{Err: err, Reason: reason}
}

// Reason returns the explicit reason in err's chain. Without one it falls
// back to the taxonomy, so a bare ServiceError still logs a useful code.
func Reason(err error) ReasonCode {
	if err == nil {
		return ReasonUnknown
	}
	if r := explicitReason(err); r != "" {
		return r
	}
	switch {
	case IsNotConfigured(err):
		return ReasonNotConfigured
	case IsMalformed(err):
		return ReasonMalformedResponse
	case IsCaptureStream(err):
		return ReasonCaptureStream
	}
	var se *ServiceError
	if errors.As(err, &se) {
		switch se.Service {
		case ServiceTranscription:
			return ReasonSTTRequest
		case ServiceDialogue:
			return ReasonLLMGenerate
		case ServiceSynthesis:
			return ReasonTTSRequest
		case ServicePlayback:
			return ReasonPlayback
		}
	}
	return ReasonUnknown
}

func HasReason(err error, reason ReasonCode) bool {
	return Reason(err) == reason
}

func explicitReason(err error) ReasonCode {
	var re ReasonedError
	if errors.As(err, &re) {
		return re.Reason
	}
	return ""
}
