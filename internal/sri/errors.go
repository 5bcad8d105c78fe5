package sri

import "fmt"

// Reason — причина отказа в загрузке, пригодная для ответа клиенту.
type Reason string

const (
	ReasonInvalidURI         Reason = "invalid_uri"
	ReasonInvalidDigest      Reason = "invalid_digest"
	ReasonProtocolNotAllowed Reason = "protocol_not_allowed"
	ReasonHostNotAllowed     Reason = "host_not_allowed"
	ReasonHTTPStatus         Reason = "http_status"
	ReasonMissingBody        Reason = "missing_body"
	ReasonSizeExceeded       Reason = "size_exceeded"
	ReasonDigestMismatch     Reason = "digest_mismatch"
	ReasonTimeout            Reason = "timeout"
	ReasonTransport          Reason = "transport"
)

// FetchError — отказ в загрузке с конкретной причиной.
type FetchError struct {
	Reason Reason
	Detail string
	Err    error
}

func newError(reason Reason, format string, args ...any) *FetchError {
	return &FetchError{Reason: reason, Detail: fmt.Sprintf(format, args...)}
}

func (e *FetchError) Error() string {
	switch {
	case e.Detail != "" && e.Err != nil:
		return fmt.Sprintf("sri: %s: %s: %v", e.Reason, e.Detail, e.Err)
	case e.Detail != "":
		return fmt.Sprintf("sri: %s: %s", e.Reason, e.Detail)
	case e.Err != nil:
		return fmt.Sprintf("sri: %s: %v", e.Reason, e.Err)
	default:
		return "sri: " + string(e.Reason)
	}
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// Policy сообщает, является ли отказ нарушением политики (а не целостности
// или транспорта).
func (e *FetchError) Policy() bool {
	switch e.Reason {
	case ReasonProtocolNotAllowed, ReasonHostNotAllowed, ReasonSizeExceeded, ReasonTimeout:
		return true
	}
	return false
}
