package remote

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// GenericErrorMessage is reported for error responses that carry no
// machine-readable body.
const GenericErrorMessage = "unexpected response from remote service"

// structuredStatuses are the only status codes whose body is read as an
// ErrorBody.
var structuredStatuses = map[int]bool{
	http.StatusBadRequest:          true,
	http.StatusForbidden:           true,
	http.StatusConflict:            true,
	http.StatusInternalServerError: true,
}

// ErrorBody is the record system's error payload.
type ErrorBody struct {
	ErrorCode   string `json:"errorCode"`
	ErrorDetail string `json:"errorDetail,omitempty"`
}

// StructuredError is an error response with a parsed ErrorBody.
type StructuredError struct {
	StatusCode  int
	ErrorCode   string
	ErrorDetail string
}

func (e *StructuredError) Error() string {
	return fmt.Sprintf("code: %s, detail:%s", e.ErrorCode, e.ErrorDetail)
}

// ProtocolError is an unexpected status or response shape.
type ProtocolError struct {
	StatusCode int
	Message    string
}

func (e *ProtocolError) Error() string {
	return e.Message
}

// ParseErrorBody reads body as an ErrorBody. It reports false when the body
// is not JSON or has no errorCode.
func ParseErrorBody(body []byte) (ErrorBody, bool) {
	var eb ErrorBody
	if err := json.Unmarshal(body, &eb); err != nil || eb.ErrorCode == "" {
		return ErrorBody{}, false
	}
	return eb, true
}

// Classify converts an unexpected response into a *StructuredError when the
// status is one of 400, 403, 409 or 500 and the body parses, and into a
// *ProtocolError with GenericErrorMessage otherwise.
func Classify(resp *Response) error {
	if structuredStatuses[resp.StatusCode] {
		if eb, ok := ParseErrorBody(resp.Body); ok {
			return &StructuredError{
				StatusCode:  resp.StatusCode,
				ErrorCode:   eb.ErrorCode,
				ErrorDetail: eb.ErrorDetail,
			}
		}
	}
	return &ProtocolError{StatusCode: resp.StatusCode, Message: GenericErrorMessage}
}
