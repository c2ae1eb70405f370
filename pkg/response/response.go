package response

// Response represents a standard API response format
type Response struct {
	Status     string      `json:"status"`      // "success" or "error"
	StatusCode int         `json:"status_code"` // HTTP status code
	Data       interface{} `json:"data,omitempty"`
	Error      string      `json:"error,omitempty"`
	Noop       bool        `json:"noop,omitempty"` // the call was accepted but changed nothing
	Message    string      `json:"message,omitempty"`
}

// Success returns a standard success response wrapping the data
func Success(statusCode int, data interface{}) Response {
	return Response{
		Status:     "success",
		StatusCode: statusCode,
		Data:       data,
	}
}

// Noop returns a success response flagged as a no-op, with the reason in Message.
func Noop(statusCode int, data interface{}, reason string) Response {
	return Response{
		Status:     "success",
		StatusCode: statusCode,
		Data:       data,
		Noop:       true,
		Message:    reason,
	}
}

// Error returns a standard error response wrapping the error message
func Error(statusCode int, err string) Response {
	return Response{
		Status:     "error",
		StatusCode: statusCode,
		Error:      err,
	}
}
