package sender

import "fmt"

// HTTPStatusError 对端返回了非 200
type HTTPStatusError struct {
	Op         string
	StatusCode int
	Body       string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("%s: status %d, body %s", e.Op, e.StatusCode, e.Body)
}
