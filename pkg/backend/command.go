package backend

import "fmt"

// Command names accepted by the dispatcher.
const (
	CommandConvertToTTL = "CONVERT_TO_TTL"
	CommandOpenTTL      = "OPEN_TTL"
	CommandBatchConvert = "BATCH_CONVERT"
	CommandGetConfig    = "GET_CONFIG"
	CommandSetConfig    = "SET_CONFIG"
)

// Command is the plaintext JSON schema of an inbound frame.
type Command struct {
	Command    string     `json:"command"`
	Parameters Parameters `json:"parameters"`
}

// Parameters is the free-form parameter object of a command.
type Parameters map[string]any

// String returns the string at key, or "" when absent or not a string.
func (p Parameters) String(key string) string {
	v, _ := p[key].(string)
	return v
}

// Float returns the number at key and whether it was present.
func (p Parameters) Float(key string) (float64, bool) {
	v, ok := p[key].(float64)
	return v, ok
}

// Bool returns the boolean at key, defaulting to false.
func (p Parameters) Bool(key string) bool {
	v, _ := p[key].(bool)
	return v
}

// Object returns the nested object at key, or nil.
func (p Parameters) Object(key string) map[string]any {
	v, _ := p[key].(map[string]any)
	return v
}

// Strings returns the string list at key; non-string entries are skipped.
func (p Parameters) Strings(key string) []string {
	list, ok := p[key].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(list))
	for _, item := range list {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// Response is the envelope every handler returns to the host.
type Response struct {
	Success bool    `json:"success"`
	Error   *string `json:"error"`
	Result  any     `json:"result"`
}

// OK builds a success response carrying result.
func OK(result any) Response {
	return Response{Success: true, Result: result}
}

// Fail builds a failure response with a formatted message.
func Fail(format string, args ...any) Response {
	msg := fmt.Sprintf(format, args...)
	return Response{Success: false, Error: &msg}
}

// StreamPayload is the two-frame response shape: an encrypted JSON metadata
// frame followed by an encrypted binary payload frame.
type StreamPayload struct {
	Meta    Response
	Payload []byte
}

// Result is what a handler produces for one command: either a single
// response frame or a streamed pair.
type Result struct {
	Response Response
	Stream   *StreamPayload
}

// SingleResult wraps a one-frame response.
func SingleResult(resp Response) Result {
	return Result{Response: resp}
}

// StreamResult wraps a metadata/payload frame pair.
func StreamResult(meta Response, payload []byte) Result {
	return Result{Stream: &StreamPayload{Meta: meta, Payload: payload}}
}
