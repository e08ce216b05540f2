package codec

import "fmt"

// RemoteError carries an error whose concrete type is not registered. The
// original type name and message are preserved.
type RemoteError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// Error returns the original message.
func (e *RemoteError) Error() string {
	return e.Message
}

// EncodeError reports a value that cannot be serialized.
type EncodeError struct {
	Type  string
	Cause error
}

func (e *EncodeError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("codec: cannot encode %s: %v", e.Type, e.Cause)
	}
	return fmt.Sprintf("codec: cannot encode unregistered type %s", e.Type)
}

func (e *EncodeError) Unwrap() error { return e.Cause }

// DecodeError reports a payload that cannot be deserialized. Payload holds
// the raw bytes for diagnosis.
type DecodeError struct {
	Reason  string
	Payload []byte
	Cause   error
}

func (e *DecodeError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("codec: %s: %v", e.Reason, e.Cause)
	}
	return "codec: " + e.Reason
}

func (e *DecodeError) Unwrap() error { return e.Cause }
