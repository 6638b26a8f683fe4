package collab

import "errors"

var (
	ErrDuplicateIdentity    = errors.New("identity already joined")
	ErrMalformedMessage     = errors.New("malformed message")
	ErrAuthorizationDenied  = errors.New("authorization denied")
	ErrUnknownTarget        = errors.New("unknown target")
	ErrAlreadyBound         = errors.New("connection already bound to another presentation")
	ErrNotJoined            = errors.New("connection has not joined a presentation")
	ErrUnknownConnection    = errors.New("unknown connection")
	ErrSlideIndexOutOfRange = errors.New("slide index out of range")
)

// errorCode maps a rejection to the code sent in an error message.
func errorCode(err error) string {
	switch {
	case errors.Is(err, ErrDuplicateIdentity):
		return "duplicate_identity"
	case errors.Is(err, ErrMalformedMessage):
		return "malformed_message"
	case errors.Is(err, ErrAuthorizationDenied):
		return "authorization_denied"
	case errors.Is(err, ErrUnknownTarget):
		return "unknown_target"
	case errors.Is(err, ErrAlreadyBound):
		return "already_bound"
	case errors.Is(err, ErrNotJoined):
		return "not_joined"
	case errors.Is(err, ErrSlideIndexOutOfRange):
		return "slide_index_out_of_range"
	}
	return "internal"
}
