package chat

// ErrorKind is the canonical failure taxonomy shared by every provider.
type ErrorKind string

const (
	ErrRateLimited         ErrorKind = "RateLimited"
	ErrInvalidModel        ErrorKind = "InvalidModel"
	ErrBadRequest          ErrorKind = "BadRequest"
	ErrConnectionFailure   ErrorKind = "ConnectionFailure"
	ErrModerationRejected  ErrorKind = "ModerationRejected"
	ErrToolDispatchFailure ErrorKind = "ToolDispatchFailure"
	ErrUnknown             ErrorKind = "UnknownError"
)

// UserText returns the message shown to a user for a failure of this kind.
func (k ErrorKind) UserText() string {
	switch k {
	case ErrRateLimited:
		return "The service is receiving too many requests right now. Please try again later."
	case ErrInvalidModel:
		return "The configured model is not available. Please contact the administrator."
	case ErrBadRequest:
		return "The request could not be processed, most likely because the conversation is too long. Use /reset to start over."
	case ErrConnectionFailure:
		return "The service is temporarily unavailable. Please try again in a moment."
	case ErrModerationRejected:
		return "Your message was flagged by moderation and was not sent."
	case ErrToolDispatchFailure:
		return "A tool failed while answering your request."
	case "":
		return ""
	default:
		return "Sorry, something went wrong. Please try again or use /reset to start a new conversation."
	}
}
