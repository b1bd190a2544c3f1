package events

const KindError Kind = "error"

type Error struct {
	Base
	Code    string
	Message string
}

func NewError(code, message string) Error {
	return Error{Base: NewBase(KindError), Code: code, Message: message}
}

func (e Error) Error() string {
	if e.Code != "" {
		return "server error " + e.Code + ": " + e.Message
	}
	return "server error: " + e.Message
}
