package assignment

// エラーコード。HTTP 境界でステータスコードへ対応付けられます。
const (
	CodeInvalidInput      = "INVALID_INPUT"
	CodeNotFound          = "ASSIGNMENT_NOT_FOUND"
	CodeGuardrailRejected = "GUARDRAIL_REJECTED"
	CodeInternal          = "INTERNAL_ERROR"
)

// Error はドメインエラーです。
type Error struct {
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newError(code, message string, err error) *Error {
	return &Error{Code: code, Message: message, Err: err}
}
