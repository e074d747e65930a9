package task

// Code is the outcome of a single dispatch.
type Code int

const (
	CodePushInQueue   Code = 0
	CodePushQueueFail Code = -1
	CodeProcessBusy   Code = -2
	CodePackageError  Code = -3
	CodeTaskError     Code = -4
	CodePackageExpire Code = -5
)

// ErrorCodeToMessage maps a status code to its message. Unknown codes map to
// "unknown error".
func ErrorCodeToMessage(code int) string {
	switch Code(code) {
	case CodePushInQueue:
		return "push task in queue"
	case CodePushQueueFail:
		return "push task to queue fail"
	case CodeProcessBusy:
		return "task process busy"
	case CodePackageError:
		return "task package decode error"
	case CodeTaskError:
		return "task run error"
	case CodePackageExpire:
		return "task package expire"
	default:
		return "unknown error"
	}
}

func (c Code) String() string { return ErrorCodeToMessage(int(c)) }

// OK reports whether c is the success code.
func (c Code) OK() bool { return c == CodePushInQueue }
