package result

import (
	"bytes"
	"errors"
	"fmt"
	"net"
	"sort"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Code is a stable numeric result. Zero is success, failures are negative.
type Code int

const (
	OK                    Code = 0
	Unknown               Code = -1
	ObjectStillUsed       Code = -2
	BadAlloc              Code = -3
	InvalidParam          Code = -4
	InvalidHandle         Code = -5
	WrongObjectType       Code = -6
	Canceled              Code = -7
	Busy                  Code = -8
	Timeout               Code = -9
	TimerExpired          Code = -10
	BufferTooSmall        Code = -11
	OpenSocketFailed      Code = -12
	BindSocketFailed      Code = -13
	ListenSocketFailed    Code = -14
	SetSocketOptionFailed Code = -15
	InvalidRegex          Code = -16
	OpenFileFailed        Code = -17
	RwSocketFailed        Code = -18
	ConnectSocketFailed   Code = -19
	InvalidMagicPrefix    Code = -20
	IncompatibleVersion   Code = -21
	DeserializeMsgFailed  Code = -22
	AcceptSocketFailed    Code = -23
	LoopbackConnection    Code = -24
	PasswordMismatch      Code = -25
	NetNameMismatch       Code = -26
	DuplicateBranchName   Code = -27
	DuplicateBranchPath   Code = -28
	MessageTooLarge       Code = -29
	ParsingCmdlineFailed  Code = -30
	ParsingJSONFailed     Code = -31
	ParsingFileFailed     Code = -32
	ConfigNotValid        Code = -33
	HelpRequested         Code = -34
	WriteFileFailed       Code = -35
	UndefinedVariables    Code = -36
	NoVariableSupport     Code = -37
	VariableUsedInKey     Code = -38
	InvalidTimeFormat     Code = -39
	ParsingTimeFailed     Code = -40
	TxQueueFull           Code = -41
)

var descriptions = map[Code]string{
	OK:                    "success",
	Unknown:               "unknown internal error",
	ObjectStillUsed:       "object is still being used by another object",
	BadAlloc:              "insufficient memory",
	InvalidParam:          "invalid parameter",
	InvalidHandle:         "invalid handle",
	WrongObjectType:       "object has the wrong type",
	Canceled:              "operation has been canceled",
	Busy:                  "operation failed because the object is busy",
	Timeout:               "operation timed out",
	TimerExpired:          "timer has not been started or already expired",
	BufferTooSmall:        "supplied buffer is too small",
	OpenSocketFailed:      "could not open a socket",
	BindSocketFailed:      "could not bind a socket",
	ListenSocketFailed:    "could not listen on socket",
	SetSocketOptionFailed: "could not set a socket option",
	InvalidRegex:          "invalid regular expression",
	OpenFileFailed:        "could not open file",
	RwSocketFailed:        "could not read from or write to socket",
	ConnectSocketFailed:   "could not connect a socket",
	InvalidMagicPrefix:    "magic prefix sent by remote endpoint is invalid",
	IncompatibleVersion:   "local and remote versions are incompatible",
	DeserializeMsgFailed:  "could not deserialize a message",
	AcceptSocketFailed:    "could not accept a socket",
	LoopbackConnection:    "attempting to connect branch to itself",
	PasswordMismatch:      "passwords of local and remote branch do not match",
	NetNameMismatch:       "network names of local and remote branch do not match",
	DuplicateBranchName:   "a branch with the same name is already active",
	DuplicateBranchPath:   "a branch with the same path is already active",
	MessageTooLarge:       "message is too large",
	ParsingCmdlineFailed:  "parsing the command line failed",
	ParsingJSONFailed:     "parsing a JSON string failed",
	ParsingFileFailed:     "parsing a configuration file failed",
	ConfigNotValid:        "the configuration is not valid",
	HelpRequested:         "help/usage text requested",
	WriteFileFailed:       "could not write to file",
	UndefinedVariables:    "one or more configuration variables are undefined",
	NoVariableSupport:     "support for configuration variables has been disabled",
	VariableUsedInKey:     "configuration variables used in a property name",
	InvalidTimeFormat:     "invalid time format",
	ParsingTimeFailed:     "could not parse time string",
	TxQueueFull:           "a send queue for a remote branch is full",
}

// Description returns the human readable text for c.
func (c Code) Description() string {
	if d, ok := descriptions[c]; ok {
		return d
	}
	return fmt.Sprintf("unknown result code %d", int(c))
}

func (c Code) Error() string {
	return c.Description()
}

// IsError reports whether c denotes a failure.
func (c Code) IsError() bool {
	return c < 0
}

// CodeOf extracts the result code carried by err. A nil error is OK and an
// error without a code is Unknown.
func CodeOf(err error) Code {
	if err == nil {
		return OK
	}
	var c Code
	if errors.As(err, &c) {
		return c
	}
	return Unknown
}

type ctxPair struct {
	Key   string
	Value any
}

// Error is a coded failure with optional detail, cause and context pairs.
type Error struct {
	Code  Code
	msg   string
	cause error
	ctx   []ctxPair
}

// New returns an error for code with a detail message and context pairs
// (key, value, key, value, ...).
func New(code Code, msg string, errCtx ...any) error {
	return &Error{Code: code, msg: msg, ctx: mkCtx(errCtx)}
}

// Wrap attaches code and context to cause. A nil cause yields the bare code.
func Wrap(code Code, cause error, errCtx ...any) error {
	if cause == nil && len(errCtx) == 0 {
		return code
	}
	return &Error{Code: code, cause: cause, ctx: mkCtx(errCtx)}
}

func mkCtx(errCtx []any) []ctxPair {
	np := len(errCtx) / 2
	ctx := make([]ctxPair, np)
	for i := 0; i < np; i++ {
		ctx[i] = ctxPair{Key: fmt.Sprint(errCtx[2*i]), Value: errCtx[2*i+1]}
	}
	sort.Slice(ctx, func(a, b int) bool {
		return ctx[a].Key < ctx[b].Key
	})
	return ctx
}

func (e *Error) Error() string {
	var buf bytes.Buffer
	buf.WriteString(e.Code.Description())
	if e.msg != "" {
		buf.WriteString(": ")
		buf.WriteString(e.msg)
	}
	if len(e.ctx) != 0 {
		buf.WriteString(" {")
		for i, p := range e.ctx {
			fmt.Fprintf(&buf, "%s=%v", p.Key, p.Value)
			if i != len(e.ctx)-1 {
				buf.WriteString("; ")
			}
		}
		buf.WriteString("}")
	}
	if e.cause != nil {
		fmt.Fprintf(&buf, ": %s", e.cause)
	}
	return buf.String()
}

func (e *Error) Unwrap() []error {
	if e.cause == nil {
		return []error{e.Code}
	}
	return []error{e.Code, e.cause}
}

func (e *Error) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddInt("code", int(e.Code))
	enc.AddString("msg", e.Code.Description())
	if e.msg != "" {
		enc.AddString("detail", e.msg)
	}
	if e.cause != nil {
		if m, ok := e.cause.(zapcore.ObjectMarshaler); ok {
			if err := enc.AddObject("cause", m); err != nil {
				return err
			}
		} else {
			enc.AddString("cause", e.cause.Error())
		}
	}
	for _, pair := range e.ctx {
		zap.Any(pair.Key, pair.Value).AddTo(enc)
	}
	return nil
}

// Field renders err as a structured zap field, using the object encoding
// for coded errors.
func Field(err error) zap.Field {
	var e *Error
	if errors.As(err, &e) {
		return zap.Object("err", e)
	}
	return zap.Error(err)
}

// FromIO maps a transport error to Timeout for deadline expiry and to
// RwSocketFailed otherwise.
func FromIO(err error) error {
	if err == nil {
		return nil
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return Wrap(Timeout, err)
	}
	return Wrap(RwSocketFailed, err)
}
