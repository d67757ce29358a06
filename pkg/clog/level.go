package clog

import (
	"log/slog"

	"connectrpc.com/connect"
)

type Level int

const (
	LevelDebug Level = iota + 1
	LevelInfo
	LevelWarn
	LevelError
)

func (l Level) Slog() slog.Level {
	switch l {
	case LevelDebug:
		return slog.LevelDebug
	case LevelInfo:
		return slog.LevelInfo
	case LevelWarn:
		return slog.LevelWarn
	default:
		return slog.LevelError
	}
}

func HTTPStatusToLevel(status int) Level {
	switch {
	case status == 499:
		return LevelInfo
	case status >= 100 && status < 400:
		return LevelInfo
	case status >= 400 && status < 500:
		return LevelWarn
	default:
		return LevelError
	}
}

// Client-caused codes log at info; everything the server owns logs at error.
var connectCodeLevels = map[connect.Code]Level{
	connect.CodeCanceled:           LevelInfo,
	connect.CodeUnknown:            LevelError,
	connect.CodeInvalidArgument:    LevelInfo,
	connect.CodeDeadlineExceeded:   LevelInfo,
	connect.CodeNotFound:           LevelInfo,
	connect.CodeAlreadyExists:      LevelInfo,
	connect.CodePermissionDenied:   LevelInfo,
	connect.CodeResourceExhausted:  LevelError,
	connect.CodeFailedPrecondition: LevelInfo,
	connect.CodeAborted:            LevelInfo,
	connect.CodeOutOfRange:         LevelInfo,
	connect.CodeUnimplemented:      LevelError,
	connect.CodeInternal:           LevelError,
	connect.CodeUnavailable:        LevelError,
	connect.CodeDataLoss:           LevelError,
	connect.CodeUnauthenticated:    LevelInfo,
}

func ConnectCodeToLevel(code connect.Code) Level {
	if l, ok := connectCodeLevels[code]; ok {
		return l
	}
	return LevelError
}
