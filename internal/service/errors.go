package service

import "errors"

// 业务错误，handler 根据这些错误映射 HTTP 状态码。
var (
	ErrUnauthorized       = errors.New("unauthorized")
	ErrBadRequest         = errors.New("bad request")
	ErrForbidden          = errors.New("forbidden")
	ErrSessionNotFound    = errors.New("recording session not found")
	ErrSessionClosed      = errors.New("recording session already finished")
	ErrPayloadTooLarge    = errors.New("payload too large")
	ErrStorage            = errors.New("storage failure")
	ErrSessionBusy        = errors.New("recording session is busy")
	ErrUserExists         = errors.New("用户名已存在")
	ErrInvalidCredentials = errors.New("invalid credentials")
)
