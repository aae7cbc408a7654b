// Package capture 实现紧急录像的客户端：录制状态机、位置探测和分片上传。
package capture

import (
	"errors"
	"fmt"
)

var (
	ErrAuthRequired      = errors.New("capture: authentication required")
	ErrPermissionDenied  = errors.New("capture: camera or microphone permission denied")
	ErrDeviceUnavailable = errors.New("capture: camera or microphone unavailable")
	ErrDeviceUnknown     = errors.New("capture: failed to access camera or microphone")
	ErrHardwareFault     = errors.New("capture: recorder hardware fault")
	ErrAlreadyActive     = errors.New("capture: a recording session is already active")
	ErrCancelled         = errors.New("capture: recording start cancelled")
)

// classifyAcquireError 把设备获取失败归类为 PermissionDenied、DeviceUnavailable 或 Unknown。
func classifyAcquireError(err error) error {
	switch {
	case errors.Is(err, ErrPermissionDenied), errors.Is(err, ErrDeviceUnavailable), errors.Is(err, ErrDeviceUnknown):
		return err
	default:
		return fmt.Errorf("%w: %v", ErrDeviceUnknown, err)
	}
}

// UploadErrorKind 是分片上传失败的分类。
type UploadErrorKind int

const (
	EncodingError UploadErrorKind = iota + 1
	NetworkError
	ServerError
)

func (k UploadErrorKind) String() string {
	switch k {
	case EncodingError:
		return "EncodingError"
	case NetworkError:
		return "NetworkError"
	case ServerError:
		return "ServerError"
	default:
		return "UnknownError"
	}
}

// UploadError 描述一次失败的分片上传。StatusCode 只在 ServerError 时有值。
type UploadError struct {
	Kind       UploadErrorKind
	StatusCode int
	Message    string
	Err        error
}

func (e *UploadError) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s (%d): %s", e.Kind, e.StatusCode, msg)
	}
	return fmt.Sprintf("%s: %s", e.Kind, msg)
}

func (e *UploadError) Unwrap() error {
	return e.Err
}

// IsUploadKind 判断 err 是否为指定分类的上传错误。
func IsUploadKind(err error, kind UploadErrorKind) bool {
	var ue *UploadError
	return errors.As(err, &ue) && ue.Kind == kind
}
