package model

import (
	"bytes"
	"fmt"
	"time"
)

// LocalTime 以 "YYYY-MM-DD HH:MM:SS" 输出时间，操作员界面直接展示这个字符串。
type LocalTime time.Time

const timeFormat = "2006-01-02 15:04:05"

// MarshalJSON 零值输出为 null。
func (t LocalTime) MarshalJSON() ([]byte, error) {
	if time.Time(t).IsZero() {
		return []byte("null"), nil
	}
	return []byte(fmt.Sprintf("%q", time.Time(t).Format(timeFormat))), nil
}

// UnmarshalJSON 按本地时区解析 MarshalJSON 的输出，null 和空串得到零值。
func (t *LocalTime) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) || bytes.Equal(data, []byte(`""`)) {
		*t = LocalTime{}
		return nil
	}
	parsed, err := time.ParseInLocation(`"`+timeFormat+`"`, string(data), time.Local)
	if err != nil {
		return fmt.Errorf("parse time %s: %w", data, err)
	}
	*t = LocalTime(parsed)
	return nil
}

func (t LocalTime) String() string {
	return time.Time(t).Format(timeFormat)
}
