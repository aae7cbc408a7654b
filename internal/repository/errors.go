package repository

import "errors"

var (
	// ErrRecordNotFound 表示查询的记录不存在。
	ErrRecordNotFound = errors.New("record not found")
	// ErrDuplicate 表示唯一键冲突。
	ErrDuplicate = errors.New("record already exists")
	// ErrConflict 表示条件更新没有命中任何记录（版本已变化或状态不符）。
	ErrConflict = errors.New("record changed concurrently")
)
