package repository

import "errors"

// Repository层通用错误类型
// 各实现之间保持一致的错误语义，调用方用errors.Is判断

var (
	// ErrNotFound 记录不存在
	ErrNotFound = errors.New("记录不存在")

	// ErrDuplicateEntry 违反唯一性约束
	ErrDuplicateEntry = errors.New("数据重复")

	// ErrInvalidInput 输入参数不合法
	ErrInvalidInput = errors.New("输入参数无效")

	// ErrConnectionFailed 数据库连接失败
	ErrConnectionFailed = errors.New("数据库连接失败")
)

// IsNotFound 检查错误是否为记录不存在
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsDuplicateEntry 检查错误是否为重复条目
func IsDuplicateEntry(err error) bool {
	return errors.Is(err, ErrDuplicateEntry)
}
