package service

import (
	"errors"
	"fmt"
	"strings"
)

// 流水线各阶段的固定错误
var (
	// ErrSchemaToolMissing 连接未配置结构查询工具时的失败关闭错误
	ErrSchemaToolMissing = errors.New("未配置数据库结构查询")

	// ErrRetryExhausted 自修正轮次用尽
	ErrRetryExhausted = errors.New("SQL自修正重试次数已用尽")

	// ErrNoMatchingTable 纯结构查询未找到匹配的数据表
	ErrNoMatchingTable = errors.New("没有找到匹配的数据表")
)

// WhitelistEmptyError 字段白名单为空
// 空白名单意味着提示词完全失去约束，必须硬失败而不是降级
type WhitelistEmptyError struct {
	ConnectionID int64
}

func (e *WhitelistEmptyError) Error() string {
	return fmt.Sprintf("连接%d的字段白名单为空，拒绝生成无约束SQL", e.ConnectionID)
}

// IsWhitelistEmpty 判断是否为白名单为空错误
func IsWhitelistEmpty(err error) bool {
	var we *WhitelistEmptyError
	return errors.As(err, &we)
}

// SQLPermissionError SQL引用了当前角色无权访问的表或列
// 执行前硬拦截，绝不把越权SQL送到数据库
type SQLPermissionError struct {
	Role    string
	Table   string
	Columns []string
}

func (e *SQLPermissionError) Error() string {
	if len(e.Columns) > 0 {
		return fmt.Sprintf("角色%s无权访问 %s 表的列: %s",
			e.Role, e.Table, strings.Join(e.Columns, ", "))
	}
	return fmt.Sprintf("角色%s无权访问 %s 表", e.Role, e.Table)
}

// IsPermissionDenied 判断是否为权限拦截错误
func IsPermissionDenied(err error) bool {
	var pe *SQLPermissionError
	return errors.As(err, &pe)
}
