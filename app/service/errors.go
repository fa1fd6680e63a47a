package service

import (
	"errors"

	"trend-pipeline/app/database"
)

var (
	// ErrNoTask 当前阶段没有可领取的任务
	ErrNoTask = errors.New("no task available")
	// ErrInvalidStage 未知的阶段名称
	ErrInvalidStage = errors.New("invalid stage")
	// ErrInvalidInput 参数校验失败
	ErrInvalidInput = errors.New("invalid input")
	// ErrInvalidTransition 状态转换不在转换表中
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrConflict 条件更新未命中，任务状态已被其他进程修改
	ErrConflict = errors.New("task state changed concurrently")
	// ErrNotRefundable 内容不是失败状态
	ErrNotRefundable = errors.New("task is not refundable")
	// ErrAlreadyRefunded 已经退款过
	ErrAlreadyRefunded = errors.New("task already refunded")

	ErrNotFound  = database.ErrNotFound
	ErrDuplicate = database.ErrDuplicate
)
