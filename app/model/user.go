package model

import (
	"time"
)

// User 用户及其积分余额
type User struct {
	ID        string    `json:"id" gorm:"primaryKey;size:64"`
	Name      string    `json:"name" gorm:"size:100"`
	Credits   int       `json:"credits" gorm:"not null;default:0"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TableName 指定表名
func (User) TableName() string {
	return "users"
}

// 积分流水类型
const (
	CreditKindCharge = "charge"
	CreditKindRefund = "refund"
)

// CreditTransaction 积分流水，同一任务同一类型只允许一条
type CreditTransaction struct {
	ID          uint      `json:"id" gorm:"primarykey"`
	UserID      string    `json:"user_id" gorm:"size:64;not null;index"`
	TaskID      string    `json:"task_id" gorm:"size:64;not null;uniqueIndex:idx_credit_task_kind"`
	Kind        string    `json:"kind" gorm:"size:20;not null;uniqueIndex:idx_credit_task_kind"`
	Amount      int       `json:"amount" gorm:"not null"`
	Description string    `json:"description" gorm:"size:500"`
	CreatedAt   time.Time `json:"created_at"`
}

// TableName 指定表名
func (CreditTransaction) TableName() string {
	return "credit_transactions"
}
