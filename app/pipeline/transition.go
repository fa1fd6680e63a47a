package pipeline

import "fmt"

// Outcome 一个阶段的执行结果
type Outcome struct {
	Success bool
	Error   string
}

// Succeeded 成功结果
func Succeeded() Outcome {
	return Outcome{Success: true}
}

// Failed 失败结果
func Failed(msg string) Outcome {
	return Outcome{Error: msg}
}

// Step 阶段结束后队列与内容应写入的值
type Step struct {
	Type   Stage
	Status Status
	Error  string

	// Content 为空表示内容状态不变
	Content ContentStatus
}

// ContentChanged 该步骤是否需要写内容表
func (s Step) ContentChanged() bool {
	return s.Content != ""
}

// Done 队列条目进入终态
func (s Step) Done() bool {
	return s.Status.Terminal()
}

// successContent 阶段成功后的内容状态，image 阶段不改变内容状态
var successContent = map[Stage]ContentStatus{
	StageScript:  ContentScript,
	StageImage:   "",
	StageVideo:   ContentVideo,
	StageYoutube: ContentCompleted,
}

// Advance 根据当前阶段和执行结果计算下一步
func Advance(current Stage, outcome Outcome) (Step, error) {
	if !current.Valid() {
		return Step{}, fmt.Errorf("未知的阶段: %q", current)
	}

	if !outcome.Success {
		msg := outcome.Error
		if msg == "" {
			msg = "unknown error"
		}
		return Step{
			Type:    current,
			Status:  StatusFailed,
			Error:   msg,
			Content: ContentFailed,
		}, nil
	}

	step := Step{Content: successContent[current]}
	if next, ok := current.Next(); ok {
		step.Type = next
		step.Status = StatusWaiting
	} else {
		step.Type = current
		step.Status = StatusCompleted
	}
	return step, nil
}

// ForceReset 管理员强制执行时的目标位置，绕过转换表
func ForceReset() (Stage, Status) {
	return StageScript, StatusWaiting
}
