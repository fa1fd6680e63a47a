package pipeline

import "fmt"

// Stage 流水线阶段，同时作为 task_queue.type 与 task_lock.task_type
type Stage string

const (
	StageScript  Stage = "script"
	StageImage   Stage = "image"
	StageVideo   Stage = "video"
	StageYoutube Stage = "youtube"
)

// Stages 按执行顺序排列的全部阶段
var Stages = []Stage{StageScript, StageImage, StageVideo, StageYoutube}

// ParseStage 解析阶段名称，未知名称返回错误
func ParseStage(s string) (Stage, error) {
	stage := Stage(s)
	if !stage.Valid() {
		return "", fmt.Errorf("未知的阶段: %q", s)
	}
	return stage, nil
}

func (s Stage) Valid() bool {
	return s.Index() >= 0
}

// Index 返回阶段在流水线中的位置，未知阶段返回 -1
func (s Stage) Index() int {
	for i, stage := range Stages {
		if stage == s {
			return i
		}
	}
	return -1
}

// Next 返回下一个阶段，youtube 之后没有阶段
func (s Stage) Next() (Stage, bool) {
	i := s.Index()
	if i < 0 || i == len(Stages)-1 {
		return "", false
	}
	return Stages[i+1], true
}

// Last 是否为最后一个阶段
func (s Stage) Last() bool {
	return s.Index() == len(Stages)-1
}

func (s Stage) String() string {
	return string(s)
}
