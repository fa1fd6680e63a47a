package pipeline

// Status 队列条目状态
type Status string

const (
	StatusWaiting    Status = "waiting"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// Statuses 全部队列状态
var Statuses = []Status{StatusWaiting, StatusProcessing, StatusCompleted, StatusFailed, StatusCancelled}

func (s Status) Valid() bool {
	for _, v := range Statuses {
		if v == s {
			return true
		}
	}
	return false
}

// Terminal 该状态下不会再有 worker 处理
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// transitions 队列状态的唯一合法转换表
var transitions = map[Status][]Status{
	StatusWaiting:    {StatusProcessing, StatusCancelled, StatusFailed},
	StatusProcessing: {StatusWaiting, StatusCompleted, StatusFailed, StatusCancelled},
	StatusFailed:     {StatusWaiting, StatusCancelled},
	StatusCancelled:  {StatusWaiting},
}

// CanTransition 判断队列状态 from -> to 是否合法
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// ContentStatus 内容状态
type ContentStatus string

const (
	ContentPending    ContentStatus = "pending"
	ContentProcessing ContentStatus = "processing"
	ContentScript     ContentStatus = "script"
	ContentVideo      ContentStatus = "video"
	ContentCompleted  ContentStatus = "completed"
	ContentFailed     ContentStatus = "failed"
	ContentCancelled  ContentStatus = "cancelled"
)

// InFlightContent 可以被取消或判定为失败的内容状态
var InFlightContent = []ContentStatus{ContentPending, ContentProcessing, ContentScript, ContentVideo}

// InFlight 内容仍在流水线中
func (s ContentStatus) InFlight() bool {
	for _, v := range InFlightContent {
		if v == s {
			return true
		}
	}
	return false
}
