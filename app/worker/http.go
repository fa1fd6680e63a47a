package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"trend-pipeline/app/config"
	"trend-pipeline/app/pipeline"

	"resty.dev/v3"
)

// HTTPExecutor 把阶段交给远程服务执行，POST {base_url}/stages/{stage}
type HTTPExecutor struct {
	client *resty.Client
}

type stageRequest struct {
	TaskID   string          `json:"task_id"`
	Stage    pipeline.Stage  `json:"stage"`
	UserID   string          `json:"user_id"`
	Metadata json.RawMessage `json:"metadata,omitempty"`
}

type stageResponse struct {
	Success bool     `json:"success"`
	Error   string   `json:"error"`
	Logs    []string `json:"logs"`
}

// NewHTTPExecutor 创建 HTTP 执行器
func NewHTTPExecutor(cfg config.HTTPExecutorConfig) *HTTPExecutor {
	client := resty.New()
	client.SetBaseURL(cfg.BaseURL)
	if cfg.Timeout > 0 {
		client.SetTimeout(cfg.Timeout)
	}
	return &HTTPExecutor{client: client}
}

// Close 释放底层连接
func (e *HTTPExecutor) Close() {
	e.client.Close()
}

// Execute 调用远程阶段服务，响应中的日志写入任务日志
func (e *HTTPExecutor) Execute(ctx context.Context, job Job) error {
	var result stageResponse
	resp, err := e.client.R().
		SetContext(ctx).
		SetBody(stageRequest{
			TaskID:   job.TaskID,
			Stage:    job.Stage,
			UserID:   job.UserID,
			Metadata: job.Metadata,
		}).
		SetResult(&result).
		Post("/stages/" + string(job.Stage))
	if err != nil {
		return fmt.Errorf("call stage service: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return fmt.Errorf("stage service returned %d: %s", resp.StatusCode(), resp.String())
	}

	if job.Log != nil {
		for _, line := range result.Logs {
			_, _ = io.WriteString(job.Log, line+"\n")
		}
	}
	if !result.Success {
		if result.Error == "" {
			return errors.New("stage service reported failure")
		}
		return errors.New(result.Error)
	}
	return nil
}
