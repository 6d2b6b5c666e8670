package llm

import (
	"context"
	"errors"
)

// Client 语言模型，输入完整prompt，返回生成的文本
type Client interface {
	Generate(ctx context.Context, prompt string) (string, error)
	Ready() bool
}

var (
	ErrNotConfigured = errors.New("llm provider not configured")
	ErrEmptyResponse = errors.New("llm returned empty response")
)

// NoopClient 未配置API Key时使用
type NoopClient struct{}

func (NoopClient) Generate(ctx context.Context, prompt string) (string, error) {
	return "", ErrNotConfigured
}

func (NoopClient) Ready() bool {
	return false
}
