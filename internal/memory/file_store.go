package memory

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Turn 一轮对话中的一条消息
type Turn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Store 每个用户一份完整的对话记录，整体读取、整体覆盖
type Store interface {
	Load(ctx context.Context, userID string) ([]Turn, error)
	Save(ctx context.Context, userID string, turns []Turn) error
}

var ErrInvalidUserID = errors.New("invalid user id")

// FileStore 以 <dir>/memory_<user_id>.json 保存对话记录
type FileStore struct {
	dir string
}

func NewFileStore(dir string) (*FileStore, error) {
	if dir == "" {
		dir = "user_memory"
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create memory dir %s: %w", dir, err)
	}
	return &FileStore{dir: dir}, nil
}

func (s *FileStore) path(userID string) (string, error) {
	if userID == "" || userID == "." || userID == ".." ||
		strings.ContainsAny(userID, `/\`) || strings.ContainsRune(userID, 0) {
		return "", fmt.Errorf("%w: %q", ErrInvalidUserID, userID)
	}
	return filepath.Join(s.dir, "memory_"+userID+".json"), nil
}

// Load 文件不存在时返回空记录
func (s *FileStore) Load(ctx context.Context, userID string) ([]Turn, error) {
	path, err := s.path(userID)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return []Turn{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read memory for %s: %w", userID, err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return []Turn{}, nil
	}

	var turns []Turn
	if err := json.Unmarshal(data, &turns); err != nil {
		return nil, fmt.Errorf("decode memory for %s: %w", userID, err)
	}
	if turns == nil {
		turns = []Turn{}
	}
	return turns, nil
}

// Save 写临时文件后rename，读者不会看到写了一半的文件
func (s *FileStore) Save(ctx context.Context, userID string, turns []Turn) error {
	path, err := s.path(userID)
	if err != nil {
		return err
	}
	if turns == nil {
		turns = []Turn{}
	}

	data, err := json.MarshalIndent(turns, "", "  ")
	if err != nil {
		return fmt.Errorf("encode memory for %s: %w", userID, err)
	}

	tmp, err := os.CreateTemp(s.dir, ".memory_*.tmp")
	if err != nil {
		return fmt.Errorf("create temp memory file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write memory for %s: %w", userID, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close memory file for %s: %w", userID, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("replace memory for %s: %w", userID, err)
	}
	return nil
}

// Window 返回最近n轮消息，保持时间顺序
func Window(turns []Turn, n int) []Turn {
	if n <= 0 {
		return nil
	}
	if len(turns) <= n {
		return turns
	}
	return turns[len(turns)-n:]
}
