package extraction

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"extracthub/internal/parser"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"
)

//go:embed workers.yaml
var defaultWorkersYAML []byte

// ErrUnknownWorker 注册表中不存在的 worker
var ErrUnknownWorker = errors.New("未注册的 worker")

// 字段类型
const (
	TypeString  = "string"
	TypeNumber  = "number"
	TypeInteger = "integer"
	TypeBoolean = "boolean"
	TypeArray   = "array"
	TypeObject  = "object"
)

// FieldSpec worker 期望输出的字段
type FieldSpec struct {
	Name        string `yaml:"name" json:"name"`
	Type        string `yaml:"type" json:"type"`
	Currency    bool   `yaml:"currency" json:"currency"`
	Required    bool   `yaml:"required" json:"required"`
	Description string `yaml:"description" json:"description,omitempty"`
}

// Numeric 是否为数值字段
func (f FieldSpec) Numeric() bool {
	return f.Type == TypeNumber || f.Type == TypeInteger
}

// Worker 专项抽取角色：Prompt + 期望字段集
type Worker struct {
	ID          string      `yaml:"id" json:"id"`
	Name        string      `yaml:"name" json:"name"`
	Description string      `yaml:"description" json:"description"`
	Prompt      string      `yaml:"prompt" json:"-"`
	MaxTokens   int         `yaml:"max_tokens" json:"max_tokens,omitempty"`
	Fields      []FieldSpec `yaml:"fields" json:"fields"`

	once      sync.Once
	schema    *jsonschema.Schema
	schemaErr error
}

// Field 按名称查找字段定义
func (w *Worker) Field(name string) (FieldSpec, bool) {
	for _, f := range w.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return FieldSpec{}, false
}

// BuildPrompt 任务 Prompt：角色说明 + 输出格式要求
func (w *Worker) BuildPrompt() string {
	example := make(map[string]any, len(w.Fields)+1)
	for _, f := range w.Fields {
		example[f.Name] = map[string]any{
			"value":      exampleValue(f),
			"confidence": 0.9,
			"pages":      []int{1},
		}
	}
	example["evidence_pages"] = []int{1}
	return w.Prompt + "\n\n" + parser.FormatInstructions(example) +
		"\nUse null for values that are not present in the document."
}

func exampleValue(f FieldSpec) any {
	switch {
	case f.Currency:
		return "12 345 tkr"
	case f.Numeric():
		return 0
	case f.Type == TypeBoolean:
		return false
	case f.Type == TypeArray:
		return []any{}
	}
	return "..."
}

// Schema 字段值的 JSON Schema，只约束类型，缺失字段由调用方报告为警告
func (w *Worker) Schema() (*jsonschema.Schema, error) {
	w.once.Do(func() {
		props := make(map[string]any, len(w.Fields))
		for _, f := range w.Fields {
			if f.Type == "" {
				continue
			}
			props[f.Name] = map[string]any{"type": []string{f.Type, "null"}}
		}
		doc, err := json.Marshal(map[string]any{
			"$schema":    "https://json-schema.org/draft/2020-12/schema",
			"type":       "object",
			"properties": props,
		})
		if err != nil {
			w.schemaErr = fmt.Errorf("生成 schema 失败: %w", err)
			return
		}
		compiler := jsonschema.NewCompiler()
		url := "worker-" + w.ID + ".json"
		if err := compiler.AddResource(url, bytes.NewReader(doc)); err != nil {
			w.schemaErr = fmt.Errorf("添加 schema 失败: %w", err)
			return
		}
		w.schema, w.schemaErr = compiler.Compile(url)
	})
	return w.schema, w.schemaErr
}

// RegistryConfig 配置文件结构
type RegistryConfig struct {
	Workers []*Worker `yaml:"workers"`
}

// Registry worker 注册表
type Registry struct {
	mu      sync.RWMutex
	workers map[string]*Worker
}

// NewRegistry 创建空注册表
func NewRegistry() *Registry {
	return &Registry{workers: make(map[string]*Worker)}
}

// DefaultRegistry 内置的瑞典年报 worker 集合
func DefaultRegistry() (*Registry, error) {
	r := NewRegistry()
	if err := r.Load(defaultWorkersYAML); err != nil {
		return nil, err
	}
	return r, nil
}

// Load 解析 YAML 并注册，同名 worker 覆盖
func (r *Registry) Load(data []byte) error {
	var cfg RegistryConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return fmt.Errorf("解析 worker 配置失败: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, w := range cfg.Workers {
		if w == nil || w.ID == "" {
			return errors.New("worker 缺少 id")
		}
		if w.Prompt == "" {
			return fmt.Errorf("worker %s 缺少 prompt", w.ID)
		}
		r.workers[w.ID] = w
	}
	return nil
}

// LoadFromFile 从文件加载
func (r *Registry) LoadFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("读取 worker 配置文件失败: %w", err)
	}
	return r.Load(data)
}

// LoadFromDirectory 加载目录下全部 *.yaml
func (r *Registry) LoadFromDirectory(dir string) error {
	files, err := filepath.Glob(filepath.Join(dir, "*.yaml"))
	if err != nil {
		return fmt.Errorf("遍历 worker 目录失败: %w", err)
	}
	for _, f := range files {
		if err := r.LoadFromFile(f); err != nil {
			return err
		}
	}
	return nil
}

// Get 获取 worker
func (r *Registry) Get(id string) (*Worker, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	w, ok := r.workers[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownWorker, id)
	}
	return w, nil
}

// IDs 已注册的 worker，按 id 排序
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.workers))
	for id := range r.workers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
