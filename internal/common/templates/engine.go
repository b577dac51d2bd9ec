package templates

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"sync"
	"text/template"
	"time"

	"ci-replicator/internal/common/errors"
)

// Engine provides a thread-safe cache of compiled templates
type Engine struct {
	templates map[string]*template.Template
	funcMap   template.FuncMap
	mu        sync.RWMutex
	config    *EngineConfig
}

// EngineConfig configures the template engine behavior
type EngineConfig struct {
	DisallowedFunctions []string
	MaxExecutionTime    time.Duration
	MaxTemplateSize     int
}

// TemplateResult contains the result of template execution
type TemplateResult struct {
	Output   string
	Duration time.Duration
}

// NewEngine creates a new template engine; a nil config selects the defaults
func NewEngine(config *EngineConfig) *Engine {
	if config == nil {
		config = &EngineConfig{
			MaxExecutionTime: 10 * time.Second,
			MaxTemplateSize:  1024 * 1024,
		}
	}

	engine := &Engine{
		templates: make(map[string]*template.Template),
		config:    config,
	}
	engine.funcMap = engine.buildFunctionMap()
	return engine
}

// CompileTemplate compiles templateStr and caches it under name, replacing any previous version
func (e *Engine) CompileTemplate(name, templateStr string) error {
	if e.config.MaxTemplateSize > 0 && len(templateStr) > e.config.MaxTemplateSize {
		return errors.ValidationError(fmt.Sprintf("template size %d exceeds maximum %d", len(templateStr), e.config.MaxTemplateSize))
	}

	// missingkey=error turns typos in templates into render errors instead of "<no value>"
	tmpl, err := template.New(name).Option("missingkey=error").Funcs(e.funcMap).Parse(templateStr)
	if err != nil {
		return errors.ConfigError(fmt.Sprintf("template %s compilation failed: %v", name, err))
	}

	e.mu.Lock()
	e.templates[name] = tmpl
	e.mu.Unlock()
	return nil
}

// Has reports whether a template with the given name is compiled
func (e *Engine) Has(name string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	_, ok := e.templates[name]
	return ok
}

// ExecuteNamed executes a compiled template by name
func (e *Engine) ExecuteNamed(ctx context.Context, name string, data interface{}) (*TemplateResult, error) {
	e.mu.RLock()
	tmpl, exists := e.templates[name]
	e.mu.RUnlock()

	if !exists {
		return nil, errors.NotFoundError(fmt.Sprintf("template '%s'", name))
	}

	start := time.Now()
	if ctx == nil {
		ctx = context.Background()
	}
	if e.config.MaxExecutionTime > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.config.MaxExecutionTime)
		defer cancel()
	}

	var buf bytes.Buffer
	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- errors.InternalError(fmt.Sprintf("template %s panicked: %v", name, r), nil)
			}
		}()
		done <- tmpl.Execute(&buf, data)
	}()

	select {
	case err := <-done:
		if errors.IsType(err, errors.ErrTypeInternal) {
			return nil, err
		}
		if err != nil {
			return nil, errors.InternalError(fmt.Sprintf("template %s execution failed", name), err)
		}
	case <-ctx.Done():
		return nil, errors.TimeoutError(fmt.Sprintf("template %s execution", name))
	}

	return &TemplateResult{Output: buf.String(), Duration: time.Since(start)}, nil
}

// Names returns the compiled template names in sorted order
func (e *Engine) Names() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()

	names := make([]string, 0, len(e.templates))
	for name := range e.templates {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// RemoveTemplate removes a specific template from cache
func (e *Engine) RemoveTemplate(name string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.templates, name)
}
