package replication

import (
	"fmt"
	"sync"
	"time"

	"ci-replicator/internal/common/errors"
	"ci-replicator/internal/models"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	gocache "github.com/patrickmn/go-cache"
)

// keepEnv is the environment keep expressions are evaluated in
type keepEnv struct {
	Name    string `expr:"name"`
	Team    string `expr:"team"`
	Backend string `expr:"backend"`
}

// programCache holds compiled keep expressions; a config reload may change the expression
type programCache struct {
	cache    *gocache.Cache
	mu       sync.Mutex
	maxItems int
}

var programs = &programCache{
	cache:    gocache.New(30*time.Minute, time.Hour),
	maxItems: 100,
}

func (c *programCache) get(expression string) (*vm.Program, error) {
	if cached, ok := c.cache.Get(expression); ok {
		return cached.(*vm.Program), nil
	}

	program, err := expr.Compile(expression, expr.Env(keepEnv{}), expr.AsBool())
	if err != nil {
		return nil, errors.ConfigError(fmt.Sprintf("invalid keep expression %q: %v", expression, err))
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cache.ItemCount() >= c.maxItems {
		c.cache.DeleteExpired()
	}
	if c.cache.ItemCount() < c.maxItems {
		c.cache.SetDefault(expression, program)
	}
	return program, nil
}

// KeepFilter decides which stale pipelines survive cleanup. The replicator's own pipeline
// always survives; other pipelines survive when the expression evaluates to true.
type KeepFilter struct {
	expression string
	always     map[string]bool
}

// NewKeepFilter validates expression; an empty expression keeps nothing extra
func NewKeepFilter(expression string, alwaysKeep ...string) (*KeepFilter, error) {
	f := &KeepFilter{expression: expression, always: map[string]bool{}}
	for _, name := range alwaysKeep {
		if name != "" {
			f.always[name] = true
		}
	}
	if expression != "" {
		if _, err := programs.get(expression); err != nil {
			return nil, err
		}
	}
	return f, nil
}

// Keep reports whether pipeline on target must not be removed
func (f *KeepFilter) Keep(target models.Target, pipeline string) (bool, error) {
	if f == nil {
		return false, nil
	}
	if f.always[pipeline] {
		return true, nil
	}
	if f.expression == "" {
		return false, nil
	}

	program, err := programs.get(f.expression)
	if err != nil {
		return false, err
	}
	out, err := expr.Run(program, keepEnv{Name: pipeline, Team: target.Team, Backend: target.Backend})
	if err != nil {
		return false, errors.InternalError("keep expression failed", err)
	}
	keep, _ := out.(bool)
	return keep, nil
}
