// Package render turns definition descriptors into backend pipeline documents
package render

import (
	"context"
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"runtime/debug"
	"sync"
	"time"

	"ci-replicator/internal/common/errors"
	"ci-replicator/internal/common/logging"
	"ci-replicator/internal/common/templates"
	"ci-replicator/internal/models"
	"ci-replicator/internal/pipeline"

	"gopkg.in/yaml.v3"
)

//go:embed templates/default.yaml.tmpl
var defaultTemplate string

// DefaultJobImage runs steps that name no image, such as those injected by traits
const DefaultJobImage = "ghcr.io/ci-replicator/job-image:latest"

// TemplateExtension is appended to template names when looking them up in a directory
const TemplateExtension = ".yaml.tmpl"

// Options configure a Renderer
type Options struct {
	// TemplateDir is searched first; the embedded default template serves "default" otherwise
	TemplateDir  string
	WebhookToken string
	JobImage     string
	Logger       logging.Logger
	Now          func() time.Time
}

// Renderer compiles descriptors and executes their pipeline template
type Renderer struct {
	compiler     *pipeline.Compiler
	engine       *templates.Engine
	templateDir  string
	webhookToken string
	jobImage     string
	now          func() time.Time
	logger       logging.Logger

	loadMu sync.Mutex
}

// New creates a renderer with the embedded default template compiled
func New(opts Options) (*Renderer, error) {
	logger := opts.Logger
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	jobImage := opts.JobImage
	if jobImage == "" {
		jobImage = DefaultJobImage
	}

	r := &Renderer{
		compiler:     pipeline.NewCompiler(logger),
		engine:       templates.NewEngine(nil),
		templateDir:  opts.TemplateDir,
		webhookToken: opts.WebhookToken,
		jobImage:     jobImage,
		now:          now,
		logger:       logger.WithFields(logging.String("component", "renderer")),
	}
	if err := r.engine.CompileTemplate(embeddedName(models.DefaultTemplateName), defaultTemplate); err != nil {
		return nil, err
	}
	return r, nil
}

func embeddedName(name string) string {
	return "embedded:" + name
}

// template returns the engine name of the template called name, loading it on first use
func (r *Renderer) template(name string) (string, error) {
	if r.templateDir != "" {
		if r.engine.Has(name) {
			return name, nil
		}

		r.loadMu.Lock()
		defer r.loadMu.Unlock()
		if r.engine.Has(name) {
			return name, nil
		}
		data, err := os.ReadFile(filepath.Join(r.templateDir, filepath.Base(name)+TemplateExtension))
		switch {
		case err == nil:
			if err := r.engine.CompileTemplate(name, string(data)); err != nil {
				return "", errors.InternalError(fmt.Sprintf("template %q does not compile", name), err)
			}
			return name, nil
		case !os.IsNotExist(err):
			return "", errors.InternalError(fmt.Sprintf("failed to read template %q", name), err)
		}
	}

	if r.engine.Has(embeddedName(name)) {
		return embeddedName(name), nil
	}
	return "", errors.DefinitionErrorf("unknown template %q", name)
}

// Render compiles the descriptor and executes its template. Failures, including panics,
// are reported in the result and never returned.
func (r *Renderer) Render(ctx context.Context, d models.DefinitionDescriptor) (result models.RenderResult) {
	result = models.RenderResult{Descriptor: d}
	if d.Failed() {
		result.Status = models.RenderFailed
		result.Err = d.Err
		return result
	}

	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("Render panicked", fmt.Errorf("%v", rec),
				logging.String("pipeline", d.PipelineName),
				logging.String("stack", string(debug.Stack())),
			)
			result = models.RenderResult{
				Descriptor: d,
				Status:     models.RenderFailed,
				Err:        errors.InternalError(fmt.Sprintf("rendering %s panicked: %v", d, rec), nil),
			}
		}
	}()

	text, err := r.render(ctx, d)
	if err != nil {
		result.Status = models.RenderFailed
		result.Err = err
		return result
	}

	hooks, err := WebhookResources(text)
	if err != nil {
		result.Status = models.RenderFailed
		result.Err = err
		return result
	}

	result.Status = models.RenderSucceeded
	result.PipelineText = text
	result.WebhookResources = hooks
	return result
}

func (r *Renderer) render(ctx context.Context, d models.DefinitionDescriptor) (string, error) {
	def, err := pipeline.Definition(d)
	if err != nil {
		return "", err
	}
	variants, err := r.compiler.CompileDefinition(def)
	if err != nil {
		return "", err
	}

	name, err := r.template(def.TemplateName)
	if err != nil {
		return "", err
	}

	view := newPipelineView(d, variants, r.webhookToken, r.jobImage, r.now())
	out, err := r.engine.ExecuteNamed(ctx, name, view)
	if err != nil {
		return "", err
	}

	var check interface{}
	if err := yaml.Unmarshal([]byte(out.Output), &check); err != nil {
		return "", errors.InternalError(fmt.Sprintf("template %q produced invalid YAML", def.TemplateName), err)
	}

	r.logger.Debug("Rendered pipeline",
		logging.String("pipeline", d.EffectivePipelineName()),
		logging.Int("jobs", len(view.Jobs)),
		logging.Duration("duration", out.Duration),
	)
	return out.Output, nil
}

// WebhookResources returns the names of resources in a pipeline document that carry a
// webhook token, in document order
func WebhookResources(text string) ([]string, error) {
	var doc struct {
		Resources []struct {
			Name         string `yaml:"name"`
			WebhookToken string `yaml:"webhook_token"`
		} `yaml:"resources"`
	}
	if err := yaml.Unmarshal([]byte(text), &doc); err != nil {
		return nil, errors.InternalError("rendered pipeline is not valid YAML", err)
	}
	var out []string
	for _, res := range doc.Resources {
		if res.WebhookToken != "" {
			out = append(out, res.Name)
		}
	}
	return out, nil
}
