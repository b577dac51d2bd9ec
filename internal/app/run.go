package app

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"ci-replicator/internal/common/errors"
	"ci-replicator/internal/common/logging"
	"ci-replicator/internal/config"
	"ci-replicator/internal/definition"
	"ci-replicator/internal/github"
	"ci-replicator/internal/models"
	"ci-replicator/internal/pipeline/traits"
	"ci-replicator/internal/render"
)

// Run modes
const (
	ModeServe     = "serve"
	ModeReplicate = "replicate"
	ModeRender    = "render"
)

const shutdownTimeout = 30 * time.Second

// Run is the main entry point for the application
func Run() error {
	// Load environment variables
	_ = godotenv.Load()

	runtime.GOMAXPROCS(runtime.NumCPU())

	var mode, file, branch, repo string
	flag.StringVar(&mode, "mode", ModeServe, "serve | replicate | render")
	flag.StringVar(&file, "file", "", "definition file to render (render mode)")
	flag.StringVar(&branch, "branch", "master", "branch the definitions belong to (render mode)")
	flag.StringVar(&repo, "repo", "", "owner/name of the main repository (render mode)")
	flag.Parse()

	if mode == ModeRender {
		// stdout carries the rendered documents
		logging.InitGlobalLoggerTo(os.Stderr)
	} else {
		logging.InitGlobalLogger()
	}
	defer logging.MustSync()

	logging.Info("Starting CI replicator",
		logging.Field{Key: "mode", Value: mode},
		logging.Field{Key: "cpus", Value: runtime.NumCPU()},
	)

	cfg := config.Load()
	if mode == ModeRender {
		return RenderFile(os.Stdout, render.Options{
			TemplateDir:  cfg.TemplateDir,
			WebhookToken: cfg.ResourceWebhookToken,
			JobImage:     cfg.JobImage,
		}, file, branch, repo)
	}

	if err := cfg.Validate(); err != nil {
		logging.Error("Configuration validation failed", err)
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := New(ctx, cfg)
	if err != nil {
		logging.Error("Failed to initialize application", err)
		return err
	}
	defer app.Cleanup()

	switch mode {
	case ModeServe:
		return app.serve(ctx)
	case ModeReplicate:
		return app.replicateOnce(ctx)
	default:
		return errors.ConfigError(fmt.Sprintf("unknown mode %q", mode))
	}
}

func (app *App) serve(ctx context.Context) error {
	srv, _ := app.RunServer()
	if err := srv.Start(); err != nil {
		logging.Error("Server failed to start", err)
		return err
	}
	logging.Info("Server listening", logging.Field{Key: "port", Value: app.Config.Port})

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-srv.Errors():
		logging.Error("Server stopped unexpectedly", serveErr)
	}

	logging.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	// Stop accepting webhooks before draining the work they queued
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logging.Error("Server forced to shutdown", err)
		return err
	}
	if err := app.Shutdown(shutdownCtx); err != nil {
		logging.Warn("Error during app shutdown", logging.Field{Key: "error", Value: err})
	}

	logging.Info("Server exited")
	return serveErr
}

func (app *App) replicateOnce(ctx context.Context) error {
	start := time.Now()
	report, err := app.ReplicateAll(ctx)
	if err != nil {
		logging.Error("Replication run failed", err)
		return err
	}

	failed := report.Failed()
	logging.Info("Replication run finished",
		logging.Field{Key: "pipelines", Value: len(report.Results)},
		logging.Field{Key: "failed", Value: len(failed)},
		logging.Field{Key: "duration", Value: time.Since(start).String()},
	)
	if !report.OK() {
		return errors.InternalError("failure notifications could not be delivered", nil)
	}
	return nil
}

// RenderFile renders every pipeline of a local definitions file to w without contacting
// any backend
func RenderFile(w io.Writer, opts render.Options, path, branch, repo string) error {
	if path == "" {
		return errors.ValidationError("-file is required in render mode")
	}
	if err := traits.Validate(); err != nil {
		return err
	}

	renderer, err := render.New(opts)
	if err != nil {
		return err
	}

	if repo == "" {
		repo = "local/" + strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	mainRepo := &models.MainRepo{Path: repo, Branch: branch, Hostname: github.PublicHost}

	var failures []error
	for d := range definition.NewFileEnumerator(path, mainRepo, models.Target{}).Enumerate(context.Background()) {
		result := renderer.Render(context.Background(), d)
		if result.Err != nil {
			fmt.Fprintf(w, "# %s: %v\n", d.EffectivePipelineName(), result.Err)
			failures = append(failures, result.Err)
			continue
		}
		fmt.Fprintf(w, "# pipeline: %s\n---\n%s\n", d.EffectivePipelineName(), result.PipelineText)
	}
	if len(failures) > 0 {
		return errors.DefinitionErrorf("%d pipeline(s) failed to render", len(failures))
	}
	return nil
}
