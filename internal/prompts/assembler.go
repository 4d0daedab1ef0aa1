// Package prompts turns a task into the triple the agent runtime
// needs: working directory, system prompt, and user prompt. Templates
// are embedded; a prompts/ directory under the bloom dir overrides
// them per project.
package prompts

import (
	"bytes"
	"context"
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"text/template"

	"go.uber.org/zap"

	"github.com/bloom/bloom/internal/common/logger"
	"github.com/bloom/bloom/internal/task"
	"github.com/bloom/bloom/internal/worktree"
)

//go:embed templates/*.tmpl
var defaultTemplates embed.FS

const (
	systemTemplateName = "system.md.tmpl"
	userTemplateName   = "user.md.tmpl"
	overridesDirName   = "prompts"
)

// Assembly is what the runtime receives for one run.
type Assembly struct {
	WorkingDirectory string
	SystemPrompt     string
	UserPrompt       string
}

// Assembler renders prompts and resolves working directories through
// the repo manager.
type Assembler struct {
	repos   worktree.RepoManager
	baseDir string // working directory for tasks without a repo
	system  *template.Template
	user    *template.Template
	log     *logger.Logger
}

// New loads templates (embedded defaults, then per-project overrides
// from <bloomDir>/prompts/) and returns an Assembler. repos may be nil
// when no task uses a repo.
func New(repos worktree.RepoManager, bloomDir, baseDir string, log *logger.Logger) (*Assembler, error) {
	a := &Assembler{
		repos:   repos,
		baseDir: baseDir,
		log:     log.WithFields(zap.String("component", "prompts")),
	}

	var err error
	if a.system, err = loadTemplate(bloomDir, systemTemplateName); err != nil {
		return nil, err
	}
	if a.user, err = loadTemplate(bloomDir, userTemplateName); err != nil {
		return nil, err
	}
	return a, nil
}

func loadTemplate(bloomDir, name string) (*template.Template, error) {
	if bloomDir != "" {
		override := filepath.Join(bloomDir, overridesDirName, name)
		if data, err := os.ReadFile(override); err == nil {
			tmpl, err := template.New(name).Parse(string(data))
			if err != nil {
				return nil, fmt.Errorf("parse prompt override %s: %w", override, err)
			}
			return tmpl, nil
		}
	}
	tmpl, err := template.ParseFS(defaultTemplates, "templates/"+name)
	if err != nil {
		return nil, fmt.Errorf("parse embedded template %s: %w", name, err)
	}
	return tmpl, nil
}

// templateData is the render context for both templates.
type templateData struct {
	Task        *task.Task
	CurrentStep *task.Step
}

// Assemble resolves the working directory (provisioning a worktree for
// repo-bound tasks) and renders both prompts.
func (a *Assembler) Assemble(ctx context.Context, t *task.Task) (*Assembly, error) {
	dir, err := a.resolveWorkingDirectory(ctx, t)
	if err != nil {
		return nil, err
	}

	data := templateData{Task: t, CurrentStep: currentStep(t)}

	system, err := render(a.system, data)
	if err != nil {
		return nil, fmt.Errorf("render system prompt: %w", err)
	}
	user, err := render(a.user, data)
	if err != nil {
		return nil, fmt.Errorf("render user prompt: %w", err)
	}

	return &Assembly{
		WorkingDirectory: dir,
		SystemPrompt:     system,
		UserPrompt:       user,
	}, nil
}

func (a *Assembler) resolveWorkingDirectory(ctx context.Context, t *task.Task) (string, error) {
	if t.Repo == "" {
		if a.baseDir != "" {
			return a.baseDir, nil
		}
		return os.Getwd()
	}
	if a.repos == nil {
		return "", fmt.Errorf("task %s needs repo %s but no repo manager is configured", t.ID, t.Repo)
	}
	branch := t.Branch
	if branch == "" {
		branch = "bloom/" + t.ID
	}
	if err := a.repos.EnsureWorktree(ctx, t.Repo, branch, t.BaseBranch); err != nil {
		return "", fmt.Errorf("ensure worktree for task %s: %w", t.ID, err)
	}
	return a.repos.GetWorktreePath(t.Repo, branch), nil
}

// currentStep is the first step that is not done, if any.
func currentStep(t *task.Task) *task.Step {
	for _, s := range t.Steps {
		if s.Status != task.StepDone {
			return s
		}
	}
	return nil
}

func render(tmpl *template.Template, data templateData) (string, error) {
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}
