package ui

import (
	"fmt"
	"strings"

	"forgecore/pkg/models"

	"github.com/AlecAivazis/survey/v2"
	"github.com/AlecAivazis/survey/v2/terminal"
)

// WizardAnswers are the values collected by ConfigWizard
type WizardAnswers struct {
	Environment   string
	ListenAddr    string
	RepoRoot      string
	HostKeyPath   string
	LockBackend   string
	LockAddr      string
	StackBackend  string
	RestackOnPush bool
	AdminEnabled  bool
}

// ConfigWizard builds a server configuration interactively
type ConfigWizard struct {
	currentStep int
	totalSteps  int
	base        *models.Config
}

// NewConfigWizard creates a wizard prefilled from base, which may be nil
func NewConfigWizard(base *models.Config) *ConfigWizard {
	if base == nil {
		base = &models.Config{}
	}
	return &ConfigWizard{currentStep: 1, totalSteps: 3, base: base}
}

// Run asks every question and returns the resulting config
func (w *ConfigWizard) Run() (*models.Config, error) {
	ShowHeader("forgecore - Server Setup")

	answers := w.Defaults()
	steps := []func(*WizardAnswers) error{w.serverStep, w.lockStep, w.reviewStep}
	for _, step := range steps {
		if err := step(&answers); err != nil {
			if err == terminal.InterruptErr {
				return nil, fmt.Errorf("configuration cancelled")
			}
			return nil, err
		}
	}
	return answers.Apply(w.base), nil
}

// Defaults returns answers prefilled from the base config
func (w *ConfigWizard) Defaults() WizardAnswers {
	c := w.base
	a := WizardAnswers{
		Environment:   c.Environment,
		ListenAddr:    c.SSH.ListenAddr,
		RepoRoot:      c.SSH.RepoRoot,
		HostKeyPath:   c.SSH.HostKeyPath,
		LockBackend:   c.Lock.Backend,
		StackBackend:  c.Stacks.Backend,
		RestackOnPush: c.Rebase.RestackOnPush,
		AdminEnabled:  c.Admin.Enabled,
	}
	switch a.LockBackend {
	case models.LockBackendRedis:
		a.LockAddr = c.Lock.Redis.Addr
	case models.LockBackendSQL:
		a.LockAddr = c.Lock.SQL.DSN
	}
	if a.Environment == "" {
		a.Environment = models.EnvironmentDevelopment
	}
	if a.ListenAddr == "" {
		a.ListenAddr = ":2222"
	}
	if a.LockBackend == "" {
		a.LockBackend = models.LockBackendMemory
	}
	if a.StackBackend == "" {
		a.StackBackend = models.StackBackendFile
	}
	return a
}

func (w *ConfigWizard) serverStep(a *WizardAnswers) error {
	w.showProgress("SSH Server")

	questions := []*survey.Question{
		{
			Name: "environment",
			Prompt: &survey.Select{
				Message: "Environment:",
				Options: []string{models.EnvironmentDevelopment, models.EnvironmentStaging, models.EnvironmentProduction},
				Default: a.Environment,
			},
		},
		{
			Name:     "listenaddr",
			Prompt:   &survey.Input{Message: "Listen address:", Default: a.ListenAddr},
			Validate: survey.Required,
		},
		{
			Name: "reporoot",
			Prompt: &survey.Input{
				Message: "Repository root:",
				Default: a.RepoRoot,
				Help:    "Directory holding the bare repositories served over SSH",
			},
			Validate: survey.Required,
		},
		{
			Name:   "hostkeypath",
			Prompt: &survey.Input{Message: "Host key path:", Default: a.HostKeyPath, Help: "Generated on first start when missing"},
		},
	}
	return survey.Ask(questions, a)
}

func (w *ConfigWizard) lockStep(a *WizardAnswers) error {
	w.showProgress("Locks and Stacks")

	if err := survey.AskOne(&survey.Select{
		Message: "Lock backend:",
		Options: []string{models.LockBackendMemory, models.LockBackendRedis, models.LockBackendSQL},
		Default: a.LockBackend,
		Help:    "memory only works for a single server process",
	}, &a.LockBackend); err != nil {
		return err
	}

	if a.LockBackend != models.LockBackendMemory {
		label := "Redis address:"
		if a.LockBackend == models.LockBackendSQL {
			label = "SQLite DSN:"
		}
		if err := survey.AskOne(&survey.Input{Message: label, Default: a.LockAddr}, &a.LockAddr, survey.WithValidator(survey.Required)); err != nil {
			return err
		}
	}

	questions := []*survey.Question{
		{
			Name: "stackbackend",
			Prompt: &survey.Select{
				Message: "Stack store:",
				Options: []string{models.StackBackendFile, models.StackBackendSQL},
				Default: a.StackBackend,
			},
		},
		{
			Name:   "restackonpush",
			Prompt: &survey.Confirm{Message: "Rebase stacks automatically after a push?", Default: a.RestackOnPush},
		},
		{
			Name:   "adminenabled",
			Prompt: &survey.Confirm{Message: "Enable the admin HTTP endpoint?", Default: a.AdminEnabled},
		},
	}
	return survey.Ask(questions, a)
}

func (w *ConfigWizard) reviewStep(a *WizardAnswers) error {
	w.showProgress("Review")

	fmt.Fprint(Out, a.Summary())
	ok := true
	if err := survey.AskOne(&survey.Confirm{Message: "Save this configuration?", Default: true}, &ok); err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("configuration not saved")
	}
	return nil
}

func (w *ConfigWizard) showProgress(title string) {
	fmt.Fprintf(Out, "\n%s %s\n", ColorDim(fmt.Sprintf("[%d/%d]", w.currentStep, w.totalSteps)), ColorBold(title))
	w.currentStep++
}

// Apply copies the answers onto a copy of base
func (a WizardAnswers) Apply(base *models.Config) *models.Config {
	cfg := *base
	cfg.Environment = a.Environment
	cfg.SSH.ListenAddr = a.ListenAddr
	cfg.SSH.RepoRoot = a.RepoRoot
	cfg.SSH.HostKeyPath = a.HostKeyPath
	cfg.Lock.Backend = a.LockBackend
	switch a.LockBackend {
	case models.LockBackendRedis:
		cfg.Lock.Redis.Addr = a.LockAddr
	case models.LockBackendSQL:
		cfg.Lock.SQL.Driver = "sqlite3"
		cfg.Lock.SQL.DSN = a.LockAddr
	}
	cfg.Stacks.Backend = a.StackBackend
	cfg.Rebase.RestackOnPush = a.RestackOnPush
	cfg.Admin.Enabled = a.AdminEnabled
	if a.AdminEnabled && cfg.Admin.ListenAddr == "" {
		cfg.Admin.ListenAddr = "127.0.0.1:9090"
	}
	return &cfg
}

// Summary lists the answers for review
func (a WizardAnswers) Summary() string {
	var b strings.Builder
	row := func(k, v string) { fmt.Fprintf(&b, "  %-18s %s\n", k+":", v) }
	row("Environment", a.Environment)
	row("Listen address", a.ListenAddr)
	row("Repository root", a.RepoRoot)
	row("Host key", a.HostKeyPath)
	lock := a.LockBackend
	if a.LockAddr != "" {
		lock += " (" + a.LockAddr + ")"
	}
	row("Lock backend", lock)
	row("Stack store", a.StackBackend)
	row("Restack on push", fmt.Sprintf("%t", a.RestackOnPush))
	row("Admin endpoint", fmt.Sprintf("%t", a.AdminEnabled))
	if a.Environment == models.EnvironmentProduction && a.LockBackend == models.LockBackendMemory {
		b.WriteString("\n  " + ColorWarning("memory locks do not exclude other server processes") + "\n")
	}
	return b.String()
}
