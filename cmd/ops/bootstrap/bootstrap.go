package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"golang.org/x/term"
)

// ParameterType indicates whether an SSM parameter is stored as a
// SecureString (encrypted) or a plain String.
type ParameterType int

const (
	// ParamSecureString corresponds to SSM SecureString type (encrypted at rest).
	ParamSecureString ParameterType = iota
	// ParamString corresponds to SSM String type (plaintext).
	ParamString
)

// InputSource describes how the value for a bootstrap step is obtained.
type InputSource int

const (
	// SourcePrompt means the operator must provide the value interactively.
	SourcePrompt InputSource = iota
	// SourceGenerated means the value is auto-generated internally.
	SourceGenerated
)

// BootstrapStep defines a single parameter to be populated during the
// bootstrap process.
type BootstrapStep struct {
	// HumanLabel is the display name shown to the operator.
	HumanLabel string

	// SSMCategoryKey is the category/key portion of the SSM path.
	// Example: "database/url" which becomes "/{env}/drawclub/database/url".
	SSMCategoryKey string

	// ParamType determines whether the parameter is stored as SecureString
	// or String in SSM.
	ParamType ParameterType

	// Source determines how the value is obtained.
	Source InputSource

	// Prompt is the instructional text shown to the operator when Source
	// is SourcePrompt.
	Prompt string

	// ValidateFn is called to validate user input. Nil means no validation
	// is performed.
	ValidateFn func(ctx context.Context, input string) ValidationResult

	// IsSecret controls whether the input is masked during entry.
	IsSecret bool

	// Phase groups the step for display purposes.
	Phase string
}

// maxRetries is the maximum number of times the operator can retry entering
// a value before the bootstrap process aborts for that step.
const maxRetries = 5

// BuildInventory constructs the ordered list of bootstrap steps. The
// validator is injected to enable testing with mock HTTP/DB clients.
func BuildInventory(v *Validator) []BootstrapStep {
	return []BootstrapStep{
		{
			HumanLabel:     "Database URL",
			SSMCategoryKey: "database/url",
			ParamType:      ParamSecureString,
			Source:         SourcePrompt,
			Prompt: `1. Provision the payments PostgreSQL database.
   2. Paste the full postgres://... connection string here:`,
			ValidateFn: v.ValidateDatabaseURL,
			IsSecret:   true,
			Phase:      "External Accounts",
		},
		{
			HumanLabel:     "Stripe Secret Key",
			SSMCategoryKey: "gateway/stripe_secret_key",
			ParamType:      ParamSecureString,
			Source:         SourcePrompt,
			Prompt: `1. Go to Stripe Dashboard > Developers > API Keys.
   2. Copy the Secret Key (sk_...).
   3. Paste it here:`,
			ValidateFn: v.ValidateStripeKey,
			IsSecret:   true,
			Phase:      "External Accounts",
		},
		{
			HumanLabel:     "Stripe Webhook Signing Secret",
			SSMCategoryKey: "gateway/stripe_webhook_secret",
			ParamType:      ParamSecureString,
			Source:         SourcePrompt,
			Prompt: `1. Go to Stripe Dashboard > Developers > Webhooks.
   2. Create (or open) the endpoint for /v1/webhooks/gateway.
   3. Reveal and paste the Signing Secret (whsec_...):`,
			ValidateFn: v.ValidateWebhookSecret,
			IsSecret:   true,
			Phase:      "External Accounts",
		},
		{
			HumanLabel:     "Notification Queue URL",
			SSMCategoryKey: "queue/notifications_url",
			ParamType:      ParamString,
			Source:         SourcePrompt,
			Prompt:         `Paste the SQS queue URL for outbound notifications:`,
			ValidateFn:     v.ValidateQueueURL,
			IsSecret:       false,
			Phase:          "External Accounts",
		},
		{
			HumanLabel:     "Admin API Key",
			SSMCategoryKey: "admin/api_key_hash",
			ParamType:      ParamSecureString,
			Source:         SourceGenerated,
			Phase:          "Internal Secrets",
		},
	}
}

// BootstrapRunner walks the step inventory, collecting and writing parameters.
type BootstrapRunner struct {
	bctx  *BootstrapContext
	steps []BootstrapStep

	// SSM is exported so main can reuse the manager for --export-env.
	SSM *SSMManager

	// in/out are the operator I/O streams, injectable for tests.
	in  io.Reader
	out io.Writer

	// reader buffers in across prompts so lookahead is not lost between steps.
	reader *bufio.Reader
}

// NewBootstrapRunner creates a runner with production dependencies.
func NewBootstrapRunner(bctx *BootstrapContext) *BootstrapRunner {
	v := NewValidator()
	return &BootstrapRunner{
		bctx:   bctx,
		steps:  BuildInventory(v),
		SSM:    NewSSMManager(bctx),
		in:     os.Stdin,
		out:    os.Stderr,
		reader: bufio.NewReader(os.Stdin),
	}
}

// NewBootstrapRunnerWithDeps creates a runner with injected dependencies
// for testing.
func NewBootstrapRunnerWithDeps(bctx *BootstrapContext, steps []BootstrapStep, ssm *SSMManager, in io.Reader, out io.Writer) *BootstrapRunner {
	return &BootstrapRunner{
		bctx:   bctx,
		steps:  steps,
		SSM:    ssm,
		in:     in,
		out:    out,
		reader: bufio.NewReader(in),
	}
}

// Run executes the bootstrap protocol: for each step, probe SSM for an
// existing value (reruns are idempotent), then collect or generate the
// value and write it.
func (r *BootstrapRunner) Run(ctx context.Context) error {
	var phase string
	for _, step := range r.steps {
		if step.Phase != phase {
			phase = step.Phase
			fmt.Fprintf(r.out, "\n=== %s ===\n", phase)
		}

		path := r.SSM.SSMPath(step.SSMCategoryKey)

		exists, err := r.SSM.ParameterExists(ctx, path)
		if err != nil {
			return fmt.Errorf("step %q: %w", step.HumanLabel, err)
		}
		if exists {
			fmt.Fprintf(r.out, "  %s: already set (%s), skipping\n", step.HumanLabel, path)
			continue
		}

		if err := r.processStep(ctx, step, path); err != nil {
			return fmt.Errorf("step %q: %w", step.HumanLabel, err)
		}
	}

	fmt.Fprintln(r.out, "\nAll parameters populated.")
	return nil
}

// processStep obtains the value for a single step and writes it to SSM.
func (r *BootstrapRunner) processStep(ctx context.Context, step BootstrapStep, path string) error {
	switch step.Source {
	case SourceGenerated:
		cred, err := GenerateAdminCredential()
		if err != nil {
			return err
		}
		if err := r.SSM.PutSecret(ctx, path, cred.Hash, false); err != nil {
			return err
		}
		// The plaintext key is shown exactly once. Only the bcrypt hash is
		// stored; losing this output means regenerating the credential.
		fmt.Fprintf(r.out, "  %s generated. Store this value now, it will not be shown again:\n", step.HumanLabel)
		fmt.Fprintf(r.out, "    X-Admin-Key: %s\n", cred.Key)
		return nil

	case SourcePrompt:
		value, err := r.promptAndValidate(ctx, step)
		if err != nil {
			return err
		}
		if step.ParamType == ParamSecureString {
			return r.SSM.PutSecret(ctx, path, value, false)
		}
		return r.SSM.PutString(ctx, path, value)

	default:
		return fmt.Errorf("unknown input source %d", step.Source)
	}
}

// promptAndValidate shows the step prompt and reads input until validation
// passes or the retry budget is exhausted. Secret input is read without
// echo when stdin is a real terminal.
func (r *BootstrapRunner) promptAndValidate(ctx context.Context, step BootstrapStep) (string, error) {
	for attempt := 1; attempt <= maxRetries; attempt++ {
		fmt.Fprintf(r.out, "\n%s\n   %s\n> ", step.HumanLabel, step.Prompt)

		input, err := r.readLine(step.IsSecret)
		if err != nil {
			return "", err
		}
		input = strings.TrimSpace(input)
		if input == "" {
			fmt.Fprintln(r.out, "  value must not be empty")
			continue
		}

		if step.ValidateFn == nil {
			return input, nil
		}

		result := step.ValidateFn(ctx, input)
		fmt.Fprintf(r.out, "  %s\n", result.Message)
		if result.Valid {
			return input, nil
		}
	}

	return "", fmt.Errorf("validation failed after %d attempts", maxRetries)
}

// readLine reads one line of operator input. When the step is secret and
// stdin is a terminal, the input is read without echoing. Piped input
// (tests, scripts) always falls back to a plain line read.
func (r *BootstrapRunner) readLine(secret bool) (string, error) {
	if secret {
		if f, ok := r.in.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
			b, err := term.ReadPassword(int(f.Fd()))
			fmt.Fprintln(r.out)
			if err != nil {
				return "", fmt.Errorf("reading secret input: %w", err)
			}
			return string(b), nil
		}
	}

	line, err := r.reader.ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("reading input: %w", err)
	}
	if line == "" && errors.Is(err, io.EOF) {
		return "", fmt.Errorf("input stream closed")
	}
	return line, nil
}

// envVarBySSMKey maps SSM category/key paths to the environment variable
// names the config loader reads.
var envVarBySSMKey = map[string]string{
	"database/url":                  "DATABASE_URL",
	"gateway/stripe_secret_key":     "STRIPE_SECRET_KEY",
	"gateway/stripe_webhook_secret": "STRIPE_WEBHOOK_SECRET",
	"queue/notifications_url":       "SQS_NOTIFICATIONS",
	"admin/api_key_hash":            "ADMIN_API_KEY_HASH",
}

// localDefaults are appended to exported .env files to make the result
// immediately usable for local development.
var localDefaults = map[string]string{
	"APP_ENV":         "local",
	"LOG_LEVEL":       "debug",
	"METRICS_ENABLED": "false",
}

// ExportEnvConfig configures ExportEnvFile.
type ExportEnvConfig struct {
	// OutputPath is where the .env file is written.
	OutputPath string

	// Environment is the SSM environment segment to read from.
	Environment string

	// SSM is the manager used to read parameters back.
	SSM *SSMManager

	// Stderr receives progress output.
	Stderr io.Writer

	// IncludeLocalDefaults appends local development defaults to the file.
	IncludeLocalDefaults bool
}

// ExportEnvFile reads the bootstrap parameters back from SSM and writes a
// .env file for local development. The file is created with 0600 permissions
// because it contains decrypted secrets.
func ExportEnvFile(ctx context.Context, cfg ExportEnvConfig) error {
	if cfg.SSM == nil {
		return fmt.Errorf("SSM manager is required")
	}

	lines := make([]string, 0, len(envVarBySSMKey)+len(localDefaults))

	keys := make([]string, 0, len(envVarBySSMKey))
	for k := range envVarBySSMKey {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, categoryKey := range keys {
		path := cfg.SSM.SSMPath(categoryKey)
		value, err := cfg.SSM.GetParameterValue(ctx, path, true)
		if err != nil {
			return fmt.Errorf("exporting %s: %w", envVarBySSMKey[categoryKey], err)
		}
		lines = append(lines, fmt.Sprintf("%s=%s", envVarBySSMKey[categoryKey], value))
	}

	if cfg.IncludeLocalDefaults {
		defaults := make([]string, 0, len(localDefaults))
		for k, v := range localDefaults {
			defaults = append(defaults, fmt.Sprintf("%s=%s", k, v))
		}
		sort.Strings(defaults)
		lines = append(lines, defaults...)
	}

	content := strings.Join(lines, "\n") + "\n"
	if err := os.WriteFile(cfg.OutputPath, []byte(content), 0o600); err != nil {
		return fmt.Errorf("writing %s: %w", cfg.OutputPath, err)
	}

	if cfg.Stderr != nil {
		fmt.Fprintf(cfg.Stderr, "wrote %d values to %s\n", len(lines), cfg.OutputPath)
	}
	return nil
}
