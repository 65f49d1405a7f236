package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	ssmtypes "github.com/aws/aws-sdk-go-v2/service/ssm/types"
	"golang.org/x/crypto/bcrypt"
)

func testBootstrapContext(env string) *BootstrapContext {
	return &BootstrapContext{
		Environment: env,
		AWSRegion:   "us-east-1",
		AccountID:   "123456789012",
		Logger:      testSSMLogger(),
	}
}

// scriptedSteps builds a minimal inventory with injectable validation.
func scriptedSteps(v *Validator) []BootstrapStep {
	return []BootstrapStep{
		{
			HumanLabel:     "Notification Queue URL",
			SSMCategoryKey: "queue/notifications_url",
			ParamType:      ParamString,
			Source:         SourcePrompt,
			Prompt:         "Paste the SQS queue URL:",
			ValidateFn:     v.ValidateQueueURL,
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

func TestRunner_PromptedAndGeneratedSteps(t *testing.T) {
	client := newMockSSMClient()
	ssm := NewSSMManagerWithClient(client, "dev", testSSMLogger())
	v := NewValidatorWithDeps(&mockHTTPClient{}, &mockDBConnector{})

	in := strings.NewReader("https://sqs.us-east-1.amazonaws.com/123456789012/drawclub-notifications\n")
	var out bytes.Buffer
	runner := NewBootstrapRunnerWithDeps(testBootstrapContext("dev"), scriptedSteps(v), ssm, in, &out)

	if err := runner.Run(context.Background()); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}

	// The prompted value is stored as a plain String.
	queue := client.params["/dev/drawclub/queue/notifications_url"]
	if queue.value != "https://sqs.us-east-1.amazonaws.com/123456789012/drawclub-notifications" {
		t.Errorf("stored queue URL = %q", queue.value)
	}
	if queue.paramType != ssmtypes.ParameterTypeString {
		t.Errorf("queue URL type = %s, want String", queue.paramType)
	}

	// The generated credential stores only a bcrypt hash.
	hash := client.params["/dev/drawclub/admin/api_key_hash"]
	if hash.paramType != ssmtypes.ParameterTypeSecureString {
		t.Errorf("admin hash type = %s, want SecureString", hash.paramType)
	}
	if !strings.HasPrefix(hash.value, "$2") {
		t.Errorf("stored value does not look like a bcrypt hash: %q", hash.value)
	}

	// The plaintext key is printed once and must verify against the hash.
	output := out.String()
	idx := strings.Index(output, "X-Admin-Key: ")
	if idx < 0 {
		t.Fatal("plaintext admin key was not displayed")
	}
	key := strings.Fields(output[idx+len("X-Admin-Key: "):])[0]
	if err := bcrypt.CompareHashAndPassword([]byte(hash.value), []byte(key)); err != nil {
		t.Errorf("displayed key does not match stored hash: %v", err)
	}
}

func TestRunner_SkipsExistingParameters(t *testing.T) {
	client := newMockSSMClient()
	client.params["/dev/drawclub/queue/notifications_url"] = storedParam{
		value:     "https://sqs.us-east-1.amazonaws.com/123456789012/existing",
		paramType: ssmtypes.ParameterTypeString,
	}
	client.params["/dev/drawclub/admin/api_key_hash"] = storedParam{
		value:     "$2a$10$existinghash",
		paramType: ssmtypes.ParameterTypeSecureString,
	}
	ssm := NewSSMManagerWithClient(client, "dev", testSSMLogger())
	v := NewValidatorWithDeps(&mockHTTPClient{}, &mockDBConnector{})

	// No input available: if any step prompted, reading would fail.
	var out bytes.Buffer
	runner := NewBootstrapRunnerWithDeps(testBootstrapContext("dev"), scriptedSteps(v), ssm, strings.NewReader(""), &out)

	if err := runner.Run(context.Background()); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}

	if len(client.putCalls) != 0 {
		t.Errorf("expected no writes for existing parameters, got %d", len(client.putCalls))
	}
	if !strings.Contains(out.String(), "skipping") {
		t.Error("expected skip notices in output")
	}
}

func TestRunner_RetriesUntilValid(t *testing.T) {
	client := newMockSSMClient()
	ssm := NewSSMManagerWithClient(client, "dev", testSSMLogger())
	v := NewValidatorWithDeps(&mockHTTPClient{}, &mockDBConnector{})

	steps := scriptedSteps(v)[:1]
	// Two invalid attempts, then a valid queue URL.
	in := strings.NewReader("garbage\nstill-garbage\nhttps://sqs.us-east-1.amazonaws.com/123456789012/q\n")
	var out bytes.Buffer
	runner := NewBootstrapRunnerWithDeps(testBootstrapContext("dev"), steps, ssm, in, &out)

	if err := runner.Run(context.Background()); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}

	if client.params["/dev/drawclub/queue/notifications_url"].value != "https://sqs.us-east-1.amazonaws.com/123456789012/q" {
		t.Error("the eventually-valid value should be stored")
	}
}

func TestRunner_AbortsAfterMaxRetries(t *testing.T) {
	client := newMockSSMClient()
	ssm := NewSSMManagerWithClient(client, "dev", testSSMLogger())
	v := NewValidatorWithDeps(&mockHTTPClient{}, &mockDBConnector{})

	steps := scriptedSteps(v)[:1]
	in := strings.NewReader(strings.Repeat("garbage\n", maxRetries+1))
	var out bytes.Buffer
	runner := NewBootstrapRunnerWithDeps(testBootstrapContext("dev"), steps, ssm, in, &out)

	err := runner.Run(context.Background())
	if err == nil {
		t.Fatal("expected error after exhausting retries")
	}
	if !strings.Contains(err.Error(), "validation failed") {
		t.Errorf("unexpected error: %v", err)
	}
	if len(client.putCalls) != 0 {
		t.Error("nothing should be written when validation never passes")
	}
}

func TestExportEnvFile(t *testing.T) {
	client := newMockSSMClient()
	client.params["/dev/drawclub/database/url"] = storedParam{value: "postgres://u:p@h:5432/db", paramType: ssmtypes.ParameterTypeSecureString}
	client.params["/dev/drawclub/gateway/stripe_secret_key"] = storedParam{value: "sk_test_abc", paramType: ssmtypes.ParameterTypeSecureString}
	client.params["/dev/drawclub/gateway/stripe_webhook_secret"] = storedParam{value: "whsec_abc", paramType: ssmtypes.ParameterTypeSecureString}
	client.params["/dev/drawclub/queue/notifications_url"] = storedParam{value: "https://sqs.example/q", paramType: ssmtypes.ParameterTypeString}
	client.params["/dev/drawclub/admin/api_key_hash"] = storedParam{value: "$2a$10$hash", paramType: ssmtypes.ParameterTypeSecureString}

	ssm := NewSSMManagerWithClient(client, "dev", testSSMLogger())
	outPath := filepath.Join(t.TempDir(), ".env")

	var stderr bytes.Buffer
	err := ExportEnvFile(context.Background(), ExportEnvConfig{
		OutputPath:           outPath,
		Environment:          "dev",
		SSM:                  ssm,
		Stderr:               &stderr,
		IncludeLocalDefaults: true,
	})
	if err != nil {
		t.Fatalf("ExportEnvFile returned error: %v", err)
	}

	info, err := os.Stat(outPath)
	if err != nil {
		t.Fatalf("stat exported file: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Errorf("exported file mode = %o, want 0600", info.Mode().Perm())
	}

	content, err := os.ReadFile(outPath)
	if err != nil {
		t.Fatalf("read exported file: %v", err)
	}

	for _, want := range []string{
		"DATABASE_URL=postgres://u:p@h:5432/db",
		"STRIPE_SECRET_KEY=sk_test_abc",
		"STRIPE_WEBHOOK_SECRET=whsec_abc",
		"SQS_NOTIFICATIONS=https://sqs.example/q",
		"ADMIN_API_KEY_HASH=$2a$10$hash",
		"APP_ENV=local",
		"METRICS_ENABLED=false",
	} {
		if !strings.Contains(string(content), want) {
			t.Errorf("exported file missing line %q", want)
		}
	}
}

func TestExportEnvFile_MissingParameter(t *testing.T) {
	ssm := NewSSMManagerWithClient(newMockSSMClient(), "dev", testSSMLogger())
	outPath := filepath.Join(t.TempDir(), ".env")

	err := ExportEnvFile(context.Background(), ExportEnvConfig{
		OutputPath:  outPath,
		Environment: "dev",
		SSM:         ssm,
	})
	if err == nil {
		t.Fatal("expected error when parameters are missing")
	}
	if _, statErr := os.Stat(outPath); statErr == nil {
		t.Error("no file should be written on failure")
	}
}

func TestValidEnvironments(t *testing.T) {
	for _, env := range []string{"dev", "staging", "prod"} {
		if !validEnvironments[env] {
			t.Errorf("%s should be a valid environment", env)
		}
	}
	for _, env := range []string{"", "local", "production", "test"} {
		if validEnvironments[env] {
			t.Errorf("%s should not be a valid environment", env)
		}
	}
}
