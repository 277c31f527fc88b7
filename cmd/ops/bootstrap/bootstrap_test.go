package main

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	ssmtypes "github.com/aws/aws-sdk-go-v2/service/ssm/types"
)

// newTestRunner builds a BootstrapRunner with a mock SSM client, scripted
// stdin, and a captured stderr buffer.
func newTestRunner(mock *mockSSMClient, stdin string, steps []BootstrapStep) (*BootstrapRunner, *bytes.Buffer) {
	stderr := &bytes.Buffer{}
	return &BootstrapRunner{
		SSM:               newTestSSMManager(mock, "dev"),
		Validator:         NewValidatorWithDeps(nil, nil),
		Stdin:             strings.NewReader(stdin),
		Stderr:            stderr,
		inventoryOverride: steps,
	}, stderr
}

func promptStep(label, categoryKey string, optional bool) BootstrapStep {
	return BootstrapStep{
		HumanLabel:     label,
		SSMCategoryKey: categoryKey,
		ParamType:      ParamSecureString,
		Source:         SourcePrompt,
		Prompt:         "Paste the value:",
		IsSecret:       true,
		Optional:       optional,
		Phase:          "Test",
	}
}

func TestBuildInventory_Shape(t *testing.T) {
	v := NewValidatorWithDeps(nil, nil)
	inventory := BuildInventory(v)

	// 3 infrastructure steps, 3 per provider, 1 generated admin key.
	want := 3 + 3*len(providerNames) + 1
	if len(inventory) != want {
		t.Fatalf("inventory has %d steps, want %d", len(inventory), want)
	}

	seen := make(map[string]bool)
	for _, step := range inventory {
		if step.SSMCategoryKey == "" {
			t.Errorf("step %q has empty SSM key", step.HumanLabel)
		}
		if seen[step.SSMCategoryKey] {
			t.Errorf("duplicate SSM key %q", step.SSMCategoryKey)
		}
		seen[step.SSMCategoryKey] = true
	}

	for _, name := range providerNames {
		if !seen["providers/"+name+"/signing_secret"] {
			t.Errorf("missing signing secret step for provider %q", name)
		}
	}

	// Signing secrets are required; API keys and base URLs are optional.
	for _, step := range inventory {
		if strings.HasSuffix(step.SSMCategoryKey, "/signing_secret") && step.Optional {
			t.Errorf("signing secret step %q must not be optional", step.HumanLabel)
		}
		if strings.HasSuffix(step.SSMCategoryKey, "/api_key") && strings.HasPrefix(step.SSMCategoryKey, "providers/") && !step.Optional {
			t.Errorf("provider API key step %q should be optional", step.HumanLabel)
		}
	}

	last := inventory[len(inventory)-1]
	if last.SSMCategoryKey != "admin/api_key" || last.Source != SourceGenerated {
		t.Errorf("last step should be the generated admin API key, got %+v", last)
	}
	if last.GenerateFn == nil {
		t.Error("admin API key step must carry a GenerateFn for the derived hash")
	}
}

func TestRun_PromptedStepWritesToSSM(t *testing.T) {
	mock := &mockSSMClient{}
	runner, _ := newTestRunner(mock, "my-signing-secret-value\n", []BootstrapStep{
		promptStep("Coinbox Signing Secret", "providers/coinbox/signing_secret", false),
	})

	if err := runner.Run(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(mock.putCalls) != 1 {
		t.Fatalf("expected 1 put, got %d", len(mock.putCalls))
	}
	call := mock.putCalls[0]
	if aws.ToString(call.Name) != "/dev/paygate/providers/coinbox/signing_secret" {
		t.Errorf("wrote to %q", aws.ToString(call.Name))
	}
	if aws.ToString(call.Value) != "my-signing-secret-value" {
		t.Error("value not passed through")
	}
	if aws.ToBool(call.Overwrite) {
		t.Error("fresh parameter should not use overwrite")
	}
}

func TestRun_ExistingParameterSkip(t *testing.T) {
	mock := &mockSSMClient{
		getParameterFn: func(_ context.Context, input *ssm.GetParameterInput) (*ssm.GetParameterOutput, error) {
			return &ssm.GetParameterOutput{
				Parameter: &ssmtypes.Parameter{Name: input.Name, Value: aws.String("existing")},
			}, nil
		},
	}
	runner, stderr := newTestRunner(mock, "s\n", []BootstrapStep{
		promptStep("Database URL", "database/url", false),
	})

	if err := runner.Run(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(mock.putCalls) != 0 {
		t.Error("skip must not write to SSM")
	}
	if !strings.Contains(stderr.String(), "already exists") {
		t.Error("stderr should mention the parameter already exists")
	}
}

func TestRun_ExistingParameterOverwrite(t *testing.T) {
	mock := &mockSSMClient{
		getParameterFn: func(_ context.Context, input *ssm.GetParameterInput) (*ssm.GetParameterOutput, error) {
			return &ssm.GetParameterOutput{
				Parameter: &ssmtypes.Parameter{Name: input.Name, Value: aws.String("old")},
			}, nil
		},
	}
	runner, _ := newTestRunner(mock, "o\nreplacement-secret-value\n", []BootstrapStep{
		promptStep("Database URL", "database/url", false),
	})

	if err := runner.Run(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(mock.putCalls) != 1 {
		t.Fatalf("expected 1 put, got %d", len(mock.putCalls))
	}
	if !aws.ToBool(mock.putCalls[0].Overwrite) {
		t.Error("overwrite choice should set Overwrite=true")
	}
}

func TestRun_OptionalStepEmptyInputSkips(t *testing.T) {
	mock := &mockSSMClient{}
	runner, _ := newTestRunner(mock, "\n", []BootstrapStep{
		promptStep("Coinbox API Key (optional)", "providers/coinbox/api_key", true),
	})

	if err := runner.Run(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(mock.putCalls) != 0 {
		t.Error("empty input on optional step must not write")
	}
}

func TestRun_SkipOptionalFlag(t *testing.T) {
	mock := &mockSSMClient{}
	runner, _ := newTestRunner(mock, "", []BootstrapStep{
		promptStep("Redis URL (optional)", "redis/url", true),
	})
	runner.SkipOptional = true

	if err := runner.Run(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(mock.getCalls) != 0 || len(mock.putCalls) != 0 {
		t.Error("--skip-optional should bypass SSM entirely for optional steps")
	}
}

func TestRun_ValidationRetry(t *testing.T) {
	mock := &mockSSMClient{}
	attempts := 0

	step := promptStep("Database URL", "database/url", false)
	step.ValidateFn = func(_ context.Context, input string) ValidationResult {
		attempts++
		if input == "bad-value" {
			return ValidationResult{Valid: false, Message: "rejected"}
		}
		return ValidationResult{Valid: true, Message: "ok"}
	}

	runner, _ := newTestRunner(mock, "bad-value\ngood-value\n", []BootstrapStep{step})
	if err := runner.Run(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if attempts != 2 {
		t.Errorf("validator ran %d times, want 2", attempts)
	}
	if len(mock.putCalls) != 1 || aws.ToString(mock.putCalls[0].Value) != "good-value" {
		t.Error("expected the validated retry value to be written")
	}
}

func TestRun_MaxRetriesExceeded(t *testing.T) {
	mock := &mockSSMClient{}

	step := promptStep("Database URL", "database/url", false)
	step.ValidateFn = func(_ context.Context, _ string) ValidationResult {
		return ValidationResult{Valid: false, Message: "always rejected"}
	}

	runner, _ := newTestRunner(mock, strings.Repeat("nope\n", maxRetries+1), []BootstrapStep{step})
	err := runner.Run(context.Background())
	if err == nil {
		t.Fatal("expected error after exhausting retries")
	}
	if !strings.Contains(err.Error(), "maximum retries") {
		t.Errorf("error = %q, want to mention maximum retries", err.Error())
	}
}

func TestRun_GeneratedStepWritesDerivedParams(t *testing.T) {
	mock := &mockSSMClient{}
	runner, stderr := newTestRunner(mock, "", []BootstrapStep{
		{
			HumanLabel:     "Admin API Key",
			SSMCategoryKey: "admin/api_key",
			ParamType:      ParamSecureString,
			Source:         SourceGenerated,
			GenerateFn: func() (string, map[string]string, error) {
				return "generated-plaintext", map[string]string{"admin/api_key_hash": "generated-hash"}, nil
			},
			Phase: "Internal Secrets",
		},
	})

	if err := runner.Run(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(mock.putCalls) != 2 {
		t.Fatalf("expected 2 puts (value + derived), got %d", len(mock.putCalls))
	}

	byPath := make(map[string]*ssm.PutParameterInput)
	for _, call := range mock.putCalls {
		byPath[aws.ToString(call.Name)] = call
	}

	primary, ok := byPath["/dev/paygate/admin/api_key"]
	if !ok || aws.ToString(primary.Value) != "generated-plaintext" {
		t.Error("primary generated value not written")
	}
	derived, ok := byPath["/dev/paygate/admin/api_key_hash"]
	if !ok || aws.ToString(derived.Value) != "generated-hash" {
		t.Error("derived hash not written")
	}
	if derived != nil && derived.Type != ssmtypes.ParameterTypeSecureString {
		t.Error("derived parameters must be SecureString")
	}

	// Neither value may appear on the console.
	if strings.Contains(stderr.String(), "generated-plaintext") || strings.Contains(stderr.String(), "generated-hash") {
		t.Error("generated secret leaked to stderr")
	}
}

func TestRun_GeneratedStepDefaultsToSecureToken(t *testing.T) {
	mock := &mockSSMClient{}
	runner, _ := newTestRunner(mock, "", []BootstrapStep{
		{
			HumanLabel:     "Internal Token",
			SSMCategoryKey: "internal/token",
			ParamType:      ParamSecureString,
			Source:         SourceGenerated,
			Phase:          "Internal Secrets",
		},
	})

	if err := runner.Run(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(mock.putCalls) != 1 {
		t.Fatalf("expected 1 put, got %d", len(mock.putCalls))
	}
	if !hexTokenRegex.MatchString(aws.ToString(mock.putCalls[0].Value)) {
		t.Error("default generator should produce a 64-char hex token")
	}
}

func TestRun_SummaryCountsActions(t *testing.T) {
	mock := &mockSSMClient{}
	runner, stderr := newTestRunner(mock, "some-long-enough-secret\n\n", []BootstrapStep{
		promptStep("Coinbox Signing Secret", "providers/coinbox/signing_secret", false),
		promptStep("Coinbox API Key (optional)", "providers/coinbox/api_key", true),
	})

	if err := runner.Run(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	out := stderr.String()
	if !strings.Contains(out, "Bootstrap Summary") {
		t.Error("missing summary header")
	}
	if !strings.Contains(out, "Total: 2 parameters") {
		t.Errorf("missing total count, got:\n%s", out)
	}
	if !strings.Contains(out, "[WRITTEN]") || !strings.Contains(out, "[SKIPPED]") {
		t.Error("summary should show per-step actions")
	}
}
