package safety

import (
	"errors"
	"testing"
)

type stubConfig struct {
	dryRun      bool
	validateErr error
}

func (c stubConfig) ValidateConfig() error { return c.validateErr }
func (c stubConfig) IsDryRun() bool        { return c.dryRun }

func TestTokenRequiresAllThreeConsents(t *testing.T) {
	tests := []struct {
		name                        string
		ack, disarmed, confirmation bool
		wantErr                     error
	}{
		{"nothing given", false, false, false, ErrMissingAcknowledgement},
		{"only acknowledgement", true, false, false, ErrSafeModeEngaged},
		{"missing confirmation", true, true, false, ErrMissingConfirmation},
		{"missing acknowledgement", false, true, true, ErrMissingAcknowledgement},
		{"all given", true, true, true, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			token, err := NewExecuteArmToken(tt.ack, tt.disarmed, tt.confirmation)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("error = %v, want %v", err, tt.wantErr)
				}
				if token.Valid() {
					t.Error("failed construction yielded a valid token")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !token.Valid() {
				t.Error("token from successful construction is not valid")
			}
		})
	}
}

func TestZeroTokenCannotArm(t *testing.T) {
	validated, err := NewUnvalidated(stubConfig{}).Validate()
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	var forged ExecuteArmToken
	if _, err := validated.ArmExecute(forged); err == nil {
		t.Fatal("zero-value token armed a config")
	}
}

func TestValidatePropagatesConfigError(t *testing.T) {
	bad := stubConfig{validateErr: errors.New("image does not exist")}
	if _, err := NewUnvalidated(bad).Validate(); err == nil {
		t.Fatal("validate succeeded on a broken config")
	}
}

func TestArmRejectsDryRun(t *testing.T) {
	validated, err := NewUnvalidated(stubConfig{dryRun: true}).Validate()
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	token, err := NewExecuteArmToken(true, true, true)
	if err != nil {
		t.Fatalf("token: %v", err)
	}
	if _, err := validated.ArmExecute(token); !errors.Is(err, ErrDryRunArm) {
		t.Fatalf("arming dry-run config: error = %v, want %v", err, ErrDryRunArm)
	}
}

func TestRequireDryRun(t *testing.T) {
	dry, err := NewUnvalidated(stubConfig{dryRun: true}).Validate()
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if err := dry.RequireDryRun(); err != nil {
		t.Errorf("RequireDryRun on dry config: %v", err)
	}

	wet, err := NewUnvalidated(stubConfig{}).Validate()
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if err := wet.RequireDryRun(); !errors.Is(err, ErrNotDryRun) {
		t.Errorf("RequireDryRun on execute config: error = %v, want %v", err, ErrNotDryRun)
	}
}

func TestFullTransitionChain(t *testing.T) {
	validated, err := NewUnvalidated(stubConfig{}).Validate()
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	token, err := NewExecuteArmToken(true, true, true)
	if err != nil {
		t.Fatalf("token: %v", err)
	}
	armed, err := validated.ArmExecute(token)
	if err != nil {
		t.Fatalf("arm: %v", err)
	}
	executing := armed.IntoExecuting()
	if executing.Config().dryRun {
		t.Error("config mutated across transitions")
	}
}

func TestConfirmationPhrasesAreExact(t *testing.T) {
	tests := []struct {
		input string
		fn    func(string) bool
		want  bool
	}{
		{"DESTROY", MatchesSafeModeDisarm, true},
		{"destroy", MatchesSafeModeDisarm, false},
		{"DESTROY ", MatchesSafeModeDisarm, false},
		{"DEST", MatchesSafeModeDisarm, false},
		{"I UNDERSTAND THIS WILL ERASE THE SELECTED DISK", MatchesExecuteConfirmation, true},
		{"i understand this will erase the selected disk", MatchesExecuteConfirmation, false},
		{"I UNDERSTAND", MatchesExecuteConfirmation, false},
	}
	for _, tt := range tests {
		if got := tt.fn(tt.input); got != tt.want {
			t.Errorf("phrase match(%q) = %v, want %v", tt.input, got, tt.want)
		}
	}
}
