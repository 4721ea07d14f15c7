package validation

import (
	"context"
	"fmt"
	"net/http"
	"testing"

	"github.com/cruxid/flowgate/internal/flowstate"
)

func TestMFAPolicy_PreSubmission(t *testing.T) {
	tests := []struct {
		name         string
		validated    bool
		mfaAttribute string
		retained     flowstate.Attributes
		wantCalls    int
		wantAddress  string
	}{
		{
			name:         "not validated, no enrollment",
			validated:    false,
			mfaAttribute: "mfaEmail",
			retained:     flowstate.Attributes{"username": "a@x.com", "mfaEmail": "b@x.com"},
			wantCalls:    0,
		},
		{
			name:         "mfa attribute is the email attribute, skip",
			validated:    true,
			mfaAttribute: "username",
			retained:     flowstate.Attributes{"username": "a@x.com"},
			wantCalls:    0,
		},
		{
			name:         "no retained email, skip",
			validated:    true,
			mfaAttribute: "mfaEmail",
			retained:     flowstate.Attributes{"mfaEmail": "b@x.com"},
			wantCalls:    0,
		},
		{
			name:         "no retained mfa value, skip",
			validated:    true,
			mfaAttribute: "mfaEmail",
			retained:     flowstate.Attributes{"username": "a@x.com"},
			wantCalls:    0,
		},
		{
			name:         "equal values ignoring case, already verified",
			validated:    true,
			mfaAttribute: "mfaEmail",
			retained:     flowstate.Attributes{"username": "A@X.com", "mfaEmail": "a@x.com"},
			wantCalls:    0,
		},
		{
			name:         "distinct mfa address gets registered",
			validated:    true,
			mfaAttribute: "mfaEmail",
			retained:     flowstate.Attributes{"username": "a@x.com", "mfaEmail": "b@x.com"},
			wantCalls:    1,
			wantAddress:  "b@x.com",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			enroller := &fakeEnroller{}
			policy := NewMFAPolicy(enroller, tt.mfaAttribute, testLogger())

			if err := policy.PreSubmission(context.Background(), tt.validated, tt.retained); err != nil {
				t.Fatalf("PreSubmission: %v", err)
			}

			if len(enroller.registerCalls) != tt.wantCalls {
				t.Fatalf("register calls = %d, want %d", len(enroller.registerCalls), tt.wantCalls)
			}
			if tt.wantCalls == 1 {
				call := enroller.registerCalls[0]
				if call[0] != tt.retained["username"] || call[1] != tt.wantAddress {
					t.Errorf("registered (%q, %q), want (%q, %q)",
						call[0], call[1], tt.retained["username"], tt.wantAddress)
				}
			}
		})
	}
}

func TestMFAPolicy_PreSubmission_ErrorPropagates(t *testing.T) {
	enroller := &fakeEnroller{registerErr: fmt.Errorf("device endpoint down")}
	policy := NewMFAPolicy(enroller, "mfaEmail", testLogger())

	retained := flowstate.Attributes{"username": "a@x.com", "mfaEmail": "b@x.com"}
	if err := policy.PreSubmission(context.Background(), true, retained); err == nil {
		t.Fatal("expected enrollment error before submission to propagate")
	}
}

func TestMFAPolicy_PostSubmission(t *testing.T) {
	tests := []struct {
		name         string
		statusCode   int
		validated    bool
		mfaAttribute string
		retained     flowstate.Attributes
		wantCalls    int
		wantAddress  string
	}{
		{
			name:         "non-200 status, no enrollment",
			statusCode:   http.StatusBadRequest,
			validated:    true,
			mfaAttribute: "mfaEmail",
			retained:     flowstate.Attributes{"username": "a@x.com", "mfaEmail": "b@x.com"},
			wantCalls:    0,
		},
		{
			name:         "not validated, no enrollment",
			statusCode:   http.StatusOK,
			validated:    false,
			mfaAttribute: "mfaEmail",
			retained:     flowstate.Attributes{"username": "a@x.com", "mfaEmail": "b@x.com"},
			wantCalls:    0,
		},
		{
			name:         "mfa attribute is the email attribute, enroll email value",
			statusCode:   http.StatusOK,
			validated:    true,
			mfaAttribute: "username",
			retained:     flowstate.Attributes{"username": "a@x.com"},
			wantCalls:    1,
			wantAddress:  "a@x.com",
		},
		{
			name:         "both present and equal, enroll email value",
			statusCode:   http.StatusOK,
			validated:    true,
			mfaAttribute: "mfaEmail",
			retained:     flowstate.Attributes{"username": "A@X.com", "mfaEmail": "a@x.com"},
			wantCalls:    1,
			wantAddress:  "A@X.com",
		},
		{
			name:         "only email present, enroll it",
			statusCode:   http.StatusOK,
			validated:    true,
			mfaAttribute: "mfaEmail",
			retained:     flowstate.Attributes{"username": "a@x.com"},
			wantCalls:    1,
			wantAddress:  "a@x.com",
		},
		{
			name:         "only mfa value present, enroll it",
			statusCode:   http.StatusOK,
			validated:    true,
			mfaAttribute: "mfaEmail",
			retained:     flowstate.Attributes{"mfaEmail": "b@x.com"},
			wantCalls:    1,
			wantAddress:  "b@x.com",
		},
		{
			name:         "both present and distinct, no enrollment",
			statusCode:   http.StatusOK,
			validated:    true,
			mfaAttribute: "mfaEmail",
			retained:     flowstate.Attributes{"username": "a@x.com", "mfaEmail": "b@x.com"},
			wantCalls:    0,
		},
		{
			name:         "neither present, no enrollment",
			statusCode:   http.StatusOK,
			validated:    true,
			mfaAttribute: "mfaEmail",
			retained:     flowstate.Attributes{},
			wantCalls:    0,
		},
		{
			name:         "mfa attribute is the email attribute but nothing retained, no enrollment",
			statusCode:   http.StatusOK,
			validated:    true,
			mfaAttribute: "username",
			retained:     flowstate.Attributes{},
			wantCalls:    0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			enroller := &fakeEnroller{}
			policy := NewMFAPolicy(enroller, tt.mfaAttribute, testLogger())

			policy.PostSubmission(context.Background(), tt.statusCode, tt.validated, tt.retained)

			if len(enroller.registerCalls) != tt.wantCalls {
				t.Fatalf("register calls = %d, want %d", len(enroller.registerCalls), tt.wantCalls)
			}
			if tt.wantCalls == 1 && enroller.registerCalls[0][1] != tt.wantAddress {
				t.Errorf("registered address = %q, want %q", enroller.registerCalls[0][1], tt.wantAddress)
			}
		})
	}
}

func TestMFAPolicy_PostSubmission_ErrorSwallowed(t *testing.T) {
	enroller := &fakeEnroller{registerErr: fmt.Errorf("device endpoint down")}
	policy := NewMFAPolicy(enroller, "mfaEmail", testLogger())

	// Must not panic and must not propagate: the upstream response already
	// committed.
	policy.PostSubmission(context.Background(), http.StatusOK, true,
		flowstate.Attributes{"mfaEmail": "b@x.com"})

	if len(enroller.registerCalls) != 1 {
		t.Fatalf("register calls = %d, want 1", len(enroller.registerCalls))
	}
}
