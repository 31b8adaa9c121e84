package errors

import (
	"net/http"
	"testing"
	"time"

	"pgregory.net/rapid"
)

// Every admission rejection must carry the structured details the
// presentation layer renders from: tier and the relevant numbers.
func TestAdmissionErrorsCarryDetails(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		tier := rapid.SampledFrom([]string{"trial", "starter", "professional", "enterprise"}).Draw(rt, "tier")
		remaining := rapid.StringMatching(`[0-9]{1,4}\.[0-9]{2}`).Draw(rt, "remaining")

		credits := NewInsufficientCreditsError(tier, remaining)
		if credits.Code != ErrInsufficientCredits || credits.HTTPStatus != http.StatusPaymentRequired {
			t.Fatalf("Unexpected code/status: %s/%d", credits.Code, credits.HTTPStatus)
		}
		if credits.Details == nil || credits.Details.Tier != tier || credits.Details.Remaining != remaining {
			t.Fatalf("Insufficient-credits details incomplete: %+v", credits.Details)
		}

		resetAt := time.Now().Add(time.Hour).UTC()
		quota := NewQuotaExceededError(tier, "34", "33", resetAt)
		if quota.Code != ErrQuotaExceeded || quota.HTTPStatus != http.StatusTooManyRequests {
			t.Fatalf("Unexpected code/status: %s/%d", quota.Code, quota.HTTPStatus)
		}
		if quota.Details == nil || quota.Details.ResetAt == nil || !quota.Details.ResetAt.Equal(resetAt) {
			t.Fatalf("Quota details must carry the reset time: %+v", quota.Details)
		}
		if quota.Details.Limit != "33" {
			t.Fatalf("Quota details must carry the limit: %+v", quota.Details)
		}
	})
}

func TestErrorStatusClassification(t *testing.T) {
	clientErrors := []*APIError{
		NewInvalidRequestError("bad input"),
		NewInsufficientCreditsError("trial", "0"),
		NewQuotaExceededError("starter", "34", "33", time.Now()),
		NewNoCredentialError("starter"),
		NewNoAvailableModelError("starter"),
	}
	for _, e := range clientErrors {
		if e.HTTPStatus < 400 || e.HTTPStatus >= 500 {
			t.Fatalf("Code %s should map to a 4xx status, got %d", e.Code, e.HTTPStatus)
		}
	}

	serverErrors := []*APIError{
		NewProviderDispatchError("starter"),
		ErrInternalServerError,
	}
	for _, e := range serverErrors {
		if e.HTTPStatus < 500 || e.HTTPStatus >= 600 {
			t.Fatalf("Code %s should map to a 5xx status, got %d", e.Code, e.HTTPStatus)
		}
	}
}

func TestAPIErrorImplementsError(t *testing.T) {
	var err error = NewInvalidRequestError("missing account_id")
	if err.Error() != "missing account_id" {
		t.Fatalf("Error() should return the message, got %q", err.Error())
	}
}

// Error codes are part of the wire contract; a collision would make two
// failure modes indistinguishable to clients.
func TestErrorCodesAreUnique(t *testing.T) {
	codes := []ErrorCode{
		ErrInvalidRequest, ErrValidationFailed,
		ErrInsufficientCredits, ErrQuotaExceeded,
		ErrAccountNotFound,
		ErrNoCredentialAvailable, ErrNoAvailableModel,
		ErrInternalServer, ErrProviderDispatch,
	}
	seen := make(map[ErrorCode]bool, len(codes))
	for _, c := range codes {
		if seen[c] {
			t.Fatalf("Duplicate error code %s", c)
		}
		seen[c] = true
	}
}
