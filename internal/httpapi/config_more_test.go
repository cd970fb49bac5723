package httpapi

import "testing"

func TestSetMaxBodyBytes_DefaultWhenNonPositive(t *testing.T) {
	SetMaxBodyBytes(-1)
	if maxBodyBytes != 512<<20 {
		t.Fatalf("expected default 512MiB, got %d", maxBodyBytes)
	}
	SetMaxBodyBytes(0)
	if maxBodyBytes != 512<<20 {
		t.Fatalf("expected default 512MiB on zero, got %d", maxBodyBytes)
	}
}

func TestSetMaxBodyBytes_PositiveSetsValue(t *testing.T) {
	SetMaxBodyBytes(1234)
	defer SetMaxBodyBytes(0)
	if maxBodyBytes != 1234 {
		t.Fatalf("expected 1234, got %d", maxBodyBytes)
	}
}

func TestSetRequestTimeoutSeconds_NormalizesNegativeToZero(t *testing.T) {
	SetRequestTimeoutSeconds(-5)
	if requestTimeout != 0 {
		t.Fatalf("expected 0, got %d", requestTimeout)
	}
	SetRequestTimeoutSeconds(3)
	defer SetRequestTimeoutSeconds(0)
	if requestTimeout != 3 {
		t.Fatalf("expected 3, got %d", requestTimeout)
	}
}

func TestSetCORSOptions_Defaults(t *testing.T) {
	SetCORSOptions(true, nil, nil, nil)
	defer SetCORSOptions(false, nil, nil, nil)
	if len(corsAllowedOrigins) != 1 || corsAllowedOrigins[0] != "*" || len(corsAllowedMethods) == 0 {
		t.Fatalf("unexpected defaults: %v %v", corsAllowedOrigins, corsAllowedMethods)
	}
}
