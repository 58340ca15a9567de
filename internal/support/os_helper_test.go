package support

import "testing"

func TestGetEnv(t *testing.T) {
	t.Setenv("REPSHEET_TEST_ENV", "value")
	if got := GetEnv("REPSHEET_TEST_ENV", "fallback"); got != "value" {
		t.Fatalf("GetEnv returned %s, want value", got)
	}

	if got := GetEnv("REPSHEET_TEST_ENV_MISSING", "fallback"); got != "fallback" {
		t.Fatalf("GetEnv returned %s, want fallback", got)
	}
}

func TestGetEnvInt(t *testing.T) {
	t.Setenv("REPSHEET_TEST_INT", " 42 ")
	if got := GetEnvInt("REPSHEET_TEST_INT", 7); got != 42 {
		t.Fatalf("GetEnvInt returned %d, want 42", got)
	}

	t.Setenv("REPSHEET_TEST_INT_BAD", "forty-two")
	if got := GetEnvInt("REPSHEET_TEST_INT_BAD", 7); got != 7 {
		t.Fatalf("GetEnvInt with invalid value returned %d, want 7", got)
	}
}

func TestGetEnvBool(t *testing.T) {
	t.Setenv("REPSHEET_TEST_BOOL", "TRUE")
	if !GetEnvBool("REPSHEET_TEST_BOOL", false) {
		t.Fatal("GetEnvBool returned false for TRUE")
	}

	t.Setenv("REPSHEET_TEST_BOOL_BAD", "maybe")
	if GetEnvBool("REPSHEET_TEST_BOOL_BAD", false) {
		t.Fatal("GetEnvBool with invalid value should fall back to false")
	}
}
