package secrets

import "testing"

func TestSecretVersionName(t *testing.T) {
	got := SecretVersionName("proj-1", "roundboard-redis-password")
	want := "projects/proj-1/secrets/roundboard-redis-password/versions/latest"
	if got != want {
		t.Errorf("SecretVersionName() = %q, want %q", got, want)
	}
}

func TestDefaultSecretNames(t *testing.T) {
	n := DefaultSecretNames()
	if n.RoundAPIKeyName == "" || n.RoundAPIPrivateKey == "" || n.RedisPassword == "" {
		t.Errorf("DefaultSecretNames() has empty entries: %+v", n)
	}
}
