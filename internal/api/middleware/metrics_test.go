package middleware

import "testing"

// TestNormalizePath — шаблоны путей для лейблов метрик.
func TestNormalizePath(t *testing.T) {
	tests := []struct {
		path     string
		expected string
	}{
		{"/health/live", "/health/live"},
		{"/api/v1/proofs/verify", "/api/v1/proofs/verify"},
		{"/status/lists/revocation/42", "/status/lists/{purpose}/{listId}"},
		{"/status/lists/suspension/a-b/operations", "/status/lists/{purpose}/{listId}/operations"},
		{"/status/lists/revocation/42/bits/131071", "/status/lists/{purpose}/{listId}/bits/{index}"},
		{"/status/lists/revocation/42/unknown", "other"},
		{"/status/lists/revocation", "other"},
		{"/wp-admin/setup.php", "other"},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			if got := normalizePath(tt.path); got != tt.expected {
				t.Errorf("normalizePath(%q): ожидалось %q, получено %q", tt.path, tt.expected, got)
			}
		})
	}
}
