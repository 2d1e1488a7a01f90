package security

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidateWebhookURL(t *testing.T) {
	tests := []struct {
		name         string
		url          string
		allowPrivate bool
		ok           bool
	}{
		{"public ip", "https://203.0.113.10/hooks", false, true},
		{"loopback refused", "http://127.0.0.1:9000/hooks", false, false},
		{"localhost refused", "http://localhost:9000/hooks", false, false},
		{"private refused", "http://10.1.2.3/hooks", false, false},
		{"link-local refused", "http://169.254.169.254/latest", false, false},
		{"unspecified refused", "http://0.0.0.0/hooks", false, false},
		{"loopback allowed in development", "http://127.0.0.1:9000/hooks", true, true},
		{"localhost allowed in development", "http://localhost:9000/hooks", true, true},
		{"metadata host always refused", "http://metadata.google.internal/", true, false},
		{"bad scheme", "ftp://203.0.113.10/", false, false},
		{"no host", "https:///hooks", false, false},
		{"credentials", "https://user:pw@203.0.113.10/", false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateWebhookURL(tt.url, tt.allowPrivate)
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrUnsafeURL)
			}
		})
	}
}
