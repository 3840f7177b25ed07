package validation

import (
	"testing"
)

func TestValidateServiceName(t *testing.T) {
	tests := []struct {
		name    string
		service string
		wantErr bool
	}{
		// Valid names
		{"simple", "db", false},
		{"with hyphen", "model-runner", false},
		{"with digits", "web2", false},
		{"single char", "a", false},

		// Invalid names - injection attempts
		{"empty", "", true},
		{"leading dash flag", "-rm", true},
		{"uppercase", "DB", true},
		{"shell metachars", "db;rm -rf /", true},
		{"spaces", "my db", true},
		{"dots", "db.prod", true},
		{"starts with digit", "2web", true},
		{"too long", "a123456789012345678901234567890123456789012345678901234567890123", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateServiceName(tt.service)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateServiceName(%q) error = %v, wantErr %v", tt.service, err, tt.wantErr)
			}
		})
	}
}

func TestValidateImageRef(t *testing.T) {
	tests := []struct {
		name    string
		image   string
		wantErr bool
	}{
		{"bare repo", "nginx", false},
		{"with tag", "nginx:1.27", false},
		{"registry path", "ghcr.io/homie-os/model-runner:v2", false},
		{"digest pinned", "nginx@sha256:0ea682b2dfbb2c40c3b0dc2d1b1b2280178d0bb2d1373e2cd28ffa757cb8bdb4", false},

		{"empty", "", true},
		{"leading dash", "--entrypoint=/bin/sh", true},
		{"shell injection", "nginx; rm -rf /", true},
		{"spaces", "nginx latest", true},
		{"uppercase repo", "Nginx:latest", true},
		{"truncated digest", "nginx@sha256:0ea682b2", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateImageRef(tt.image)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateImageRef(%q) error = %v, wantErr %v", tt.image, err, tt.wantErr)
			}
		})
	}
}

func TestValidateVolume(t *testing.T) {
	tests := []struct {
		name    string
		volume  string
		wantErr bool
	}{
		{"absolute both sides", "/var/lib/homie/db:/var/lib/postgresql/data", false},
		{"deep paths", "/srv/models:/models", false},

		{"no separator", "/var/lib/homie", true},
		{"relative host", "data:/var/lib/data", true},
		{"relative container", "/srv/data:data", true},
		{"traversal", "/var/lib/../../etc:/data", true},
		{"whitespace", "/srv/my data:/data", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateVolume(tt.volume)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateVolume(%q) error = %v, wantErr %v", tt.volume, err, tt.wantErr)
			}
		})
	}
}

func TestValidateEnvKey(t *testing.T) {
	tests := []struct {
		name    string
		key     string
		wantErr bool
	}{
		{"upper snake", "POSTGRES_PASSWORD", false},
		{"lower", "path", false},
		{"with digits", "HTTP2_ENABLED", false},

		{"empty", "", true},
		{"leading digit", "2PATH", true},
		{"equals sign", "PATH=x", true},
		{"spaces", "MY KEY", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateEnvKey(tt.key)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateEnvKey(%q) error = %v, wantErr %v", tt.key, err, tt.wantErr)
			}
		})
	}
}
