// Copyright (C) 2025 Homie OS Project
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package validation provides input validation for security-critical
// operations.
//
// Catalog values end up as arguments to the container CLI. Validating
// them here keeps crafted service names, image references, and volume
// strings from smuggling flags or shell metacharacters into those
// subprocess calls.
package validation

import (
	"fmt"
	"regexp"
	"strings"
)

// servicePattern matches valid service names.
// Allows: lowercase letters, digits, hyphens; must start with a letter.
// Max length: 63 characters (fits a DNS label and a container name).
var servicePattern = regexp.MustCompile(`^[a-z][a-z0-9-]{0,62}$`)

// imagePattern matches "registry/repo:tag" and "repo@sha256:..." forms.
var imagePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9._/-]*(:[A-Za-z0-9._-]+|@sha256:[a-f0-9]{64})?$`)

// ValidateServiceName validates a catalog service name.
//
// The name becomes a container name and a label value, so it must be
// a safe single token: 1-63 lowercase alphanumerics or hyphens,
// starting with a letter.
func ValidateServiceName(name string) error {
	if name == "" {
		return fmt.Errorf("service name cannot be empty")
	}
	if !servicePattern.MatchString(name) {
		return fmt.Errorf("invalid service name %q (must be 1-63 lowercase alphanumerics or hyphens, starting with a letter)", name)
	}
	return nil
}

// ValidateImageRef validates a container image reference.
//
// Accepts "repo", "registry/repo:tag", and digest-pinned
// "repo@sha256:..." forms. Rejects anything that could read as a CLI
// flag or carry shell metacharacters.
func ValidateImageRef(image string) error {
	if image == "" {
		return fmt.Errorf("image cannot be empty")
	}
	if strings.HasPrefix(image, "-") {
		return fmt.Errorf("invalid image %q: leading dash", image)
	}
	if !imagePattern.MatchString(image) {
		return fmt.Errorf("invalid image reference: %q", image)
	}
	return nil
}

// ValidateVolume validates a "host:container" volume string.
//
// Both sides must be absolute paths without whitespace or null bytes;
// relative host paths would resolve against the daemon's working
// directory and ".." segments can escape the data root.
func ValidateVolume(volume string) error {
	host, container, ok := strings.Cut(volume, ":")
	if !ok {
		return fmt.Errorf("invalid volume %q: want host:container", volume)
	}
	for _, side := range []string{host, container} {
		if !strings.HasPrefix(side, "/") {
			return fmt.Errorf("invalid volume %q: %q is not an absolute path", volume, side)
		}
		if strings.ContainsAny(side, " \t\n\x00") {
			return fmt.Errorf("invalid volume %q: path contains whitespace", volume)
		}
		if strings.Contains(side, "..") {
			return fmt.Errorf("invalid volume %q: path traversal", volume)
		}
	}
	return nil
}

// ValidateEnvKey validates an environment variable name.
func ValidateEnvKey(key string) error {
	if key == "" {
		return fmt.Errorf("env key cannot be empty")
	}
	for i, r := range key {
		switch {
		case r == '_', r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9' && i > 0:
		case r >= 'a' && r <= 'z':
		default:
			return fmt.Errorf("invalid env key %q", key)
		}
	}
	return nil
}
