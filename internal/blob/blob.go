// Package blob stores generated media in organization-namespaced object
// storage and issues time-limited download URLs.
package blob

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"
)

// ErrNotFound is returned when a key does not exist.
var ErrNotFound = errors.New("blob not found")

// ErrInvalidKey is returned for keys that could escape their namespace.
var ErrInvalidKey = errors.New("invalid blob key")

// Store is the narrow blob storage contract.
type Store interface {
	Put(ctx context.Context, key string, data []byte, contentType string) error
	GetBytes(ctx context.Context, key string) ([]byte, error)
	SignedURL(ctx context.Context, key string, ttl time.Duration) (string, error)
}

// ValidateKey rejects empty keys, absolute keys and keys with traversal
// segments.
func ValidateKey(key string) error {
	if key == "" {
		return fmt.Errorf("%w: empty", ErrInvalidKey)
	}
	if strings.HasPrefix(key, "/") || strings.Contains(key, "\\") {
		return fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	for _, segment := range strings.Split(key, "/") {
		if segment == "" || segment == "." || segment == ".." {
			return fmt.Errorf("%w: %q", ErrInvalidKey, key)
		}
	}
	return nil
}

// OrgKey builds a key under org/<organizationID>/. Every part must be a
// single clean segment or a clean relative path.
func OrgKey(organizationID string, parts ...string) (string, error) {
	if strings.TrimSpace(organizationID) == "" {
		return "", fmt.Errorf("%w: organization is required", ErrInvalidKey)
	}
	segments := append([]string{"org", organizationID}, parts...)
	key := strings.Join(segments, "/")
	if err := ValidateKey(key); err != nil {
		return "", err
	}
	return path.Clean(key), nil
}

// KeyOrganization returns the organization a key belongs to.
func KeyOrganization(key string) (string, bool) {
	rest, ok := strings.CutPrefix(key, "org/")
	if !ok {
		return "", false
	}
	org, _, ok := strings.Cut(rest, "/")
	if !ok || org == "" {
		return "", false
	}
	return org, true
}
