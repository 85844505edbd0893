// Package models holds the module registry's domain types.
package models

import (
	"fmt"
	"strings"

	"modhub/pkg/platform/sentinel"
)

// maxKeyLength bounds identity keys so they stay valid file names.
const maxKeyLength = 255

// Identity is the content-addressed identity of a module's source code.
// IdentityKey and CryptoScheme are pure functions of ContentHash.
type Identity struct {
	ContentHash  string `json:"hash"`
	IdentityKey  string `json:"key"`
	CryptoScheme string `json:"crypto_type"`
}

// ModuleRecord is one registered code artifact.
// A lite record is the same struct with Code empty; see Lite and Project.
type ModuleRecord struct {
	Name         string `json:"name"`
	Code         string `json:"code,omitempty"`
	IdentityKey  string `json:"key"`
	CryptoScheme string `json:"crypto_type,omitempty"`
	ContentHash  string `json:"hash,omitempty"`
	URL          string `json:"url,omitempty"`
	Timestamp    int64  `json:"time"`
}

// NewModuleRecord assembles a full record from derived identity.
func NewModuleRecord(name string, code []byte, id Identity, timestamp int64) ModuleRecord {
	return ModuleRecord{
		Name:         name,
		Code:         string(code),
		IdentityKey:  id.IdentityKey,
		CryptoScheme: id.CryptoScheme,
		ContentHash:  id.ContentHash,
		Timestamp:    timestamp,
	}
}

// Identity returns the identity fields of the record.
func (r ModuleRecord) Identity() Identity {
	return Identity{
		ContentHash:  r.ContentHash,
		IdentityKey:  r.IdentityKey,
		CryptoScheme: r.CryptoScheme,
	}
}

// Lite returns a copy of the record without source code.
func (r ModuleRecord) Lite() ModuleRecord {
	r.Code = ""
	return r
}

// Project returns records in the requested variant. The input slice is never
// mutated, so cached values stay full.
func Project(records []ModuleRecord, lite bool) []ModuleRecord {
	out := make([]ModuleRecord, len(records))
	for i, r := range records {
		if lite {
			r = r.Lite()
		}
		out[i] = r
	}
	return out
}

// Validate checks the minimal shape a persisted record needs.
func (r ModuleRecord) Validate() error {
	if strings.TrimSpace(r.Name) == "" {
		return fmt.Errorf("module name is required")
	}
	return ValidateKey(r.IdentityKey)
}

// ValidateKey ensures an identity key maps to exactly one file in the store
// directory.
func ValidateKey(key string) error {
	switch {
	case key == "":
		return fmt.Errorf("%w: identity key is required", sentinel.ErrInvalidKey)
	case len(key) > maxKeyLength:
		return fmt.Errorf("%w: identity key exceeds %d characters", sentinel.ErrInvalidKey, maxKeyLength)
	case strings.ContainsAny(key, `/\`+"\x00"):
		return fmt.Errorf("%w: identity key contains a path separator", sentinel.ErrInvalidKey)
	case strings.HasPrefix(key, "."):
		return fmt.Errorf("%w: identity key must not start with a dot", sentinel.ErrInvalidKey)
	}
	return nil
}

// CheckedRecord pairs a stored record with the outcome of its shape check.
type CheckedRecord struct {
	ModuleRecord
	Check bool   `json:"check"`
	Issue string `json:"issue,omitempty"`
}

// Key is a derived public identity: an address plus the scheme that produced it.
type Key struct {
	Address string
	Scheme  string
}
