package domain

import (
	"fmt"
	"net"
	"regexp"
	"strings"

	"golang.org/x/net/idna"
)

const (
	maxDomainLength = 253
	wwwPrefix       = "www."
)

var (
	labelPattern    = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]{0,61}[a-z0-9])?$`)
	numericPattern  = regexp.MustCompile(`^[0-9]+$`)
	targetIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]{0,127}$`)
)

// NormalizeDomain lowercases the host, drops a trailing dot and one leading "www."
// and converts internationalized names to their ASCII form.
func NormalizeDomain(raw string) string {
	name := strings.ToLower(strings.TrimSpace(raw))
	name = strings.TrimSuffix(name, ".")

	if ascii, err := idna.Lookup.ToASCII(name); err == nil {
		name = ascii
	}

	return strings.TrimPrefix(name, wwwPrefix)
}

// ValidateDomain checks an already normalized domain.
func ValidateDomain(name string, reserved []string) error {
	if name == "" {
		return fmt.Errorf("%w: domain is required", ErrValidation)
	}
	if len(name) > maxDomainLength {
		return fmt.Errorf("%w: domain exceeds %d characters", ErrValidation, maxDomainLength)
	}
	if net.ParseIP(name) != nil {
		return fmt.Errorf("%w: %q is an IP address, not a domain", ErrValidation, name)
	}

	for _, r := range reserved {
		if strings.EqualFold(strings.TrimSpace(r), name) {
			return fmt.Errorf("%w: %q is a reserved name", ErrValidation, name)
		}
	}

	labels := strings.Split(name, ".")
	if len(labels) < 2 {
		return fmt.Errorf("%w: %q must contain at least two labels", ErrValidation, name)
	}
	for _, label := range labels {
		if !labelPattern.MatchString(label) {
			return fmt.Errorf("%w: invalid label %q in %q", ErrValidation, label, name)
		}
	}
	if numericPattern.MatchString(labels[len(labels)-1]) {
		return fmt.Errorf("%w: top-level label of %q is numeric", ErrValidation, name)
	}

	return nil
}

// ValidateTargetID checks the hosted content reference. It ends up as a path
// segment under the content root, so separators and dots are rejected.
func ValidateTargetID(targetID string) error {
	if strings.TrimSpace(targetID) == "" {
		return fmt.Errorf("%w: targetId is required", ErrValidation)
	}
	if !targetIDPattern.MatchString(targetID) {
		return fmt.Errorf("%w: invalid targetId %q", ErrValidation, targetID)
	}
	return nil
}

// IsApex treats two-label names as apex domains. Multi-label public suffixes
// such as example.co.uk are misclassified as subdomains.
func IsApex(name string) bool {
	return strings.Count(BareDomain(name), ".") == 1
}

// BareDomain strips a leading "www." label.
func BareDomain(name string) string {
	return strings.TrimPrefix(strings.ToLower(strings.TrimSpace(name)), wwwPrefix)
}

// ServerNames returns the host names a domain is served under: the bare name,
// plus the "www." form for apex domains.
func ServerNames(name string) []string {
	bare := BareDomain(name)
	if IsApex(bare) {
		return []string{bare, wwwPrefix + bare}
	}
	return []string{bare}
}
