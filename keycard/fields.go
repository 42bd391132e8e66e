package keycard

import (
	"errors"
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
)

// Timestamps are compact UTC, dates are day precision. Both appear inside
// signed content and must never vary in format.
const (
	timestampFormat  = "20060102T150405Z"
	expirationFormat = "20060102"
)

var (
	domainPattern = regexp.MustCompile(`^([a-zA-Z0-9\-]+)(\.[a-zA-Z0-9\-]+)+$`)
	userIDPattern = regexp.MustCompile(`^[\p{L}\p{M}\p{N}\-_.]+$`)
)

func validateIndexField(value string) error {
	index, err := strconv.ParseUint(value, 10, 64)
	if err != nil || index < 1 {
		return errors.New("bad index")
	}
	return nil
}

func validateNameField(value string) error {
	if utf8.RuneCountInString(value) > 64 || strings.ContainsAny(value, "\r\n\t") {
		return errors.New("bad name")
	}
	return nil
}

func validateDomainField(value string) error {
	if !domainPattern.MatchString(value) {
		return errors.New("bad domain")
	}
	return nil
}

// validateAddressField accepts a Mensago address, either workspace form
// (UUID/domain) or user ID form (uid/domain).
func validateAddressField(value string) error {
	parts := strings.Split(value, "/")
	if len(parts) != 2 {
		return errors.New("bad address")
	}
	if err := validateDomainField(parts[1]); err != nil {
		return err
	}
	if _, err := uuid.Parse(parts[0]); err == nil {
		return nil
	}
	if !userIDPattern.MatchString(parts[0]) || utf8.RuneCountInString(parts[0]) > 64 {
		return errors.New("bad address")
	}
	return nil
}
