package api

import (
	"net/mail"
	"regexp"
	"strings"
	"unicode/utf8"

	"ripple/cmd/identity"
	"ripple/cmd/security/password"
)

const (
	displayNameMaxRunes = 50
	usernameMinLen      = 3
	usernameMaxLen      = 30
)

var usernameRe = regexp.MustCompile(`^[a-z0-9_]+$`)

// fieldError pairs a stable code with a human message. A zero value means
// the input passed.
type fieldError struct {
	Code    string
	Message string
}

func (e fieldError) ok() bool { return e.Code == "" }

func validEmail(raw string) bool {
	raw = strings.TrimSpace(raw)
	if raw == "" || len(raw) > 254 {
		return false
	}
	addr, err := mail.ParseAddress(raw)
	if err != nil || addr.Address != raw {
		return false
	}
	// mail.ParseAddress accepts local-only addresses; require a domain dot.
	at := strings.LastIndex(raw, "@")
	return at > 0 && strings.Contains(raw[at+1:], ".")
}

func validateDisplayName(raw string) fieldError {
	name := strings.TrimSpace(raw)
	if name == "" {
		return fieldError{CodeInvalidDisplayName, "display name is required"}
	}
	if utf8.RuneCountInString(name) > displayNameMaxRunes {
		return fieldError{CodeInvalidDisplayName, "display name exceeds 50 characters"}
	}
	return fieldError{}
}

func validateUsername(raw string) fieldError {
	u := identity.NormalizeUsername(raw)
	if len(u) < usernameMinLen || len(u) > usernameMaxLen {
		return fieldError{CodeInvalidUsername, "username must be 3-30 characters"}
	}
	if !usernameRe.MatchString(u) {
		return fieldError{CodeInvalidUsername, "username may contain lowercase letters, digits and underscore"}
	}
	return fieldError{}
}

// deriveUsername builds a candidate username from the email local part when
// registration omits one. The result still goes through validateUsername.
func deriveUsername(email string) string {
	email = identity.NormalizeEmail(email)
	at := strings.Index(email, "@")
	if at <= 0 {
		return ""
	}
	local := email[:at]
	var b strings.Builder
	for _, r := range local {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_':
			b.WriteRune(r)
		case r == '.' || r == '-' || r == '+':
			b.WriteRune('_')
		}
	}
	u := b.String()
	if len(u) > usernameMaxLen {
		u = u[:usernameMaxLen]
	}
	return u
}

// validateRegister checks fields in a fixed order so clients get stable
// first-error behavior: email, password, display name, username.
func validateRegister(req registerRequest, pw password.Config) fieldError {
	if !validEmail(req.Email) {
		return fieldError{CodeInvalidEmail, "invalid email address"}
	}
	if err := pw.Validate(req.Password); err != nil {
		return fieldError{CodeWeakPassword, err.Error()}
	}
	if fe := validateDisplayName(req.DisplayName); !fe.ok() {
		return fe
	}
	username := req.Username
	if strings.TrimSpace(username) == "" {
		username = deriveUsername(req.Email)
	}
	return validateUsername(username)
}
