package auth

import (
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/hitoshi/authstarter/internal/model"
	"github.com/hitoshi/authstarter/internal/security"
)

const (
	// MaxNameLength は表示名の最大文字数（ルーン数）。
	MaxNameLength = 50
	// MinPasswordLength はパスワードの最小文字数。
	MinPasswordLength = 6
)

var emailPattern = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]{2,}$`)

// RegisterInput は登録リクエストの入力。
type RegisterInput struct {
	Name     string `json:"name"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

// LoginInput はログインリクエストの入力。
type LoginInput struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// validateRegister は登録入力を検証し、表示名を無害化した入力を返す。
func validateRegister(in RegisterInput, sanitizer security.TextSanitizer) (RegisterInput, error) {
	name := sanitizer.Sanitize(in.Name)
	if name == "" {
		return in, model.NewValidationError("Please provide a name")
	}
	if utf8.RuneCountInString(name) > MaxNameLength {
		return in, model.NewValidationError("Name cannot be more than 50 characters")
	}

	email := strings.TrimSpace(in.Email)
	if err := validateEmail(email); err != nil {
		return in, err
	}

	if in.Password == "" {
		return in, model.NewValidationError("Please provide a password")
	}
	if utf8.RuneCountInString(in.Password) < MinPasswordLength {
		return in, model.NewValidationError("Password must be at least 6 characters")
	}

	return RegisterInput{Name: name, Email: email, Password: in.Password}, nil
}

// validateLogin はログイン入力の形だけを検証する。
func validateLogin(in LoginInput) (LoginInput, error) {
	email := strings.TrimSpace(in.Email)
	if err := validateEmail(email); err != nil {
		return in, err
	}
	if in.Password == "" {
		return in, model.NewValidationError("Please provide a password")
	}
	return LoginInput{Email: email, Password: in.Password}, nil
}

func validateEmail(email string) error {
	if email == "" {
		return model.NewValidationError("Please provide an email")
	}
	if !emailPattern.MatchString(email) {
		return model.NewValidationError("Please provide a valid email")
	}
	return nil
}
