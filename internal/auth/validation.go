package auth

import (
	"net/mail"
	"strings"
	"unicode"
)

const minPasswordLength = 6

// ValidationError は入力値の検証エラーを表す。
// Messageはそのままクライアントへ返してよい文言とする。
type ValidationError struct {
	Field   string
	Message string
}

// Error はerrorインターフェースを実装する。
func (e *ValidationError) Error() string {
	return e.Field + ": " + e.Message
}

// SignUpInput はサインアップの入力。
type SignUpInput struct {
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
	Email     string `json:"email"`
	Password  string `json:"password"`
}

// SignInInput はサインインの入力。
type SignInInput struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// normalize はサインアップ入力を検証し、正規化した値を返す。
// メールアドレスは小文字化し、パスワードからは空白をすべて除去する。
func (in SignUpInput) normalize() (SignUpInput, error) {
	out := SignUpInput{
		FirstName: strings.TrimSpace(in.FirstName),
		LastName:  strings.TrimSpace(in.LastName),
	}

	if out.FirstName == "" {
		return out, &ValidationError{Field: "firstName", Message: "First name is required"}
	}
	if out.LastName == "" {
		return out, &ValidationError{Field: "lastName", Message: "Last name is required"}
	}

	email, err := normalizeEmail(in.Email)
	if err != nil {
		return out, err
	}
	out.Email = email

	if in.Password == "" {
		return out, &ValidationError{Field: "password", Message: "Password is required"}
	}
	out.Password = stripWhitespace(in.Password)
	if len([]rune(out.Password)) < minPasswordLength {
		return out, &ValidationError{Field: "password", Message: "Password is too short"}
	}

	return out, nil
}

// normalize はサインイン入力を検証し、メールアドレスを小文字化する。
func (in SignInInput) normalize() (SignInInput, error) {
	email := strings.ToLower(strings.TrimSpace(in.Email))
	if email == "" {
		return in, &ValidationError{Field: "email", Message: "Email is required"}
	}
	if in.Password == "" {
		return in, &ValidationError{Field: "password", Message: "Password is required"}
	}
	return SignInInput{Email: email, Password: stripWhitespace(in.Password)}, nil
}

func normalizeEmail(raw string) (string, error) {
	email := strings.TrimSpace(raw)
	if email == "" {
		return "", &ValidationError{Field: "email", Message: "Email is required"}
	}
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return "", &ValidationError{Field: "email", Message: "Invalid email address"}
	}
	return strings.ToLower(email), nil
}

func stripWhitespace(s string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return r
	}, s)
}
