package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
)

// ErrEmptyPassword は空のパスワードをハッシュしようとした場合に返される。
var ErrEmptyPassword = errors.New("password cannot be empty")

// ErrInvalidHash はPHC形式として解釈できないハッシュ文字列の場合に返される。
var ErrInvalidHash = errors.New("invalid password hash")

// PasswordHasher はパスワードのハッシュ化と照合を提供する。
type PasswordHasher interface {
	// Hash は平文パスワードをハッシュ文字列に変換する。
	Hash(plaintext string) (string, error)
	// Verify はハッシュと平文が一致するかを返す。
	// 不一致は(false, nil)、ハッシュが不正な場合はエラーを返す。
	Verify(hash, plaintext string) (bool, error)
}

// Argon2Params はArgon2idのコストパラメータ。
type Argon2Params struct {
	Time    uint32
	Memory  uint32 // KiB
	Threads uint8
	SaltLen int
	KeyLen  uint32
}

// DefaultArgon2Params はOWASP推奨値に基づくパラメータを返す。
func DefaultArgon2Params() Argon2Params {
	return Argon2Params{
		Time:    1,
		Memory:  64 * 1024,
		Threads: 4,
		SaltLen: 16,
		KeyLen:  32,
	}
}

// Argon2idHasher はArgon2idによるPasswordHasherの実装。
// ハッシュはPHC文字列形式で保存する。
type Argon2idHasher struct {
	params Argon2Params
}

// NewArgon2idHasher はArgon2idHasherを生成する。
func NewArgon2idHasher(params Argon2Params) *Argon2idHasher {
	return &Argon2idHasher{params: params}
}

// Hash は平文パスワードをArgon2idでハッシュ化する。
// 形式: $argon2id$v=19$m=65536,t=1,p=4$<salt>$<hash>
func (h *Argon2idHasher) Hash(plaintext string) (string, error) {
	if plaintext == "" {
		return "", ErrEmptyPassword
	}

	salt := make([]byte, h.params.SaltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("failed to generate salt: %w", err)
	}

	key := argon2.IDKey([]byte(plaintext), salt, h.params.Time, h.params.Memory, h.params.Threads, h.params.KeyLen)

	return fmt.Sprintf(
		"$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version,
		h.params.Memory,
		h.params.Time,
		h.params.Threads,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(key),
	), nil
}

// Verify はハッシュ文字列に埋め込まれたパラメータで再計算し、定数時間で比較する。
func (h *Argon2idHasher) Verify(hash, plaintext string) (bool, error) {
	parts := strings.Split(hash, "$")
	if len(parts) != 6 {
		return false, fmt.Errorf("%w: unexpected format", ErrInvalidHash)
	}
	if parts[1] != "argon2id" {
		return false, fmt.Errorf("%w: unsupported algorithm %q", ErrInvalidHash, parts[1])
	}

	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil {
		return false, fmt.Errorf("%w: %v", ErrInvalidHash, err)
	}
	if version != argon2.Version {
		return false, fmt.Errorf("%w: unsupported version %d", ErrInvalidHash, version)
	}

	var memory, iterations, threads uint32
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &memory, &iterations, &threads); err != nil {
		return false, fmt.Errorf("%w: %v", ErrInvalidHash, err)
	}
	if threads == 0 || threads > 255 {
		return false, fmt.Errorf("%w: threads %d out of range", ErrInvalidHash, threads)
	}

	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrInvalidHash, err)
	}
	expected, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrInvalidHash, err)
	}
	if len(expected) == 0 || len(expected) > 1<<10 {
		return false, fmt.Errorf("%w: key length %d", ErrInvalidHash, len(expected))
	}

	computed := argon2.IDKey([]byte(plaintext), salt, iterations, memory, uint8(threads), uint32(len(expected)))

	return subtle.ConstantTimeCompare(computed, expected) == 1, nil
}

// compile-time interface check
var _ PasswordHasher = (*Argon2idHasher)(nil)
