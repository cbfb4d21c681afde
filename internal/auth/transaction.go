package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const transactionIssuer = "authgate/oauth-tx"

// ErrInvalidTransaction は保留中のOAuthトランザクションが検証できない場合に返される。
// 署名不正・期限切れ・形式不正はすべてこのエラーにまとめる。
var ErrInvalidTransaction = errors.New("invalid oauth transaction")

// Transaction は同意リクエストごとに生成されるstateとcode_verifierの組。
type Transaction struct {
	State        string
	CodeVerifier string
}

type transactionClaims struct {
	State        string `json:"st"`
	CodeVerifier string `json:"cv"`
	jwt.RegisteredClaims
}

// TransactionSealer はTransactionを短命の署名付きトークンに封緘する。
// トークンはcode_verifierクッキーの値として使う。
type TransactionSealer struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewTransactionSealer はTransactionSealerを生成する。
func NewTransactionSealer(secret []byte, ttl time.Duration) *TransactionSealer {
	return &TransactionSealer{
		secret: secret,
		ttl:    ttl,
		now:    time.Now,
	}
}

// TTL はトークンの有効期間を返す。
func (s *TransactionSealer) TTL() time.Duration {
	return s.ttl
}

// Seal はTransactionをHS256で署名したトークンにする。
func (s *TransactionSealer) Seal(tx *Transaction) (string, error) {
	if tx == nil || tx.State == "" || tx.CodeVerifier == "" {
		return "", fmt.Errorf("state and code verifier are required")
	}

	now := s.now()
	claims := transactionClaims{
		State:        tx.State,
		CodeVerifier: tx.CodeVerifier,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    transactionIssuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign transaction: %w", err)
	}
	return signed, nil
}

// Open はトークンを検証してTransactionを取り出す。
func (s *TransactionSealer) Open(token string) (*Transaction, error) {
	if token == "" {
		return nil, ErrInvalidTransaction
	}

	var claims transactionClaims
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(transactionIssuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	_, err := parser.ParseWithClaims(token, &claims, func(_ *jwt.Token) (any, error) {
		return s.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidTransaction, err)
	}
	if claims.State == "" || claims.CodeVerifier == "" {
		return nil, ErrInvalidTransaction
	}

	return &Transaction{
		State:        claims.State,
		CodeVerifier: claims.CodeVerifier,
	}, nil
}
