package auth

import (
	"errors"
	"fmt"
	"time"

	apperrors "crowdfund/internal/errors"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// TokenPair 访问令牌和刷新令牌
type TokenPair struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
}

// Claims 令牌声明
type Claims struct {
	WalletAddress string `json:"walletAddress"`
	jwt.RegisteredClaims
}

// TokenIssuer HS256令牌签发与校验
type TokenIssuer struct {
	accessSecret  []byte
	refreshSecret []byte
	accessTTL     time.Duration
	refreshTTL    time.Duration
	now           func() time.Time
}

// NewTokenIssuer 创建令牌签发器
func NewTokenIssuer(accessSecret, refreshSecret string, accessTTL, refreshTTL time.Duration) (*TokenIssuer, error) {
	if accessSecret == "" || refreshSecret == "" {
		return nil, apperrors.New(apperrors.ErrorTypeConfig, apperrors.SeverityCritical, apperrors.CodeConfigInvalid, "JWT密钥不能为空")
	}
	if accessSecret == refreshSecret {
		return nil, apperrors.New(apperrors.ErrorTypeConfig, apperrors.SeverityCritical, apperrors.CodeConfigInvalid, "访问令牌和刷新令牌不能使用相同密钥")
	}
	return &TokenIssuer{
		accessSecret:  []byte(accessSecret),
		refreshSecret: []byte(refreshSecret),
		accessTTL:     accessTTL,
		refreshTTL:    refreshTTL,
		now:           time.Now,
	}, nil
}

// Issue 为钱包签发一对新令牌
func (i *TokenIssuer) Issue(wallet string) (*TokenPair, error) {
	access, err := i.sign(wallet, i.accessSecret, i.accessTTL)
	if err != nil {
		return nil, err
	}
	refresh, err := i.sign(wallet, i.refreshSecret, i.refreshTTL)
	if err != nil {
		return nil, err
	}
	return &TokenPair{AccessToken: access, RefreshToken: refresh}, nil
}

func (i *TokenIssuer) sign(wallet string, secret []byte, ttl time.Duration) (string, error) {
	now := i.now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		WalletAddress: wallet,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	})
	signed, err := token.SignedString(secret)
	if err != nil {
		return "", apperrors.Wrap(err, apperrors.ErrorTypeSystem, apperrors.SeverityHigh, "TOKEN_SIGN_FAILED", "签发令牌失败")
	}
	return signed, nil
}

// ParseAccess 校验访问令牌
func (i *TokenIssuer) ParseAccess(raw string) (*Claims, error) {
	return i.parse(raw, i.accessSecret)
}

// ParseRefresh 校验刷新令牌
func (i *TokenIssuer) ParseRefresh(raw string) (*Claims, error) {
	return i.parse(raw, i.refreshSecret)
}

func (i *TokenIssuer) parse(raw string, secret []byte) (*Claims, error) {
	parsed, err := jwt.ParseWithClaims(raw, &Claims{}, func(token *jwt.Token) (any, error) {
		if token.Method.Alg() != jwt.SigningMethodHS256.Alg() {
			return nil, fmt.Errorf("unexpected signing method: %s", token.Method.Alg())
		}
		return secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(i.now))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, apperrors.Wrap(err, apperrors.ErrorTypeUnauthorized, apperrors.SeverityLow, "TOKEN_EXPIRED", "令牌已过期")
		}
		return nil, apperrors.Wrap(err, apperrors.ErrorTypeUnauthorized, apperrors.SeverityLow, apperrors.CodeUnauthorized, "令牌无效")
	}

	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid || claims.WalletAddress == "" {
		return nil, apperrors.Unauthorized("令牌声明无效")
	}
	return claims, nil
}
