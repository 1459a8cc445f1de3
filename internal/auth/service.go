package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"strings"
	"time"

	apperrors "crowdfund/internal/errors"

	"github.com/sirupsen/logrus"
)

// SignInMessage 钱包需要签名的消息前缀
const SignInMessage = "Please sign this message to authenticate: "

// 缓存键作用域
const (
	scopeUser = "User"
	scopeAuth = "Auth"

	entityNonce        = "Nonce"
	entityAccessToken  = "AccessToken"
	entityRefreshToken = "RefreshToken"
)

// SignatureVerifier 恢复EIP-191签名者地址
type SignatureVerifier func(message, signature string) (string, error)

// Options 认证服务配置
type Options struct {
	KeyPrefix  string
	NonceTTL   time.Duration
	AccessTTL  time.Duration
	RefreshTTL time.Duration
}

// Service 钱包签名登录
type Service struct {
	cache   Cache
	issuer  *TokenIssuer
	verify  SignatureVerifier
	opts    Options
	logger  *logrus.Logger
	nonceFn func() (string, error)
}

// SignInResult 登录结果
type SignInResult struct {
	Wallet string     `json:"wallet"`
	Tokens *TokenPair `json:"tokens"`
}

// NewService 创建认证服务
func NewService(cache Cache, issuer *TokenIssuer, verify SignatureVerifier, opts Options, logger *logrus.Logger) *Service {
	if opts.KeyPrefix == "" {
		opts.KeyPrefix = "API"
	}
	if opts.NonceTTL <= 0 {
		opts.NonceTTL = 5 * time.Minute
	}
	return &Service{
		cache:   cache,
		issuer:  issuer,
		verify:  verify,
		opts:    opts,
		logger:  logger,
		nonceFn: newNonce,
	}
}

// newNonce 16字节随机数的十六进制表示
func newNonce() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", apperrors.Wrap(err, apperrors.ErrorTypeSystem, apperrors.SeverityHigh, "NONCE_FAILED", "生成nonce失败")
	}
	return hex.EncodeToString(buf), nil
}

func (s *Service) key(scope, entity, wallet string) string {
	return BuildKey(s.opts.KeyPrefix, scope, entity, wallet)
}

// GenerateNonce 返回钱包的登录nonce，有效期内重复请求返回同一个值
func (s *Service) GenerateNonce(ctx context.Context, wallet string) (string, error) {
	key := s.key(scopeUser, entityNonce, wallet)

	if nonce, ok, err := s.cache.Get(ctx, key); err != nil {
		return "", err
	} else if ok {
		return nonce, nil
	}

	nonce, err := s.nonceFn()
	if err != nil {
		return "", err
	}
	stored, err := s.cache.SetNX(ctx, key, nonce, s.opts.NonceTTL)
	if err != nil {
		return "", err
	}
	if stored {
		return nonce, nil
	}

	// 并发请求已写入，以缓存中的值为准
	existing, ok, err := s.cache.Get(ctx, key)
	if err != nil {
		return "", err
	}
	if !ok {
		return nonce, s.cache.Set(ctx, key, nonce, s.opts.NonceTTL)
	}
	return existing, nil
}

// SignIn 校验签名和nonce后签发令牌，nonce使用后立即删除
func (s *Service) SignIn(ctx context.Context, wallet, signature, nonce string) (*SignInResult, error) {
	signer, err := s.verify(SignInMessage+nonce, signature)
	if err != nil {
		return nil, err
	}
	if !strings.EqualFold(signer, wallet) {
		return nil, apperrors.Validation("签名地址与钱包地址不一致")
	}

	nonceKey := s.key(scopeUser, entityNonce, wallet)
	stored, ok, err := s.cache.Get(ctx, nonceKey)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, apperrors.Validation("nonce不存在或已过期")
	}
	if stored != nonce {
		return nil, apperrors.Validation("nonce不匹配")
	}
	if err := s.cache.Del(ctx, nonceKey); err != nil {
		return nil, err
	}

	tokens, err := s.storeTokens(ctx, wallet)
	if err != nil {
		return nil, err
	}

	s.logger.WithField("wallet", strings.ToLower(wallet)).Info("钱包登录成功")
	return &SignInResult{Wallet: wallet, Tokens: tokens}, nil
}

// Refresh 校验刷新令牌并轮换两个令牌
func (s *Service) Refresh(ctx context.Context, wallet, refreshToken string) (*TokenPair, error) {
	claims, err := s.issuer.ParseRefresh(refreshToken)
	if err != nil {
		if ce, ok := apperrors.As(err); ok && ce.Code == "TOKEN_EXPIRED" {
			return nil, apperrors.Forbidden("刷新令牌已过期")
		}
		return nil, err
	}
	if !strings.EqualFold(claims.WalletAddress, wallet) {
		return nil, apperrors.Forbidden("刷新令牌与钱包不匹配")
	}

	stored, ok, err := s.cache.Get(ctx, s.key(scopeAuth, entityRefreshToken, wallet))
	if err != nil {
		return nil, err
	}
	if !ok || stored != refreshToken {
		return nil, apperrors.Forbidden("刷新令牌已失效")
	}

	return s.storeTokens(ctx, wallet)
}

// SignOut 删除钱包已签发的令牌
func (s *Service) SignOut(ctx context.Context, wallet string) error {
	err := s.cache.Del(ctx,
		s.key(scopeAuth, entityAccessToken, wallet),
		s.key(scopeAuth, entityRefreshToken, wallet),
	)
	if err != nil {
		return err
	}
	s.logger.WithField("wallet", strings.ToLower(wallet)).Info("钱包已退出登录")
	return nil
}

// VerifyAccessToken 令牌签名有效且与缓存中最新签发的一致时返回钱包地址
func (s *Service) VerifyAccessToken(ctx context.Context, token string) (string, error) {
	claims, err := s.issuer.ParseAccess(token)
	if err != nil {
		return "", err
	}

	stored, ok, err := s.cache.Get(ctx, s.key(scopeAuth, entityAccessToken, claims.WalletAddress))
	if err != nil {
		return "", err
	}
	if !ok || stored != token {
		return "", apperrors.Unauthorized("令牌已失效")
	}
	return claims.WalletAddress, nil
}

func (s *Service) storeTokens(ctx context.Context, wallet string) (*TokenPair, error) {
	tokens, err := s.issuer.Issue(wallet)
	if err != nil {
		return nil, err
	}
	if err := s.cache.Set(ctx, s.key(scopeAuth, entityAccessToken, wallet), tokens.AccessToken, s.opts.AccessTTL); err != nil {
		return nil, err
	}
	if err := s.cache.Set(ctx, s.key(scopeAuth, entityRefreshToken, wallet), tokens.RefreshToken, s.opts.RefreshTTL); err != nil {
		return nil, err
	}
	return tokens, nil
}
