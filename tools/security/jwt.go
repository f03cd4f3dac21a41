package security

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
)

const defaultTTL = 2 * time.Hour

// Options 签发与校验共用的参数
type Options struct {
	Secret []byte        // HMAC 共享密钥
	Alg    string        // 仅 HMAC 家族，空串按 HS256
	TTL    time.Duration // 签发有效期，<=0 按 defaultTTL
}

func DefaultOptions(secret []byte) Options {
	return Options{Secret: secret, Alg: "HS256", TTL: defaultTTL}
}

// Claims 解出来的身份：求职者或招聘方
type Claims struct {
	UserID int64
	Scope  string
	Expiry time.Time
}

var hmacMethods = map[string]*jwtlib.SigningMethodHMAC{
	"HS256": jwtlib.SigningMethodHS256,
	"HS384": jwtlib.SigningMethodHS384,
	"HS512": jwtlib.SigningMethodHS512,
}

func methodFor(alg string) (*jwtlib.SigningMethodHMAC, error) {
	if alg == "" {
		alg = "HS256"
	}
	m, ok := hmacMethods[alg]
	if !ok {
		return nil, fmt.Errorf("unsupported alg %q", alg)
	}
	return m, nil
}

// tokenClaims jwt 载荷：scope 自定义，其余走标准字段
type tokenClaims struct {
	Scope string `json:"scope"`
	jwtlib.RegisteredClaims
}

// HashToken 日志里只打哈希，令牌本体不落盘
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return "sha256:" + hex.EncodeToString(sum[:])
}

// Generate 签发身份令牌，返回令牌与过期时刻
func Generate(opts Options, userID int64, scope string) (string, time.Time, error) {
	m, err := methodFor(opts.Alg)
	if err != nil {
		return "", time.Time{}, err
	}
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = defaultTTL
	}
	now := time.Now()
	exp := now.Add(ttl)
	tc := tokenClaims{
		Scope: scope,
		RegisteredClaims: jwtlib.RegisteredClaims{
			Subject:   strconv.FormatInt(userID, 10),
			IssuedAt:  jwtlib.NewNumericDate(now),
			NotBefore: jwtlib.NewNumericDate(now),
			ExpiresAt: jwtlib.NewNumericDate(exp),
		},
	}
	signed, err := jwtlib.NewWithClaims(m, tc).SignedString(opts.Secret)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, exp, nil
}

// Verify 校验令牌并取出身份。过期、伪造、算法不符一律报错，调用方按无凭证处理。
func Verify(opts Options, token string) (*Claims, error) {
	m, err := methodFor(opts.Alg)
	if err != nil {
		return nil, err
	}
	parser := jwtlib.NewParser(
		jwtlib.WithValidMethods([]string{m.Alg()}),
		jwtlib.WithExpirationRequired(),
	)
	var tc tokenClaims
	if _, err := parser.ParseWithClaims(token, &tc, func(*jwtlib.Token) (interface{}, error) {
		return opts.Secret, nil
	}); err != nil {
		return nil, err
	}
	uid, err := strconv.ParseInt(tc.Subject, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("bad subject %q: %w", tc.Subject, err)
	}
	if tc.Scope == "" {
		return nil, errors.New("missing scope claim")
	}
	return &Claims{UserID: uid, Scope: tc.Scope, Expiry: tc.ExpiresAt.Time}, nil
}
