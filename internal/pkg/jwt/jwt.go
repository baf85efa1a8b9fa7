package jwt

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
	ErrKeyMismatch  = errors.New("token does not grant this object key")
)

// UploadClaims 授权向单个对象 key 上传一次文件
type UploadClaims struct {
	Key         string `json:"key"`
	ContentType string `json:"ct,omitempty"`
	jwt.RegisteredClaims
}

func GenerateUploadToken(key, contentType, secret string, expiry time.Duration) (string, error) {
	now := time.Now()
	claims := UploadClaims{
		Key:         key,
		ContentType: contentType,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(expiry)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}

func ParseUploadToken(tokenString, secret string) (*UploadClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &UploadClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return []byte(secret), nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(*UploadClaims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// VerifyUploadToken 校验 token 并确认其授权的 key
func VerifyUploadToken(tokenString, secret, key string) (*UploadClaims, error) {
	claims, err := ParseUploadToken(tokenString, secret)
	if err != nil {
		return nil, err
	}
	if claims.Key != key {
		return nil, ErrKeyMismatch
	}
	return claims, nil
}
