package jwt

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt"
	"github.com/google/uuid"
)

const (
	TypeAccess  = "access"
	TypeRefresh = "refresh"
)

var (
	ErrInvalidToken = errors.New("token is invalid")
	ErrWrongType    = errors.New("token has wrong type")
)

type Claims struct {
	ID       string
	UserID   string
	Username string
	Type     string
	Expires  time.Time
}

type Pair struct {
	Access  string
	Refresh string
	// AccessID and RefreshID identify the tokens so they can be revoked.
	AccessID  string
	RefreshID string
}

func NewPair(userID, username string, accessTtl, refreshTtl time.Duration, secret []byte) (Pair, error) {
	access, accessID, err := newToken(userID, username, TypeAccess, accessTtl, secret)
	if err != nil {
		return Pair{}, err
	}
	refresh, refreshID, err := newToken(userID, username, TypeRefresh, refreshTtl, secret)
	if err != nil {
		return Pair{}, err
	}
	return Pair{Access: access, Refresh: refresh, AccessID: accessID, RefreshID: refreshID}, nil
}

func newToken(userID, username, kind string, ttl time.Duration, secret []byte) (string, string, error) {
	id := uuid.NewString()

	token := jwt.New(jwt.SigningMethodHS256)
	claims := token.Claims.(jwt.MapClaims)
	claims["jti"] = id
	claims["sub"] = userID
	claims["username"] = username
	claims["type"] = kind
	claims["expired"] = time.Now().Add(ttl).Unix()

	signed, err := token.SignedString(secret)
	if err != nil {
		return "", "", err
	}
	return signed, id, nil
}

func ValidateToken(tokenString string, secret []byte) (bool, error) {
	if _, err := ParseToken(tokenString, secret); err != nil {
		return false, err
	}
	return true, nil
}

// ParseToken checks the signature and expiry and returns the claims.
func ParseToken(tokenString string, secret []byte) (Claims, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		// Check signing method
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("invalid method: %v", token.Header["alg"])
		}
		return secret, nil
	})
	if err != nil {
		return Claims{}, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}

	//Common check
	if !token.Valid {
		return Claims{}, ErrInvalidToken
	}

	mapClaims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return Claims{}, ErrInvalidToken
	}

	//Check if expired
	expired, ok := mapClaims["expired"].(float64)
	if !ok {
		return Claims{}, ErrInvalidToken
	}
	if expired < float64(time.Now().Unix()) {
		return Claims{}, ErrInvalidToken
	}

	claims := Claims{Expires: time.Unix(int64(expired), 0)}
	claims.ID, _ = mapClaims["jti"].(string)
	claims.UserID, _ = mapClaims["sub"].(string)
	claims.Username, _ = mapClaims["username"].(string)
	claims.Type, _ = mapClaims["type"].(string)
	if claims.ID == "" || claims.UserID == "" {
		return Claims{}, ErrInvalidToken
	}
	return claims, nil
}

// ParseTyped is ParseToken that also requires the token type.
func ParseTyped(tokenString, kind string, secret []byte) (Claims, error) {
	claims, err := ParseToken(tokenString, secret)
	if err != nil {
		return Claims{}, err
	}
	if claims.Type != kind {
		return Claims{}, ErrWrongType
	}
	return claims, nil
}
