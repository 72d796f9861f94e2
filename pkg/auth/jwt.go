package auth

import (
	"github.com/golang-jwt/jwt/v5"
)

// Claims represents the identity claims carried by tokens minted upstream.
// Pitwall never mints identity tokens itself.
type Claims struct {
	UserID string `json:"user_id"`
	Role   string `json:"role"`
	jwt.RegisteredClaims
}

// PeekSubject extracts the subject from a JWT without verifying its
// signature. The result is used only to tag connection logs; it must
// never gate access.
func PeekSubject(tokenString string) string {
	if tokenString == "" {
		return ""
	}

	claims := &Claims{}
	parser := jwt.NewParser()
	if _, _, err := parser.ParseUnverified(tokenString, claims); err != nil {
		return ""
	}

	if claims.UserID != "" {
		return claims.UserID
	}
	return claims.Subject
}
