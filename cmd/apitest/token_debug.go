package main

import (
	"fmt"
	"strings"
	"time"

	"agrimater/internal/llm"
	"agrimater/pkg/utils"

	"github.com/golang-jwt/jwt/v4"
)

// AnalyzeToken checks if a token looks like a session token issued by the
// gateway, without verifying its signature.
func AnalyzeToken(token string, now time.Time) string {
	if token == "" {
		return "ERROR: Token is empty"
	}

	result := fmt.Sprintf("Token length: %d\n", len(token))

	if strings.HasPrefix(token, "Bearer ") {
		result += "WARNING: Token starts with 'Bearer ' prefix, which belongs in the Authorization header only\n"
		token = strings.TrimPrefix(token, "Bearer ")
	}

	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return result + fmt.Sprintf("ERROR: Token has %d parts, a JWT has 3\n", len(parts))
	}
	result += "✓ Token has 3 parts\n"

	var claims llm.TokenClaims
	parsed, _, err := jwt.NewParser().ParseUnverified(token, &claims)
	if err != nil {
		return result + fmt.Sprintf("ERROR: Token cannot be decoded: %v\n", err)
	}

	result += fmt.Sprintf("✓ Algorithm: %s\n", parsed.Method.Alg())
	if claims.Email != "" {
		result += fmt.Sprintf("✓ Email: %s\n", claims.Email)
	} else {
		result += "WARNING: Token carries no email claim\n"
	}
	if claims.ExpiresAt == nil {
		result += "WARNING: Token is missing 'exp'\n"
	} else if exp := claims.ExpiresAt.Time; now.After(exp) {
		result += fmt.Sprintf("WARNING: Token expired at %s\n", exp.Format(time.RFC3339))
	} else {
		result += fmt.Sprintf("✓ Expires at %s (in %s)\n", exp.Format(time.RFC3339), exp.Sub(now).Round(time.Minute))
	}
	return result
}

// DisplayTokenAnalysis prints the token analysis and, when a secret is
// available, whether the signature verifies.
func DisplayTokenAnalysis(token, secret string) {
	fmt.Println("🔍 Token Analysis")
	fmt.Println("----------------------------")
	fmt.Printf("Token: %s\n", utils.MaskToken(token))
	fmt.Print(AnalyzeToken(token, time.Now()))

	if secret == "" {
		fmt.Println("\nSet JWT_SECRET to verify the signature.")
		return
	}
	if _, err := llm.ValidateSessionToken(strings.TrimPrefix(token, "Bearer "), secret); err != nil {
		fmt.Printf("\n❌ Signature check failed: %v\n", err)
	} else {
		fmt.Println("\n✅ Signature verified with JWT_SECRET")
	}
	fmt.Println("----------------------------")
}
