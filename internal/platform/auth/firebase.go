package auth

import (
	"context"
	"net/http"

	fbauth "firebase.google.com/go/v4/auth"
	"github.com/labstack/echo/v4"
)

// TokenVerifier verifies Firebase ID tokens. *fbauth.Client implements it.
type TokenVerifier interface {
	VerifyIDToken(ctx context.Context, idToken string) (*fbauth.Token, error)
}

// FirebaseMiddleware authenticates Firebase ID tokens. The caller's role is
// read from the "role" custom claim (a string) or "roles" (a list); users
// without either are patients.
func FirebaseMiddleware(verifier TokenVerifier) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			idToken, err := bearerToken(c)
			if err != nil {
				return err
			}
			token, err := verifier.VerifyIDToken(c.Request().Context(), idToken)
			if err != nil {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid token")
			}
			setIdentity(c, token.UID, rolesFromClaims(token.Claims), token.Firebase.Tenant)
			return next(c)
		}
	}
}

func rolesFromClaims(claims map[string]interface{}) []string {
	var roles []string
	if r, ok := claims["role"].(string); ok && r != "" {
		roles = append(roles, r)
	}
	if list, ok := claims["roles"].([]interface{}); ok {
		for _, v := range list {
			if s, ok := v.(string); ok && s != "" {
				roles = append(roles, s)
			}
		}
	}
	return roles
}
