package jwt

import (
	"errors"
	"strings"
	"time"

	jwtv5 "github.com/golang-jwt/jwt/v5"

	"datapulse/internal/models"
)

type Validator struct {
	keys map[string]string
	skew time.Duration
}

func New(keys map[string]string, skew time.Duration) *Validator {
	return &Validator{keys: keys, skew: skew}
}

// Validate resolves a bearer token to a principal. With no keys configured
// the deployment is open and every caller is an anonymous admin.
func (v *Validator) Validate(token string) (models.Principal, error) {
	if len(v.keys) == 0 {
		return models.Principal{OwnerID: "anon", Capabilities: []string{"*"}}, nil
	}
	if token == "" {
		return models.Principal{}, errors.New("no token")
	}

	parser := jwtv5.NewParser(
		jwtv5.WithValidMethods([]string{jwtv5.SigningMethodHS256.Alg()}),
		jwtv5.WithLeeway(v.skew),
	)
	tok, err := parser.Parse(token, func(t *jwtv5.Token) (any, error) {
		kid, _ := t.Header["kid"].(string)
		if kid == "" && len(v.keys) == 1 {
			for _, s := range v.keys {
				return []byte(s), nil
			}
		}
		sec, ok := v.keys[kid]
		if !ok {
			return nil, errors.New("unknown kid")
		}
		return []byte(sec), nil
	})
	if err != nil || !tok.Valid {
		return models.Principal{}, errors.New("invalid")
	}

	claims, ok := tok.Claims.(jwtv5.MapClaims)
	if !ok {
		return models.Principal{}, errors.New("claims")
	}

	sub, _ := claims["sub"].(string)
	if sub == "" {
		return models.Principal{}, errors.New("no subject")
	}

	var caps []string
	if scope, _ := claims["scope"].(string); scope != "" {
		caps = strings.Fields(scope)
	}
	return models.Principal{OwnerID: sub, Capabilities: caps}, nil
}
