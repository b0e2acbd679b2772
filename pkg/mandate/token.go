package mandate

import (
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"

	"github.com/veridian-labs/mandate/pkg/keys"
)

// TokenClaims wraps a mandate for compact JWS transport between the
// agent, the business and the platform.
type TokenClaims struct {
	jwt.RegisteredClaims
	Intent *IntentMandate `json:"intent,omitempty"`
	Cart   *CartMandate   `json:"cart,omitempty"`
}

// TokenCodec encodes mandates as PS256-signed JWS tokens and decodes
// them back, resolving verification keys by kid through the key manager.
type TokenCodec struct {
	keys *keys.Manager
}

// NewTokenCodec creates a codec backed by the given key manager.
func NewTokenCodec(km *keys.Manager) *TokenCodec {
	return &TokenCodec{keys: km}
}

// handleMethod adapts a keys.Handle to the jwt signing interface so the
// private key never leaves the key manager boundary. Verification
// delegates to the stock PS256 method, which accepts any salt length.
type handleMethod struct{}

func (handleMethod) Alg() string { return "PS256" }

func (handleMethod) Sign(signingString string, key any) ([]byte, error) {
	handle, ok := key.(*keys.Handle)
	if !ok {
		return nil, jwt.ErrInvalidKeyType
	}
	return handle.Sign([]byte(signingString))
}

func (handleMethod) Verify(signingString string, sig []byte, key any) error {
	return jwt.SigningMethodPS256.Verify(signingString, sig, key)
}

// EncodeIntent wraps a signed intent mandate in a JWS signed by the
// agent's active key.
func (tc *TokenCodec) EncodeIntent(m *IntentMandate) (string, error) {
	handle, err := tc.keys.SigningKey(m.AgentID)
	if err != nil {
		return "", err
	}
	claims := TokenClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        m.ID,
			Subject:   m.UserID,
			Issuer:    m.AgentID,
			IssuedAt:  jwt.NewNumericDate(m.CreatedAt),
			ExpiresAt: jwt.NewNumericDate(m.ExpiresAt),
		},
		Intent: m,
	}
	token := jwt.NewWithClaims(handleMethod{}, claims)
	token.Header["kid"] = handle.KeyID()
	return token.SignedString(handle)
}

// EncodeCart wraps a signed cart mandate in a JWS signed by the
// business's active key.
func (tc *TokenCodec) EncodeCart(c *CartMandate) (string, error) {
	handle, err := tc.keys.SigningKey(c.BusinessID)
	if err != nil {
		return "", err
	}
	claims := TokenClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        c.ID,
			Issuer:    c.BusinessID,
			IssuedAt:  jwt.NewNumericDate(c.CreatedAt),
			ExpiresAt: jwt.NewNumericDate(c.ExpiresAt),
		},
		Cart: c,
	}
	token := jwt.NewWithClaims(handleMethod{}, claims)
	token.Header["kid"] = handle.KeyID()
	return token.SignedString(handle)
}

// DecodeIntent parses and verifies an intent token. The JWS signature is
// checked against the issuer's key identified by the kid header; the
// embedded mandate's own detached signature is NOT re-verified here, that
// remains IntentMandateService.Verify's job.
func (tc *TokenCodec) DecodeIntent(tokenString string) (*IntentMandate, error) {
	claims, err := tc.decode(tokenString)
	if err != nil {
		return nil, err
	}
	if claims.Intent == nil {
		return nil, fmt.Errorf("%w: token carries no intent", ErrMandateInvalid)
	}
	return claims.Intent, nil
}

// DecodeCart parses and verifies a cart token.
func (tc *TokenCodec) DecodeCart(tokenString string) (*CartMandate, error) {
	claims, err := tc.decode(tokenString)
	if err != nil {
		return nil, err
	}
	if claims.Cart == nil {
		return nil, fmt.Errorf("%w: token carries no cart", ErrMandateInvalid)
	}
	return claims.Cart, nil
}

func (tc *TokenCodec) decode(tokenString string) (*TokenClaims, error) {
	keyFunc := func(token *jwt.Token) (any, error) {
		kid, _ := token.Header["kid"].(string)
		if kid == "" {
			return nil, fmt.Errorf("%w: missing kid header", ErrMandateInvalid)
		}
		claims, ok := token.Claims.(*TokenClaims)
		if !ok {
			return nil, ErrMandateInvalid
		}
		issuer, err := claims.GetIssuer()
		if err != nil || issuer == "" {
			return nil, fmt.Errorf("%w: missing issuer", ErrMandateInvalid)
		}
		vk, err := tc.keys.VerificationKey(issuer, kid)
		if err != nil {
			return nil, err
		}
		return vk.PublicKey, nil
	}

	token, err := jwt.ParseWithClaims(tokenString, &TokenClaims{}, keyFunc,
		jwt.WithValidMethods([]string{"PS256"}))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrMandateExpired
		}
		if errors.Is(err, keys.ErrKeyNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrMandateInvalid, err)
	}
	claims, ok := token.Claims.(*TokenClaims)
	if !ok || !token.Valid {
		return nil, ErrMandateInvalid
	}
	return claims, nil
}
