// Package flowstate carries allow-listed attributes across the stateless
// upstream flow API. Attributes live only in a client cookie holding an
// encrypted token bound to one flow id; nothing is stored server-side.
package flowstate

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwe"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jwt"

	gwerrors "github.com/cruxid/flowgate/internal/errors"
)

// Attributes is the retained attribute set for one flow. Values are carried
// as strings; numeric and boolean payload values are stringified on merge.
type Attributes map[string]string

// Codec encrypts and decrypts flow-scoped attribute sets. The single static
// symmetric key serves both confidentiality and authenticity (direct key
// management with an AEAD content encryption), so there is no signature-only
// mode and no key rotation.
type Codec struct {
	issuer    string
	allowList []string
	rawKey    []byte
}

// NewCodec builds a Codec from the environment identifier (used as token
// issuer), a JSON-formatted symmetric JWK, and the retained-attribute
// allow-list.
func NewCodec(environmentID, jwkJSON string, allowList []string) (*Codec, error) {
	key, err := jwk.ParseKey([]byte(jwkJSON))
	if err != nil {
		return nil, gwerrors.NewEncryptionError("unable to parse encryption JWK", err)
	}

	var rawKey []byte
	if err := key.Raw(&rawKey); err != nil {
		return nil, gwerrors.NewEncryptionError("encryption JWK is not a symmetric key", err)
	}

	return &Codec{
		issuer:    environmentID,
		allowList: allowList,
		rawKey:    rawKey,
	}, nil
}

// Encode builds claims {iss, sub=flowID, iat, ...allow-listed attributes} and
// returns the compact JWE serialization (alg=dir, enc=A128CBC-HS256).
func (c *Codec) Encode(flowID string, attrs Attributes) (string, error) {
	tok := jwt.New()
	if err := tok.Set(jwt.IssuerKey, c.issuer); err != nil {
		return "", gwerrors.NewEncryptionError("unable to set issuer claim", err)
	}
	if err := tok.Set(jwt.SubjectKey, flowID); err != nil {
		return "", gwerrors.NewEncryptionError("unable to set subject claim", err)
	}
	if err := tok.Set(jwt.IssuedAtKey, time.Now()); err != nil {
		return "", gwerrors.NewEncryptionError("unable to set issued-at claim", err)
	}

	for _, name := range c.allowList {
		value, ok := attrs[name]
		if !ok {
			continue
		}
		if err := tok.Set(name, value); err != nil {
			return "", gwerrors.NewEncryptionError(fmt.Sprintf("unable to set claim %q", name), err)
		}
	}

	payload, err := json.Marshal(tok)
	if err != nil {
		return "", gwerrors.NewEncryptionError("unable to serialize claims", err)
	}

	encrypted, err := jwe.Encrypt(payload,
		jwe.WithKey(jwa.DIRECT, c.rawKey),
		jwe.WithContentEncryption(jwa.A128CBC_HS256),
	)
	if err != nil {
		return "", gwerrors.NewEncryptionError("unable to encrypt flow token", err)
	}

	return string(encrypted), nil
}

// Decode decrypts token and returns its non-reserved claims as strings. It
// fails with an EncryptionError when decryption fails, the subject claim is
// missing, the issuer is unexpected, or the subject does not match flowID.
// The subject check is what stops a token minted for one flow from being
// replayed against another.
func (c *Codec) Decode(flowID, token string) (Attributes, error) {
	decrypted, err := jwe.Decrypt([]byte(token), jwe.WithKey(jwa.DIRECT, c.rawKey))
	if err != nil {
		return nil, gwerrors.NewEncryptionError("unable to decrypt flow token", err)
	}

	tok, err := jwt.ParseInsecure(decrypted)
	if err != nil {
		return nil, gwerrors.NewEncryptionError("unable to parse flow token claims", err)
	}

	if err := jwt.Validate(tok, jwt.WithIssuer(c.issuer)); err != nil {
		return nil, gwerrors.NewEncryptionError("flow token claims failed validation", err)
	}
	if tok.Subject() == "" {
		return nil, gwerrors.NewEncryptionError("flow token has no subject claim", nil)
	}
	if tok.Subject() != flowID {
		return nil, gwerrors.NewEncryptionError("flow id does not match encrypted subject", nil)
	}

	attrs := Attributes{}
	for name, value := range tok.PrivateClaims() {
		attrs[name] = ValueString(value)
	}
	return attrs, nil
}

// ValueString renders a scalar JSON claim value as a string, the form all
// retained attributes are compared and carried in.
func ValueString(v interface{}) string {
	switch value := v.(type) {
	case string:
		return value
	case float64:
		return strconv.FormatFloat(value, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(value)
	case json.Number:
		return value.String()
	default:
		return fmt.Sprintf("%v", value)
	}
}
