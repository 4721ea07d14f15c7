package flowstate

import "net/http"

// cookiePrefix is concatenated with the flow id to name the flow cookie.
const cookiePrefix = "ST-RC-"

// CookieName returns the cookie name carrying state for the given flow.
func CookieName(flowID string) string {
	return cookiePrefix + flowID
}

// ReadCookie decodes the flow cookie on r, returning an empty attribute set
// when no cookie is present for this flow. A cookie that fails to decode is
// an error: it is either corrupt or replayed from another flow.
func (c *Codec) ReadCookie(r *http.Request, flowID string) (Attributes, error) {
	cookie, err := r.Cookie(CookieName(flowID))
	if err != nil {
		return Attributes{}, nil
	}
	return c.Decode(flowID, cookie.Value)
}

// WriteCookie encodes attrs and (re)sets the flow cookie on w. The SameSite
// attribute is appended by the server's response filter, not here, because
// Go's cookie serializer owns this header otherwise.
func (c *Codec) WriteCookie(w http.ResponseWriter, flowID string, attrs Attributes) error {
	token, err := c.Encode(flowID, attrs)
	if err != nil {
		return err
	}
	http.SetCookie(w, &http.Cookie{
		Name:     CookieName(flowID),
		Value:    token,
		Path:     "/",
		HttpOnly: true,
		Secure:   true,
	})
	return nil
}
