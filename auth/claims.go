package auth

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"slices"
	"strings"

	"github.com/tidwall/gjson"
	"golang.org/x/oauth2"
)

const maxUserinfoBytes = 1 << 20

// ClaimMapping names where each normalized claim is read from. Paths use gjson
// syntax, so nested claims such as "realm_access.roles" work.
type ClaimMapping struct {
	GroupsClaim string
	NameClaims  []string
	EmailClaims []string
}

// DefaultClaimMapping covers the common OIDC claim names.
func DefaultClaimMapping() ClaimMapping {
	return ClaimMapping{
		GroupsClaim: "groups",
		NameClaims:  []string{"name", "preferred_username"},
		EmailClaims: []string{"email", "upn", "mail"},
	}
}

// FetchClaims calls the userinfo endpoint with tok as bearer credential and
// normalizes the response.
func (e *Exchanger) FetchClaims(ctx context.Context, tok *TokenResponse, md *Metadata, mapping ClaimMapping) (*UserClaims, error) {
	if tok == nil || tok.AccessToken == "" {
		return nil, exchangeError(ReasonInvalidToken, "", errors.New("no access token"))
	}
	if md == nil || md.UserinfoEndpoint == "" {
		return nil, configError("userinfo endpoint not available")
	}

	client := oauth2.NewClient(e.context(ctx), oauth2.StaticTokenSource(&oauth2.Token{
		AccessToken: tok.AccessToken,
		TokenType:   "Bearer",
	}))
	client.Timeout = e.client.Timeout

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, md.UserinfoEndpoint, nil)
	if err != nil {
		return nil, configError("build userinfo request: %v", err)
	}
	req.Header.Set("Accept", "application/json")

	res, err := client.Do(req)
	if err != nil {
		e.logger.Error("userinfo request failed", "error", err)
		return nil, networkError("userinfo", err)
	}
	defer res.Body.Close()

	body, err := io.ReadAll(io.LimitReader(res.Body, maxUserinfoBytes))
	if err != nil {
		return nil, networkError("userinfo", err)
	}

	switch {
	case res.StatusCode == http.StatusUnauthorized || res.StatusCode == http.StatusForbidden:
		e.logger.Warn("userinfo rejected access token", "status", res.StatusCode)
		return nil, exchangeError(ReasonInvalidToken, bearerErrorCode(res), fmt.Errorf("userinfo: status %d", res.StatusCode))
	case res.StatusCode >= 500:
		return nil, networkError("userinfo", fmt.Errorf("status %d", res.StatusCode))
	case res.StatusCode != http.StatusOK:
		return nil, exchangeError(ReasonInvalidResponse, "", fmt.Errorf("userinfo: status %d", res.StatusCode))
	}

	claims, err := parseUserinfo(body, tok.idClaims, mapping)
	if err != nil {
		return nil, err
	}
	if tok.idSubject != "" && tok.idSubject != claims.Subject {
		return nil, exchangeError(ReasonInvalidResponse, "", errors.New("userinfo subject does not match id_token"))
	}
	return claims, nil
}

// FetchClaims is the package-level form used when no Exchanger is at hand.
func FetchClaims(ctx context.Context, tok *TokenResponse, md *Metadata, mapping ClaimMapping) (*UserClaims, error) {
	return NewExchanger(nil, nil).FetchClaims(ctx, tok, md, mapping)
}

func parseUserinfo(body, idClaims []byte, mapping ClaimMapping) (*UserClaims, error) {
	if !gjson.ValidBytes(body) {
		return nil, exchangeError(ReasonInvalidResponse, "", errors.New("userinfo response is not JSON"))
	}
	doc := gjson.ParseBytes(body)
	if !doc.IsObject() {
		return nil, exchangeError(ReasonInvalidResponse, "", errors.New("userinfo response is not an object"))
	}

	sub := strings.TrimSpace(doc.Get("sub").String())
	if sub == "" {
		return nil, exchangeError(ReasonInvalidResponse, "", errors.New("userinfo response has no sub"))
	}

	if mapping.GroupsClaim == "" {
		mapping.GroupsClaim = "groups"
	}
	groups := doc.Get(mapping.GroupsClaim)
	if !groups.Exists() && len(idClaims) > 0 {
		groups = gjson.GetBytes(idClaims, mapping.GroupsClaim)
	}

	claims := &UserClaims{
		Subject:           sub,
		Name:              firstString(doc, mapping.NameClaims),
		Email:             firstString(doc, mapping.EmailClaims),
		PreferredUsername: doc.Get("preferred_username").String(),
		Groups:            NormalizeGroups(groups),
	}
	if claims.Name == "" {
		given := doc.Get("given_name").String()
		family := doc.Get("family_name").String()
		claims.Name = strings.TrimSpace(given + " " + family)
	}
	return claims, nil
}

// NormalizeGroups turns a group claim of any shape into a sorted set. An absent
// or null claim is the empty set, a string is a one-element set, and an array
// contributes its string members.
func NormalizeGroups(v gjson.Result) []string {
	out := []string{}
	add := func(r gjson.Result) {
		if r.Type != gjson.String {
			return
		}
		if g := strings.TrimSpace(r.Str); g != "" {
			out = append(out, g)
		}
	}

	switch {
	case !v.Exists():
	case v.IsArray():
		v.ForEach(func(_, item gjson.Result) bool {
			add(item)
			return true
		})
	default:
		add(v)
	}

	slices.Sort(out)
	return slices.Compact(out)
}

func firstString(doc gjson.Result, paths []string) string {
	for _, p := range paths {
		if r := doc.Get(p); r.Type == gjson.String && strings.TrimSpace(r.Str) != "" {
			return strings.TrimSpace(r.Str)
		}
	}
	return ""
}

// bearerErrorCode pulls error="..." out of a WWW-Authenticate challenge.
func bearerErrorCode(res *http.Response) string {
	h := res.Header.Get("WWW-Authenticate")
	idx := strings.Index(h, `error="`)
	if idx == -1 {
		return ""
	}
	rest := h[idx+len(`error="`):]
	if end := strings.IndexByte(rest, '"'); end != -1 {
		return rest[:end]
	}
	return ""
}
