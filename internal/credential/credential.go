// Package credential loads upstream identities and rotates queries across them.
package credential

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	json "github.com/goccy/go-json"
)

type Kind string

const (
	KindBearer Kind = "bearer"
	KindCookie Kind = "cookie"
)

var ErrNoCredentials = errors.New("credential: no credentials configured")

// Credential is one immutable upstream identity.
type Credential struct {
	Label string
	Kind  Kind

	bearer    string
	authToken string
	ct0       string
}

// NewBearer builds an app-only credential.
func NewBearer(label, token string) Credential {
	return Credential{Label: label, Kind: KindBearer, bearer: token}
}

// NewCookie builds a logged-in session credential. webBearer is the public
// application token the web client sends alongside session cookies.
func NewCookie(label, authToken, ct0, webBearer string) Credential {
	return Credential{Label: label, Kind: KindCookie, bearer: webBearer, authToken: authToken, ct0: ct0}
}

// Apply sets the auth headers on req.
func (c Credential) Apply(req *http.Request) {
	if c.bearer != "" {
		req.Header.Set("Authorization", "Bearer "+c.bearer)
	}
	if c.Kind != KindCookie {
		return
	}
	req.Header.Set("Cookie", "auth_token="+c.authToken+"; ct0="+c.ct0)
	req.Header.Set("x-csrf-token", c.ct0)
	req.Header.Set("x-twitter-auth-type", "OAuth2Session")
}

// cookieBlob is the file written by the login flow.
type cookieBlob struct {
	AuthToken string `json:"auth_token"`
	CT0       string `json:"ct0"`
}

type LoadOptions struct {
	BearerTokens []string
	CookiesDir   string
	WebBearer    string
}

// Load reads every configured credential. Labels are stable across restarts:
// bearer tokens are "bearer-<n>" (1-based), cookie blobs use their file name.
func Load(opts LoadOptions) ([]Credential, error) {
	var out []Credential
	for i, tok := range opts.BearerTokens {
		tok = strings.TrimSpace(tok)
		if tok == "" {
			continue
		}
		out = append(out, NewBearer("bearer-"+strconv.Itoa(i+1), tok))
	}

	if dir := strings.TrimSpace(opts.CookiesDir); dir != "" {
		files, err := filepath.Glob(filepath.Join(dir, "*.json"))
		if err != nil {
			return nil, err
		}
		sort.Strings(files)
		for _, f := range files {
			c, err := loadCookieFile(f, opts.WebBearer)
			if err != nil {
				return nil, err
			}
			out = append(out, c)
		}
	}

	if len(out) == 0 {
		return nil, ErrNoCredentials
	}
	return out, nil
}

func loadCookieFile(path, webBearer string) (Credential, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Credential{}, err
	}
	var blob cookieBlob
	if err := json.Unmarshal(b, &blob); err != nil {
		return Credential{}, fmt.Errorf("credential %s: %w", path, err)
	}
	if blob.AuthToken == "" || blob.CT0 == "" {
		return Credential{}, fmt.Errorf("credential %s: auth_token and ct0 are required", path)
	}
	label := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	return NewCookie(label, blob.AuthToken, blob.CT0, webBearer), nil
}
