package session

import (
	"context"
	"net/http"
	"net/url"
	"time"

	"lcm-console/internal/token"
)

// CookieName is the cookie that carries the session token.
const CookieName = "SESSID"

// DevModeLastName is the placeholder identity used when no cookie is read.
const DevModeLastName = "Dev-Mode User"

// DevLogoutURL is where Logout navigates in dev mode: the application root.
const DevLogoutURL = "/"

// ErrCookieNotFound is returned when the SESSID cookie is missing or empty.
// It classifies as token.ErrMalformedToken.
var ErrCookieNotFound error = &token.MalformedError{Reason: "SESSID cookie not found."}

// Bootstrapper derives session claims. The strategy is chosen once at
// startup: CookieBootstrap in production, FixedIdentity in dev mode.
type Bootstrapper interface {
	Bootstrap(ctx context.Context) (token.Claims, error)
}

// LogoutTargeter is implemented by strategies that fix their own logout
// target, overriding Config.LogoutURL.
type LogoutTargeter interface {
	LogoutTarget() string
}

// CookieSource yields the current value of a cookie, or "" when absent.
type CookieSource interface {
	Cookie(name string) string
}

// CookieBootstrap reads SESSID from Source and decodes it.
type CookieBootstrap struct {
	Source CookieSource
}

func (b *CookieBootstrap) Bootstrap(ctx context.Context) (token.Claims, error) {
	if err := ctx.Err(); err != nil {
		return token.Claims{}, err
	}
	value := ""
	if b.Source != nil {
		value = b.Source.Cookie(CookieName)
	}
	if value == "" {
		return token.Claims{}, ErrCookieNotFound
	}
	return token.Decode(value)
}

// FixedIdentity authenticates as a placeholder user without consulting any
// cookie. Delay models the perceived loading time of a real bootstrap.
type FixedIdentity struct {
	Identity token.Identity
	Delay    time.Duration
}

// DevIdentity returns the dev-mode strategy.
func DevIdentity(delay time.Duration) *FixedIdentity {
	return &FixedIdentity{
		Identity: token.Identity{LastName: DevModeLastName},
		Delay:    delay,
	}
}

// LogoutTarget returns the application root; there is no identity provider
// session to end.
func (f *FixedIdentity) LogoutTarget() string { return DevLogoutURL }

func (f *FixedIdentity) Bootstrap(ctx context.Context) (token.Claims, error) {
	if f.Delay > 0 {
		t := time.NewTimer(f.Delay)
		defer t.Stop()
		select {
		case <-t.C:
		case <-ctx.Done():
			return token.Claims{}, ctx.Err()
		}
	}
	return token.Claims{Identity: f.Identity}, nil
}

// StaticCookies is a fixed cookie set, e.g. a value passed on the command
// line or through the environment.
type StaticCookies map[string]string

func (s StaticCookies) Cookie(name string) string { return s[name] }

// JarCookies reads cookies for URL from an http.CookieJar, the same jar the
// REST client uses.
type JarCookies struct {
	Jar http.CookieJar
	URL *url.URL
}

func (j *JarCookies) Cookie(name string) string {
	if j.Jar == nil || j.URL == nil {
		return ""
	}
	for _, c := range j.Jar.Cookies(j.URL) {
		if c.Name == name {
			return c.Value
		}
	}
	return ""
}
