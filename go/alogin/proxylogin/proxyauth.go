// Package proxylogin implements alogin.Login when letting a reverse proxy handle
// authentication.
package proxylogin

import (
	"net/http"
	"regexp"
	"strings"

	"github.com/cascade-eng/cascade/go/alogin"
	"github.com/cascade-eng/cascade/go/cclog"
)

// DefaultHeader is the name of the header, as used by most reverse
// proxies, that carries the authenticated user's email.
const DefaultHeader = "X-WEBAUTH-USER"

// proxyLogin implements alogin.Login by relying on a reverse proxy doing
// the authentication and then passing the user's logged in status via a
// header value.
//
// See https://grafana.com/docs/grafana/latest/auth/auth-proxy/ and
// https://cloud.google.com/iap/docs/identity-howto#getting_the_users_identity_with_signed_headers
type proxyLogin struct {
	// headerName is the name of the header we expect to have the user's
	// email.
	headerName string

	// emailRegex is an optional regex to extract the email address from
	// the header value.
	emailRegex *regexp.Regexp
}

// New returns a new instance of proxyLogin.
//
// headerName is the name of the header that contains the proxy
// authentication information.
//
// emailRegex is a regex to extract the email address from the header
// value. This value can be nil. This is useful for reverse proxies that
// include other information in the header in addition to the email
// address, such as
// https://cloud.google.com/iap/docs/identity-howto#getting_the_users_identity_with_signed_headers
//
// If supplied, the regex must have a single subexpression that matches
// the email address.
func New(headerName string, emailRegex *regexp.Regexp) *proxyLogin {
	return &proxyLogin{
		headerName: headerName,
		emailRegex: emailRegex,
	}
}

// NewWithDefaults calls New with the default header name and no regex.
func NewWithDefaults() *proxyLogin {
	return New(DefaultHeader, nil)
}

// LoggedInAs implements alogin.Login.
func (p *proxyLogin) LoggedInAs(r *http.Request) alogin.EMail {
	value := r.Header.Get(p.headerName)
	value = strings.TrimSpace(value)
	if p.emailRegex == nil {
		return alogin.EMail(value)
	}
	submatches := p.emailRegex.FindStringSubmatch(value)
	if len(submatches) != 2 {
		cclog.Errorf("Wrong number of regex matches for %q: %q", value, submatches)
		return alogin.NotLoggedIn
	}
	return alogin.EMail(submatches[1])
}

// Status implements alogin.Login.
func (p *proxyLogin) Status(r *http.Request) alogin.Status {
	return alogin.Status{
		EMail: p.LoggedInAs(r),
	}
}

// Assert proxyLogin implements alogin.Login.
var _ alogin.Login = (*proxyLogin)(nil)
