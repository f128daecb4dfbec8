package server

import (
	"html/template"
	"net/http"

	"docgate/auth"
)

type pageView struct {
	Title         string
	Authenticated bool
	User          *auth.UserClaims
	Role          string
	State         string
	Routes        []pageRoute
	Provider      *providerView
	DevMode       bool
}

type pageRoute struct {
	Prefix string
	Role   string
}

type providerView struct {
	Issuer      string
	PKCE        bool
	Userinfo    string
	EndSession  string
	Revocation  string
	ProviderErr string
}

var pageTemplate = template.Must(template.New("page").Parse(`<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<title>{{.Title}}</title>
<style>
body { font-family: Arial, sans-serif; margin: 2rem auto; max-width: 760px; color: #1d1d1f; }
h1 { font-size: 1.6rem; margin-bottom: 1rem; }
section { margin-bottom: 2rem; }
button { padding: 0.6rem 1.2rem; font-size: 1rem; cursor: pointer; }
table { border-collapse: collapse; width: 100%; }
th, td { border: 1px solid #d0d0d5; padding: 0.5rem; text-align: left; font-size: 0.95rem; }
th { background: #f0f0f5; }
.notice { color: #555; }
</style>
</head>
<body>
<h1>{{.Title}}</h1>
{{if .Authenticated}}
<section>
<p>Signed in as <strong>{{.User.DisplayName}}</strong> ({{.Role}}).</p>
{{if .User.Email}}<p class="notice">{{.User.Email}}</p>{{end}}
<form method="post" action="/logout"><button type="submit">Sign out</button></form>
</section>
{{if .Routes}}
<section>
<table>
<tr><th>Area</th><th>Required role</th></tr>
{{range .Routes}}<tr><td><a href="{{.Prefix}}/">{{.Prefix}}</a></td><td>{{.Role}}</td></tr>
{{end}}
</table>
</section>
{{end}}
{{else}}
<section>
<p class="notice">You are not signed in.</p>
<form method="get" action="/login"><button type="submit">Sign in</button></form>
</section>
{{end}}
{{if .DevMode}}
<section>
<h2>Session</h2>
<table>
<tr><th>State</th><td>{{.State}}</td></tr>
{{if .Authenticated}}<tr><th>Subject</th><td>{{.User.Subject}}</td></tr>
<tr><th>Groups</th><td>{{range $i, $g := .User.Groups}}{{if $i}}, {{end}}{{$g}}{{end}}</td></tr>{{end}}
</table>
</section>
{{with .Provider}}
<section>
<h2>Identity provider</h2>
<table>
{{if .ProviderErr}}<tr><th>Error</th><td>{{.ProviderErr}}</td></tr>{{else}}
<tr><th>Issuer</th><td>{{.Issuer}}</td></tr>
<tr><th>PKCE (S256)</th><td>{{.PKCE}}</td></tr>
<tr><th>Userinfo</th><td>{{.Userinfo}}</td></tr>
<tr><th>End session</th><td>{{or .EndSession "-"}}</td></tr>
<tr><th>Revocation</th><td>{{or .Revocation "-"}}</td></tr>{{end}}
</table>
</section>
{{end}}
{{end}}
</body>
</html>
`))

// handleIndex renders the landing page when no backend route claims "/".
func (a *App) handleIndex(w http.ResponseWriter, r *http.Request) {
	view := pageView{
		Title:   "Document Q&A",
		State:   auth.StateLoggedOut.String(),
		DevMode: a.Config.Server.DevMode,
	}

	if sess, ok := a.Sessions.Fetch(r); ok {
		a.renewIfDue(r.Context(), sess)
		view.State = sess.Manager.State().String()
		if user := sess.Manager.CurrentUser(); user != nil {
			view.Authenticated = true
			view.User = user
			view.Role = sess.Manager.CurrentRole().String()
		}
	}

	for _, route := range a.Config.Proxy.Routes {
		role := route.RequiredRole
		if role == "" {
			role = auth.RoleStandardUser.String()
		}
		view.Routes = append(view.Routes, pageRoute{Prefix: trimSlash(route.PathPrefix), Role: role})
	}

	if view.DevMode {
		pv := &providerView{}
		if md, err := a.Flow.Metadata(r.Context()); err != nil {
			pv.ProviderErr = err.Error()
		} else {
			pv.Issuer = md.Issuer
			pv.PKCE = md.SupportsPKCE()
			pv.Userinfo = md.UserinfoEndpoint
			pv.EndSession = md.EndSessionEndpoint
			pv.Revocation = md.RevocationEndpoint
		}
		view.Provider = pv
	}

	a.renderPage(w, view)
}

func (a *App) renderPage(w http.ResponseWriter, view pageView) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	if err := pageTemplate.Execute(w, view); err != nil {
		a.Logger.Error("render page", "error", err)
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
	}
}

func trimSlash(p string) string {
	for len(p) > 1 && p[len(p)-1] == '/' {
		p = p[:len(p)-1]
	}
	return p
}
