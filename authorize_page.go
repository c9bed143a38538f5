package oauth

import (
	"bytes"
	"html/template"
	"net/http"

	"github.com/giantswarm/mcp-time-oauth/security"
)

// authorizationPageTemplate shows an issued code to a person testing the flow
// by hand. Values are escaped by html/template.
const authorizationPageTemplate = `<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>Authorization Successful</title>
<style>
body { font-family: system-ui, sans-serif; max-width: 600px; margin: 50px auto; padding: 20px; text-align: center; color: #1f2328; }
h1 { color: #1a7f37; }
.code { background: #f6f8fa; padding: 15px; margin: 20px 0; border-radius: 6px; font-family: monospace; word-break: break-all; }
.muted { color: #59636e; font-size: 0.9em; }
</style>
</head>
<body>
<h1>Authorization Successful</h1>
<p>Exchange this code at the token endpoint within {{.ExpiresIn}} seconds.</p>
<div class="code"><strong>Authorization Code</strong><br>{{.Code}}</div>
{{if .State}}<p class="muted">state: {{.State}}</p>{{end}}
<p><a href="{{.RedirectURL}}">Continue to the application</a></p>
</body>
</html>
`

var authorizationPage = template.Must(template.New("authorization").Parse(authorizationPageTemplate))

type authorizationPageData struct {
	Code        string
	State       string
	RedirectURL string
	ExpiresIn   int64
}

func (h *Handler) serveAuthorizationPage(w http.ResponseWriter, code, state, redirectURL string, expiresIn int64) {
	var buf bytes.Buffer
	err := authorizationPage.Execute(&buf, authorizationPageData{
		Code:        code,
		State:       state,
		RedirectURL: redirectURL,
		ExpiresIn:   expiresIn,
	})
	if err != nil {
		h.logger.Error("Failed to render authorization page", "error", err)
		h.writeError(w, ErrServerError(""))
		return
	}

	security.SetPageSecurityHeaders(w, h.server.Config.Issuer)
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = buf.WriteTo(w)
}
