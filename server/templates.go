package server

import (
	"fmt"
	"html/template"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
)

type buttonView struct {
	Text      string
	Color     string
	TextColor string
	Hover     string
}

type loginView struct {
	Action      string
	RedirectTo  string
	CognitoURL  string
	ShowCognito bool
	Button      buttonView
	Error       string
	Notice      string
}

type pageView struct {
	Title     string
	User      User
	Elevated  bool
	LoginURL  string
	LogoutURL string
	Message   string
}

const pageStyle = `body { font-family: Arial, sans-serif; margin: 4rem auto; max-width: 420px; color: #1d1d1f; }
h1 { font-size: 1.6rem; margin-bottom: 1.5rem; }
label { display: block; margin-bottom: 0.4rem; font-weight: 600; }
input[type=text], input[type=password] { width: 100%; padding: 0.5rem; margin-bottom: 1rem; box-sizing: border-box; }
button { padding: 0.6rem 1.2rem; }
.error { color: #b00020; margin-bottom: 1rem; }
.notice { color: #1b5e20; margin-bottom: 1rem; }
.cognito-login { display: block; text-align: center; padding: 0.8rem; margin: 2rem 0 1rem; border-radius: 4px; text-decoration: none; font-weight: 600; }`

var loginTemplate = template.Must(template.New("login").Parse(`<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<title>Log in</title>
<style>
` + pageStyle + `
{{if .ShowCognito}}.cognito-login:hover { background: {{.Button.Hover}} !important; }{{end}}
</style>
</head>
<body>
<h1>Log in</h1>
{{if .Error}}<div class="error">{{.Error}}</div>{{end}}
{{if .Notice}}<div class="notice">{{.Notice}}</div>{{end}}
<form method="post" action="{{.Action}}">
<label for="username">Username or email</label>
<input type="text" id="username" name="username" autocomplete="username">
<label for="password">Password</label>
<input type="password" id="password" name="password" autocomplete="current-password">
{{if .RedirectTo}}<input type="hidden" name="redirect_to" value="{{.RedirectTo}}">{{end}}
<button type="submit">Log in</button>
</form>
{{if .ShowCognito}}
<a class="cognito-login" href="{{.CognitoURL}}" style="background: {{.Button.Color}}; color: {{.Button.TextColor}};">{{.Button.Text}}</a>
{{end}}
</body>
</html>`))

var pageTemplate = template.Must(template.New("page").Parse(`<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<title>{{.Title}}</title>
<style>
` + pageStyle + `
</style>
</head>
<body>
<h1>{{.Title}}</h1>
{{if .Message}}<p>{{.Message}}</p>{{end}}
{{if .User.ID}}
<p>Signed in as <strong>{{if .User.DisplayName}}{{.User.DisplayName}}{{else}}{{.User.Username}}{{end}}</strong>{{if .Elevated}} (admin){{end}}.</p>
<p><a href="{{.LogoutURL}}">Log out</a></p>
{{else}}
<p><a href="{{.LoginURL}}">Log in</a></p>
{{end}}
</body>
</html>`))

func renderTemplate(w http.ResponseWriter, logger *slog.Logger, status int, tmpl *template.Template, view any) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	if err := tmpl.Execute(w, view); err != nil {
		logger.Error("render template", "template", tmpl.Name(), "error", err)
	}
}

func newButtonView(cfg ButtonConfig) buttonView {
	text := strings.TrimSpace(cfg.Text)
	if text == "" {
		text = DefaultButtonText
	}
	color := normalizeHex(cfg.Color, DefaultButtonColor)
	return buttonView{
		Text:      text,
		Color:     color,
		TextColor: normalizeHex(cfg.TextColor, DefaultButtonText2),
		Hover:     darkenHex(color, 20),
	}
}

// darkenHex scales each channel of a #rrggbb color down by percent.
// Input that is not six hex digits yields the default button color.
func darkenHex(hex string, percent int) string {
	r, g, b, ok := parseHex(hex)
	if !ok {
		return DefaultButtonColor
	}
	scale := func(c uint64) int {
		return min(255, max(0, int(c)*(100-percent)/100))
	}
	return fmt.Sprintf("#%02x%02x%02x", scale(r), scale(g), scale(b))
}

func normalizeHex(hex, fallback string) string {
	if _, _, _, ok := parseHex(hex); !ok {
		return fallback
	}
	return "#" + strings.ToLower(strings.ReplaceAll(strings.TrimSpace(hex), "#", ""))
}

func parseHex(hex string) (r, g, b uint64, ok bool) {
	hex = strings.ReplaceAll(strings.TrimSpace(hex), "#", "")
	if len(hex) != 6 {
		return 0, 0, 0, false
	}
	v, err := strconv.ParseUint(hex, 16, 32)
	if err != nil {
		return 0, 0, 0, false
	}
	return v >> 16 & 0xff, v >> 8 & 0xff, v & 0xff, true
}
