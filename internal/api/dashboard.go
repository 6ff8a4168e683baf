package api

import (
	"html/template"
	"net/http"
	"time"
)

var dashboardTmpl = template.Must(template.New("dashboard").Parse(`<!DOCTYPE html>
<html>
<head>
<title>bnetd</title>
<style>
body { font-family: monospace; background: #111; color: #ddd; margin: 2em; }
h1 { color: #6cf; }
table { border-collapse: collapse; margin-top: 1em; }
th, td { border: 1px solid #444; padding: 4px 10px; text-align: left; }
th { background: #222; }
.ok { color: #6f6; }
.bad { color: #f66; }
</style>
</head>
<body>
<h1>bnetd</h1>
<p>uptime {{.Uptime}} &middot; sessions {{.SessionCount}} &middot;
database <span class="{{if .DBHealthy}}ok{{else}}bad{{end}}">{{if .DBHealthy}}healthy{{else}}unhealthy{{end}}</span></p>
{{if .Pool}}<p>pool: {{.Pool.Idle}} idle / {{.Pool.InFlight}} in flight / {{.Pool.Waiting}} waiting ({{.Pool.Reconnects}} reconnects)</p>{{end}}
<table>
<tr><th>session</th><th>remote</th><th>state</th><th>user</th><th>connected</th></tr>
{{range .Sessions}}
<tr><td>{{.ID}}</td><td>{{.Remote}}</td><td>{{.State}}</td><td>{{.User}}</td><td>{{.ConnectedAt.Format "15:04:05"}}</td></tr>
{{else}}
<tr><td colspan="5">no live sessions</td></tr>
{{end}}
</table>
</body>
</html>
`))

func (s *Server) dashboardHandler(w http.ResponseWriter, r *http.Request) {
	data := struct {
		Uptime       string
		SessionCount int
		DBHealthy    bool
		Pool         any
		Sessions     any
	}{
		Uptime:       time.Since(s.startTime).Truncate(time.Second).String(),
		SessionCount: s.lobby.SessionCount(),
		Sessions:     s.lobby.Sessions(),
	}
	if s.checker != nil {
		data.DBHealthy = s.checker.Healthy()
	}
	if s.pool != nil {
		st := s.pool.Stats()
		data.Pool = &st
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := dashboardTmpl.Execute(w, data); err != nil {
		s.log.Warn("dashboard render failed", "err", err)
	}
}
