package server

import (
	"html/template"
	"net/http"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/ssd-technologies/beam/internal/config"
	"github.com/ssd-technologies/beam/internal/relay"
	"github.com/ssd-technologies/beam/internal/storage"
)

const (
	dashboardHistory = 20
	defaultHistory   = 50
	maxHistory       = 500
)

// transfersResponse is the body of GET /api/transfers and of every
// /api/events message.
type transfersResponse struct {
	Active  []string        `json:"active"`
	Pending []relay.Pending `json:"pending"`
	Tokens  int             `json:"tokens"`
}

func (s *Server) snapshot() transfersResponse {
	reg := s.relay.Registry()
	resp := transfersResponse{
		Active:  reg.Active(),
		Pending: reg.List(),
	}
	if s.ledger != nil {
		resp.Tokens = s.ledger.Len()
	}
	return resp
}

// handleTransfers lists the transfers waiting for their peer.
func (s *Server) handleTransfers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.snapshot())
}

// handleHistory returns the most recently finished transfers from the
// journal. ?limit= caps the count.
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit := defaultHistory
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxHistory)
	}

	transfers, err := s.db.ListRecentTransfers(limit)
	if err != nil {
		s.log.WithError(err).Error("list transfer history")
		writeError(w, http.StatusInternalServerError, "failed to list transfers")
		return
	}
	if transfers == nil {
		transfers = []storage.Transfer{}
	}
	writeJSON(w, http.StatusOK, transfers)
}

type dashboardData struct {
	Mode     config.AuthMode
	Pairing  config.Pairing
	Base     string
	Snapshot transfersResponse
	History  []storage.Transfer
}

var dashboardFuncs = template.FuncMap{
	"bytes": func(n int64) string { return humanize.Bytes(uint64(n)) },
	"ago":   func(t time.Time) string { return humanize.Time(t) },
	"unixAgo": func(sec int64) string {
		return humanize.Time(time.Unix(sec, 0))
	},
}

var dashboardTmpl = template.Must(template.New("dashboard").Funcs(dashboardFuncs).Parse(`<!DOCTYPE html>
<html lang="en">
<head>
  <meta charset="utf-8" />
  <title>Beam Dashboard</title>
  <style>
    body { font-family: sans-serif; margin: 2rem; max-width: 48rem; }
    h1 { margin-bottom: 0.5rem; }
    section { margin-top: 1.5rem; }
    code { background: #f4f4f4; padding: 0.2rem 0.4rem; border-radius: 3px; }
    td, th { padding: 0.2rem 0.8rem 0.2rem 0; text-align: left; }
  </style>
</head>
<body>
  <h1>Beam Dashboard</h1>
  {{- if eq .Mode "basic"}}
  <p>Authenticate uploads and downloads using HTTP Basic auth with the credentials beam was started with.</p>
  {{- else if eq .Mode "token"}}
  <p>Request a token with <code>POST /api/token</code> and present it as a bearer token on both sides. Tokens live: {{.Snapshot.Tokens}}</p>
  {{- else}}
  <p>Authentication is disabled.</p>
  {{- end}}
  <section>
    <h2>Active Streams</h2>
    {{- if .Snapshot.Pending}}
    <table>
      <tr><th>File</th><th>Waiting</th><th>Since</th></tr>
      {{- range .Snapshot.Pending}}
      <tr><td>{{.FileID}}</td><td>{{.Role}}</td><td>{{ago .Since}}</td></tr>
      {{- end}}
    </table>
    {{- else}}
    <p>None.</p>
    {{- end}}
  </section>
  <section>
    <h2>Recent Transfers</h2>
    {{- if .History}}
    <table>
      <tr><th>File</th><th>Status</th><th>Size</th><th>Finished</th></tr>
      {{- range .History}}
      <tr><td>{{.FileID}}</td><td>{{.Status}}</td><td>{{bytes .Bytes}}</td><td>{{unixAgo .FinishedAt}}</td></tr>
      {{- end}}
    </table>
    {{- else}}
    <p>None yet.</p>
    {{- end}}
  </section>
  <section>
    <h2>Usage</h2>
    <ol>
      {{- if eq .Mode "basic"}}
      <li>Upload: <code>curl -u USER:PASS -T file.zip {{.Base}}/file.zip</code></li>
      <li>Download: <code>curl -u USER:PASS {{.Base}}/file.zip -o file.zip</code></li>
      {{- else if eq .Mode "token"}}
      <li>Token: <code>curl -X POST {{.Base}}/api/token</code></li>
      <li>Upload: <code>curl -H "Authorization: Bearer TOKEN" -T file.zip {{.Base}}/file.zip</code></li>
      <li>Download: <code>curl -H "Authorization: Bearer TOKEN" {{.Base}}/file.zip -o file.zip</code></li>
      {{- else}}
      <li>Upload: <code>curl -T file.zip {{.Base}}/file.zip</code></li>
      <li>Download: <code>curl {{.Base}}/file.zip -o file.zip</code></li>
      {{- end}}
    </ol>
    {{- if eq .Pairing "strict"}}
    <p>Start the upload first; a download with no waiting upload is rejected.</p>
    {{- else}}
    <p>Either side may connect first.</p>
    {{- end}}
  </section>
</body>
</html>
`))

// handleDashboard renders the HTML status page.
func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	history, err := s.db.ListRecentTransfers(dashboardHistory)
	if err != nil {
		s.log.WithError(err).Error("list transfer history")
	}

	data := dashboardData{
		Mode:     s.cfg.Auth,
		Pairing:  s.cfg.Pairing,
		Base:     "http://" + r.Host,
		Snapshot: s.snapshot(),
		History:  history,
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := dashboardTmpl.Execute(w, data); err != nil {
		s.log.WithError(err).Error("render dashboard")
	}
}
