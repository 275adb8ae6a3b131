// Copyright 2024-2026 George (earentir) Pantazis (https://earentir.dev)
// SPDX-License-Identifier: GPL-2.0-only
package api

import (
	"html/template"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"supercache/daemon"
	"supercache/fullstats"
)

const statsPageLimit = 10

// dashboardData is the struct passed to the stats page template.
type dashboardData struct {
	Queries       uint64
	Fresh         uint64
	Upstream      uint64
	Stale         uint64
	Failed        uint64
	UpstreamCalls uint64
	SharedFlights uint64
	Uptime        string

	RecordsCount int64

	Ready     bool
	APIUp     bool
	DNSUp     bool
	Listeners daemon.ListenerSettings

	FullStatsEnabled bool
	ClientsCount     int
	StatsLimit       int
	TopClients       []clientRow
	TopIdentities    []identityRow
}

type clientRow struct {
	IP        string
	Total     uint64
	FirstSeen string
}

type identityRow struct {
	Key                 string
	Count               uint64
	Fresh, Stale        uint64
	Upstream, Failed    uint64
	FirstSeen, LastSeen string
}

var statsPageTemplate = template.Must(template.New("stats").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
  <meta charset="utf-8">
  <meta name="viewport" content="width=device-width, initial-scale=1">
  <title>supercache Stats</title>
  <style>
    :root {
      --bg: #0d1117;
      --bg-panel: #161b22;
      --bg-hover: #21262d;
      --border: #30363d;
      --text: #e6edf3;
      --text-muted: #8b949e;
      --accent: #58a6ff;
      --success: #3fb950;
      --warning: #d29922;
      --danger: #f85149;
    }
    * { box-sizing: border-box; }
    body {
      font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', 'Noto Sans', Helvetica, Arial, sans-serif;
      background: var(--bg);
      color: var(--text);
      margin: 0;
      padding: 1.5rem;
      line-height: 1.5;
      min-height: 100vh;
    }
    h1 {
      font-size: 1.5rem;
      font-weight: 600;
      margin: 0 0 1.5rem 0;
      color: var(--text);
    }
    .grid {
      display: grid;
      grid-template-columns: repeat(auto-fill, minmax(280px, 1fr));
      gap: 1rem;
    }
    .panel {
      background: var(--bg-panel);
      border: 1px solid var(--border);
      border-radius: 8px;
      padding: 1rem 1.25rem;
      overflow: hidden;
    }
    .panel h2 {
      font-size: 0.875rem;
      font-weight: 600;
      color: var(--text-muted);
      text-transform: uppercase;
      letter-spacing: 0.03em;
      margin: 0 0 0.75rem 0;
      padding-bottom: 0.5rem;
      border-bottom: 1px solid var(--border);
    }
    .panel ul { margin: 0; padding: 0; list-style: none; }
    .panel li {
      display: flex;
      justify-content: space-between;
      align-items: baseline;
      padding: 0.35rem 0;
      border-bottom: 1px solid var(--border);
    }
    .panel li:last-child { border-bottom: none; }
    .panel .key { color: var(--text-muted); }
    .panel .val { font-variant-numeric: tabular-nums; color: var(--text); }
    .panel.wide { grid-column: 1 / -1; }
    .status-dot {
      display: inline-block;
      width: 8px;
      height: 8px;
      border-radius: 50%;
      margin-right: 0.5rem;
    }
    .status-dot.ok { background: var(--success); }
    .status-dot.fail { background: var(--danger); }
    table {
      width: 100%;
      border-collapse: collapse;
      font-size: 0.875rem;
    }
    th, td { padding: 0.5rem 0.75rem; text-align: left; border-bottom: 1px solid var(--border); }
    th { color: var(--text-muted); font-weight: 600; }
    tr:last-child td { border-bottom: none; }
    tr:hover td { background: var(--bg-hover); }
    a { color: var(--accent); text-decoration: none; }
    a:hover { text-decoration: underline; }
    .muted { color: var(--text-muted); font-size: 0.875rem; margin-top: 1rem; }
  </style>
</head>
<body>
  <h1>supercache Stats</h1>
  <div class="grid">
    <div class="panel">
      <h2>Resolver</h2>
      <ul>
        <li><span class="key">Queries</span><span class="val">{{.Queries}}</span></li>
        <li><span class="key">Fresh hits</span><span class="val">{{.Fresh}}</span></li>
        <li><span class="key">Upstream answers</span><span class="val">{{.Upstream}}</span></li>
        <li><span class="key">Stale answers</span><span class="val">{{.Stale}}</span></li>
        <li><span class="key">Failed</span><span class="val">{{.Failed}}</span></li>
        <li><span class="key">Upstream calls</span><span class="val">{{.UpstreamCalls}}</span></li>
        <li><span class="key">Shared flights</span><span class="val">{{.SharedFlights}}</span></li>
        <li><span class="key">Uptime</span><span class="val">{{.Uptime}}</span></li>
      </ul>
    </div>
    <div class="panel">
      <h2>Status</h2>
      <ul>
        <li><span class="key"><span class="status-dot {{if .Ready}}ok{{else}}fail{{end}}"></span>Ready</span><span class="val">{{if .Ready}}Yes{{else}}No{{end}}</span></li>
        <li><span class="key"><span class="status-dot {{if .APIUp}}ok{{else}}fail{{end}}"></span>API</span><span class="val">{{if .APIUp}}Up{{else}}Down{{end}}</span></li>
        <li><span class="key"><span class="status-dot {{if .DNSUp}}ok{{else}}fail{{end}}"></span>DNS</span><span class="val">{{if .DNSUp}}Up{{else}}Down{{end}}</span></li>
        <li><span class="key">Records</span><span class="val">{{.RecordsCount}}</span></li>
        <li><span class="key">Listen</span><span class="val">{{.Listeners.BindAddress}}:{{.Listeners.DNSPort}}</span></li>
        <li><span class="key">Upstream</span><span class="val">{{.Listeners.Upstream}}</span></li>
        <li><span class="key">API port</span><span class="val">{{.Listeners.APIPort}}</span></li>
      </ul>
    </div>
    {{if .FullStatsEnabled}}
    <div class="panel wide">
      <h2>Full stats</h2>
      <ul>
        <li><span class="key">Clients</span><span class="val">{{.ClientsCount}}</span></li>
      </ul>
      <p class="muted">
        {{if le .StatsLimit 10}}<a href="/stats/page?full=100">Show more</a> (up to 100){{else}}<a href="/stats/page">Show top 10</a>{{end}}
      </p>
      {{if .TopClients}}
      <p class="muted">Top {{len .TopClients}} clients by total queries</p>
      <table>
        <thead><tr><th>IP</th><th>Total</th><th>First seen</th></tr></thead>
        <tbody>
          {{range .TopClients}}<tr><td>{{.IP}}</td><td>{{.Total}}</td><td>{{.FirstSeen}}</td></tr>{{end}}
        </tbody>
      </table>
      {{end}}
      {{if .TopIdentities}}
      <p class="muted">Top {{len .TopIdentities}} identities (name:type) by query count</p>
      <table>
        <thead><tr><th>Identity</th><th>Count</th><th>Fresh</th><th>Upstream</th><th>Stale</th><th>Failed</th><th>First seen</th><th>Last seen</th></tr></thead>
        <tbody>
          {{range .TopIdentities}}<tr><td>{{.Key}}</td><td>{{.Count}}</td><td>{{.Fresh}}</td><td>{{.Upstream}}</td><td>{{.Stale}}</td><td>{{.Failed}}</td><td>{{.FirstSeen}}</td><td>{{.LastSeen}}</td></tr>{{end}}
        </tbody>
      </table>
      {{end}}
    </div>
    {{end}}
  </div>
  <p class="muted">Read-only dashboard · JSON: <a href="/stats">/stats</a> · Records: <a href="/records">/records</a></p>
</body>
</html>
`))

// statsPage serves a dark-themed read-only stats dashboard with optional full stats.
func (s *server) statsPage(c *gin.Context) {
	var data dashboardData
	if s.Resolver != nil {
		st := s.Resolver.Stats()
		data.Queries, data.Fresh, data.Upstream = st.Queries, st.Fresh, st.Upstream
		data.Stale, data.Failed = st.Stale, st.Failed
		data.UpstreamCalls, data.SharedFlights = st.UpstreamCalls, st.SharedFlights
	}
	data.Uptime = "-"
	if s.State != nil {
		if d := s.State.Uptime(); d > 0 {
			data.Uptime = roundDuration(d)
		}
		data.APIUp = s.State.APIRunning()
		data.DNSUp = s.State.ServerStatus()
		data.Ready = s.State.Ready()
		data.Listeners = s.State.ListenerSnapshot()
	}
	if s.Store != nil {
		data.RecordsCount, _ = s.Store.Count(c.Request.Context())
	}

	limit := statsPageLimit
	if n := c.Query("full"); n != "" {
		if v, err := strconv.Atoi(n); err == nil && v > 0 && v <= 100 {
			limit = v
		}
	}
	if s.FullStats != nil {
		data.FullStatsEnabled = true
		data.StatsLimit = limit
		if clients, err := s.FullStats.Clients(); err == nil {
			data.ClientsCount = len(clients)
			data.TopClients = topClients(clients, limit)
		}
		if top, err := s.FullStats.TopIdentities(limit); err == nil {
			for _, e := range top {
				data.TopIdentities = append(data.TopIdentities, identityRow{
					Key:       e.Identity,
					Count:     e.Count,
					Fresh:     e.Outcomes[fullstats.OutcomeCache],
					Upstream:  e.Outcomes[fullstats.OutcomeUpstream],
					Stale:     e.Outcomes[fullstats.OutcomeStale],
					Failed:    e.Outcomes[fullstats.OutcomeFailed],
					FirstSeen: e.FirstSeen.Format(time.RFC3339),
					LastSeen:  e.LastSeen.Format(time.RFC3339),
				})
			}
		}
	}

	c.Header("Content-Type", "text/html; charset=utf-8")
	if err := statsPageTemplate.Execute(c.Writer, data); err != nil {
		c.String(http.StatusInternalServerError, err.Error())
	}
}

func topClients(all map[string]*fullstats.ClientStats, limit int) []clientRow {
	rows := make([]clientRow, 0, len(all))
	for ip, st := range all {
		rows = append(rows, clientRow{IP: ip, Total: st.Count, FirstSeen: st.FirstSeen.Format(time.RFC3339)})
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].Total != rows[j].Total {
			return rows[i].Total > rows[j].Total
		}
		return rows[i].IP < rows[j].IP
	})
	if len(rows) > limit {
		rows = rows[:limit]
	}
	return rows
}

func roundDuration(d time.Duration) string {
	if d < time.Minute {
		return d.Round(time.Second).String()
	}
	if d < time.Hour {
		return d.Round(time.Minute).String()
	}
	if d < 24*time.Hour {
		return d.Round(time.Hour).String()
	}
	days := int(d / (24 * time.Hour))
	rem := d % (24 * time.Hour)
	if rem == 0 {
		return strconv.Itoa(days) + "d"
	}
	return strconv.Itoa(days) + "d " + rem.Round(time.Hour).String()
}
