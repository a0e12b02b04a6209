package httpapi

import (
	"fmt"
	"net/http"
)

const dashboardHTML = `<!doctype html>
<html lang="en">
<head>
  <meta charset="utf-8" />
  <meta name="viewport" content="width=device-width, initial-scale=1" />
  <title>Handover Sync</title>
  <style>
    :root { --ink: #102223; --paper: #f8f4ea; --card: #fffdf9; --line: #d7cbb3; --accent: #1f9d88; --muted: #6f7d7d; }
    * { box-sizing: border-box; }
    body { margin: 0; padding: 20px; font-family: "Avenir Next", "Segoe UI", sans-serif; color: var(--ink); background: var(--paper); }
    .shell { max-width: 1100px; margin: 0 auto; display: grid; gap: 14px; grid-template-columns: 1fr 1fr; }
    .card { background: var(--card); border: 1px solid var(--line); border-radius: 14px; padding: 14px; }
    .wide { grid-column: 1 / -1; }
    h1, h2 { margin: 0 0 8px; }
    ul { list-style: none; margin: 0; padding: 0; }
    li { padding: 6px 0; border-bottom: 1px solid var(--line); display: flex; justify-content: space-between; gap: 8px; }
    .badge { background: var(--accent); color: #fff; border-radius: 999px; padding: 0 8px; font-size: 0.85em; }
    .muted { color: var(--muted); }
    input { padding: 6px; border: 1px solid var(--line); border-radius: 8px; }
  </style>
</head>
<body>
  <div class="shell">
    <div class="card wide">
      <h1>Handover Sync</h1>
      <div id="status" class="muted">loading</div>
      <input id="token" type="password" placeholder="status token (optional)" />
    </div>
    <div class="card">
      <h2>Conversations</h2>
      <input id="search" placeholder="search" />
      <ul id="conversations"></ul>
    </div>
    <div class="card">
      <h2>Notifications</h2>
      <ul id="notifications"></ul>
    </div>
  </div>
  <script>
    (() => {
      const $ = (id) => document.getElementById(id);
      const headers = () => {
        const token = $("token").value.trim();
        return token ? { Authorization: "Bearer " + token } : {};
      };
      const get = async (path) => {
        const res = await fetch(path, { headers: headers() });
        if (!res.ok) throw new Error(path + " " + res.status);
        return res.json();
      };
      const item = (label, extra) => {
        const li = document.createElement("li");
        const span = document.createElement("span");
        span.textContent = label;
        li.appendChild(span);
        if (extra) {
          const badge = document.createElement("span");
          badge.className = "badge";
          badge.textContent = extra;
          li.appendChild(badge);
        }
        return li;
      };
      const refresh = async () => {
        try {
          const status = await get("/v1/status");
          $("status").textContent = status.connection + " | rooms " + status.rooms +
            " | unread " + status.unreadMessages + " messages, " + status.unreadNotifications + " notifications";
          const q = encodeURIComponent($("search").value);
          const conv = await get("/v1/conversations?q=" + q);
          $("conversations").replaceChildren(...conv.conversations.map((c) =>
            item(c.name || (c.participantIds || []).join(", ") || c.id, c.unreadCount || "")));
          const notes = await get("/v1/notifications?limit=50");
          $("notifications").replaceChildren(...notes.notifications.map((n) =>
            item(n.message, n.isRead ? "" : "new")));
        } catch (err) {
          $("status").textContent = String(err);
        }
      };
      $("search").addEventListener("input", refresh);
      $("token").addEventListener("change", refresh);
      refresh();
      setInterval(refresh, 3000);
    })();
  </script>
</body>
</html>`

func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = fmt.Fprint(w, dashboardHTML)
}
