package web

// indexTemplate — обзорная страница дашборда. Данные подтягиваются из
// /api/* тем же basic-auth; страница нарочно без сборки и зависимостей.
const indexTemplate = `<!DOCTYPE html>
<html lang="ru">
<head>
<meta charset="UTF-8">
<meta name="viewport" content="width=device-width, initial-scale=1.0">
<title>MTProto Gateway Monitor</title>
<style>
body { font-family: -apple-system, "Segoe UI", sans-serif; margin: 2rem; background: #f5f5f5; color: #222; }
h1 { font-size: 1.4rem; }
table { border-collapse: collapse; background: #fff; margin-bottom: 1.5rem; width: 100%; }
th, td { border: 1px solid #ddd; padding: .4rem .6rem; font-size: .85rem; text-align: left; }
th { background: #eee; }
.status-healthy { color: #0a7a2f; font-weight: 600; }
.status-flood_wait { color: #b57700; font-weight: 600; }
.status-error, .status-banned { color: #c0222c; font-weight: 600; }
.alert { background: #ffe5e5; }
button { padding: .2rem .6rem; cursor: pointer; }
#summary span { margin-right: 1.5rem; }
</style>
</head>
<body>
<h1>MTProto Gateway Monitor</h1>
<div id="summary"></div>
<h2>Bridges</h2>
<table id="bridges">
<thead><tr><th>Account</th><th>Service</th><th>Status</th><th>Flood</th><th>Errors</th><th>Ops</th><th>Cache</th><th>Last error</th><th></th></tr></thead>
<tbody></tbody>
</table>
<h2>Failed requests</h2>
<table id="failed">
<thead><tr><th>ID</th><th>Service</th><th>Dir</th><th>Status</th><th>Retries</th><th>Error</th><th></th></tr></thead>
<tbody></tbody>
</table>
<script>
async function api(path, opts) {
  const resp = await fetch(path, opts);
  return resp.json();
}
function esc(s) {
  return String(s == null ? "" : s).replace(/[&<>]/g, c => ({"&":"&amp;","<":"&lt;",">":"&gt;"}[c]));
}
async function refresh() {
  const status = await api("/api/status");
  const s = status.registry || {};
  document.getElementById("summary").innerHTML =
    "<span>Active chats: <b>" + (s.active_chats ?? "?") + "</b></span>" +
    "<span>Operations: <b>" + (s.total_operations ?? "?") + "</b></span>" +
    "<span>Errors: <b>" + (s.total_errors ?? "?") + "</b></span>" +
    "<span>Failovers: <b>" + (s.total_failovers ?? "?") + "</b></span>" +
    "<span>Pending failed: <b>" + (status.pending_failed ?? "?") + "</b></span>";
  const tbody = document.querySelector("#bridges tbody");
  tbody.innerHTML = "";
  for (const b of status.bridges || []) {
    const tr = document.createElement("tr");
    tr.innerHTML = "<td>" + esc(b.name) + "</td><td>" + esc(b.service) + "</td>" +
      "<td class='status-" + esc(b.status) + "'>" + esc(b.status) + "</td>" +
      "<td>" + (b.flood_remaining || "") + "</td><td>" + b.error_count + "</td>" +
      "<td>" + b.operations_count + "</td><td>" + b.cache_size + "</td>" +
      "<td>" + esc(b.last_error) + "</td>" +
      "<td><button onclick='resetBridge(\"" + esc(b.name) + "\",\"" + esc(b.service) + "\")'>reset</button></td>";
    tbody.appendChild(tr);
  }
  const failed = await api("/api/failed_requests?limit=50");
  const ftbody = document.querySelector("#failed tbody");
  ftbody.innerHTML = "";
  for (const f of failed.failed_requests || []) {
    const tr = document.createElement("tr");
    if (f.status === "pending") tr.className = "alert";
    tr.innerHTML = "<td>" + f.id + "</td><td>" + esc(f.service) + "</td><td>" + esc(f.direction) + "</td>" +
      "<td>" + esc(f.status) + "</td><td>" + f.retry_count + "</td><td>" + esc(f.error) + "</td>" +
      "<td><button onclick='retryFailed(" + f.id + ")'>retry</button> " +
      "<button onclick='deleteFailed(" + f.id + ")'>delete</button></td>";
    ftbody.appendChild(tr);
  }
}
async function resetBridge(account, service) {
  await api("/api/reset_bridge", {method: "POST", body: JSON.stringify({account, service})});
  refresh();
}
async function retryFailed(id) {
  await api("/api/failed_requests/retry", {method: "POST", body: JSON.stringify({id})});
  refresh();
}
async function deleteFailed(id) {
  await api("/api/failed_requests/delete", {method: "POST", body: JSON.stringify({id})});
  refresh();
}
refresh();
setInterval(refresh, 15000);
</script>
</body>
</html>`
