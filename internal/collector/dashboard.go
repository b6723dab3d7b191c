package collector

// Minimal dashboard page: lists pending approvals over the WebSocket
// feed and lets the operator resolve them.
const dashboardHTML = `<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<title>toolwatch</title>
</head>
<body>
<h1>toolwatch — pending approvals</h1>
<ul id="pending"></ul>
<script>
const list = document.getElementById('pending');
const ws = new WebSocket((location.protocol === 'https:' ? 'wss://' : 'ws://') + location.host + '/ws');
ws.onmessage = (msg) => {
  const data = JSON.parse(msg.data);
  if (data.type !== 'pending') return;
  list.innerHTML = '';
  for (const call of data.pending) {
    const li = document.createElement('li');
    li.textContent = call.user + '@' + call.hostname + ' ' + call.tool + ' ' + JSON.stringify(call.params || {}) + ' ';
    for (const action of ['approve', 'deny']) {
      const btn = document.createElement('button');
      btn.textContent = action;
      btn.onclick = () => fetch('/' + action + '/' + call.toolCallId, {method: 'POST'});
      li.appendChild(btn);
    }
    list.appendChild(li);
  }
};
</script>
</body>
</html>
`
