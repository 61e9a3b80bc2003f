package front

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/cloudwego/eino/schema"

	"github.com/newsrag-poc-v1/agent/internal/agent/loop"
	logx "github.com/newsrag-poc-v1/agent/pkg/logger"
)

// WebServer serves the embedded chat page and streams turn snapshots over
// server-sent events. One thread identifier per browser session, held by
// the client.
type WebServer struct {
	ctrl *loop.Controller
	addr string
}

func NewWebServer(ctrl *loop.Controller, addr string) *WebServer {
	return &WebServer{ctrl: ctrl, addr: addr}
}

// sseEvent is the wire shape of one streamed UI event.
type sseEvent struct {
	Type    string `json:"type"` // tool_call | tool_result | answer | error | done
	Tool    string `json:"tool,omitempty"`
	Args    string `json:"args,omitempty"`
	Content string `json:"content,omitempty"`
}

func (s *WebServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handlePage)
	mux.HandleFunc("/events", s.handleEvents)
	return mux
}

// ListenAndServe runs the server until ctx is canceled.
func (s *WebServer) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logx.Info().Str("addr", s.addr).Msg("Web chat listening")
	err := srv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (s *WebServer) handlePage(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write([]byte(chatPage))
}

func (s *WebServer) handleEvents(w http.ResponseWriter, r *http.Request) {
	threadID := strings.TrimSpace(r.URL.Query().Get("thread_id"))
	query := strings.TrimSpace(r.URL.Query().Get("q"))
	if threadID == "" || query == "" {
		http.Error(w, "thread_id and q are required", http.StatusBadRequest)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	snapshots, err := s.ctrl.RunTurn(r.Context(), threadID, query)
	if err != nil {
		writeEvent(w, flusher, sseEvent{Type: "error", Content: err.Error()})
		return
	}

	rendered := 0
	for snap := range snapshots {
		if snap.Err != nil {
			logx.Error().Err(snap.Err).Str("thread_id", threadID).Msg("Turn failed")
			writeEvent(w, flusher, sseEvent{Type: "error", Content: "Something went wrong. Try again."})
			continue
		}
		for _, msg := range snap.Messages[rendered:] {
			for _, ev := range messageEvents(msg) {
				writeEvent(w, flusher, ev)
			}
		}
		if len(snap.Messages) > rendered {
			rendered = len(snap.Messages)
		}
	}
	writeEvent(w, flusher, sseEvent{Type: "done"})
}

func messageEvents(msg *schema.Message) []sseEvent {
	switch {
	case msg.Role == schema.Assistant && len(msg.ToolCalls) > 0:
		events := make([]sseEvent, 0, len(msg.ToolCalls))
		for _, tc := range msg.ToolCalls {
			events = append(events, sseEvent{Type: "tool_call", Tool: tc.Function.Name, Args: tc.Function.Arguments})
		}
		return events
	case msg.Role == schema.Tool:
		return []sseEvent{{Type: "tool_result", Content: preview(msg.Content, previewLen)}}
	case msg.Role == schema.Assistant && msg.Content != "":
		return []sseEvent{{Type: "answer", Content: msg.Content}}
	default:
		return nil
	}
}

func writeEvent(w http.ResponseWriter, flusher http.Flusher, ev sseEvent) {
	b, err := json.Marshal(ev)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "data: %s\n\n", b)
	flusher.Flush()
}

const chatPage = `<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<title>News Agent</title>
<style>
body { font-family: sans-serif; max-width: 720px; margin: 2rem auto; }
#log div { margin: 0.4rem 0; }
.user { font-weight: bold; }
.status { color: #888; font-size: 0.9em; }
.answer { white-space: pre-wrap; }
</style>
</head>
<body>
<h2>News Agent</h2>
<div id="log"></div>
<form id="form"><input id="q" size="60" autocomplete="off"><button>Send</button></form>
<script>
const threadId = crypto.randomUUID();
const log = document.getElementById('log');
function add(cls, text) {
  const d = document.createElement('div');
  d.className = cls;
  d.textContent = text;
  log.appendChild(d);
}
document.getElementById('form').onsubmit = (e) => {
  e.preventDefault();
  const q = document.getElementById('q').value.trim();
  if (!q) return;
  document.getElementById('q').value = '';
  add('user', 'You: ' + q);
  const es = new EventSource('/events?thread_id=' + threadId + '&q=' + encodeURIComponent(q));
  es.onmessage = (ev) => {
    const msg = JSON.parse(ev.data);
    if (msg.type === 'tool_call') add('status', 'Using ' + msg.tool + ' ' + (msg.args || ''));
    else if (msg.type === 'tool_result') add('status', 'Tool returned: ' + msg.content);
    else if (msg.type === 'answer') add('answer', 'Agent: ' + msg.content);
    else if (msg.type === 'error') add('status', msg.content);
    else if (msg.type === 'done') es.close();
  };
  es.onerror = () => es.close();
};
</script>
</body>
</html>
`
