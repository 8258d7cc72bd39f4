package webchat

import (
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/go-go-golems/switchboard/pkg/auth"
	"github.com/go-go-golems/switchboard/pkg/ratelimit"
)

type RouterConfig struct {
	Hub      *StreamHub
	Chat     *ChatService
	Registry *Registry
	Verifier auth.Verifier
	Admitter *ratelimit.Admitter
	// Origins resolves rate-limit origins. Nil keys on the socket peer.
	Origins *OriginResolver
	// AllowedOrigins restricts websocket upgrades by Origin header. Empty
	// allows every origin.
	AllowedOrigins []string
}

func newUpgrader(allowed []string) websocket.Upgrader {
	up := websocket.Upgrader{ReadBufferSize: 4096, WriteBufferSize: 4096}
	if len(allowed) == 0 {
		up.CheckOrigin = func(*http.Request) bool { return true }
		return up
	}
	set := map[string]struct{}{}
	for _, o := range allowed {
		set[o] = struct{}{}
	}
	up.CheckOrigin = func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := set[origin]
		return ok
	}
	return up
}

// NewRouter mounts the websocket endpoint, the chat API and the health check.
func NewRouter(cfg RouterConfig) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("GET /ws", NewWSHandler(cfg.Hub, cfg.Verifier, cfg.Admitter, cfg.Origins, newUpgrader(cfg.AllowedOrigins)))
	mux.Handle("POST /api/chats", NewCreateChatHandler(cfg.Chat, cfg.Verifier, cfg.Origins))
	mux.Handle("POST /api/chats/{id}/messages", NewSendMessageHandler(cfg.Chat, cfg.Verifier, cfg.Origins))
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"status":      "ok",
			"onlineUsers": cfg.Registry.OnlineCount(),
		})
	})
	return mux
}
