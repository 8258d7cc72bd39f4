package webchat

import (
	"encoding/json"
	"net"
	"net/http"
	"net/netip"
	"strconv"
	"strings"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/switchboard/pkg/auth"
	"github.com/go-go-golems/switchboard/pkg/ratelimit"
)

// OriginResolver derives the network origin used as the rate-limit key.
// The socket peer is the origin unless it is a trusted proxy, in which case
// X-Forwarded-For is walked from the right and the first untrusted hop wins.
// A nil resolver trusts no proxy.
type OriginResolver struct {
	trusted []netip.Prefix
}

// NewOriginResolver accepts CIDR prefixes or bare addresses.
func NewOriginResolver(trusted []string) (*OriginResolver, error) {
	r := &OriginResolver{}
	for _, t := range trusted {
		p, err := ParseTrustedProxy(t)
		if err != nil {
			return nil, err
		}
		r.trusted = append(r.trusted, p)
	}
	return r, nil
}

// ParseTrustedProxy parses a CIDR prefix or a single address.
func ParseTrustedProxy(s string) (netip.Prefix, error) {
	s = strings.TrimSpace(s)
	if strings.Contains(s, "/") {
		p, err := netip.ParsePrefix(s)
		if err != nil {
			return netip.Prefix{}, errors.Wrapf(err, "invalid trusted proxy %q", s)
		}
		return p.Masked(), nil
	}
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Prefix{}, errors.Wrapf(err, "invalid trusted proxy %q", s)
	}
	addr = addr.Unmap()
	return netip.PrefixFrom(addr, addr.BitLen()), nil
}

func (r *OriginResolver) isTrusted(host string) bool {
	if r == nil || len(r.trusted) == 0 {
		return false
	}
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	for _, p := range r.trusted {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// Resolve returns the origin of req.
func (r *OriginResolver) Resolve(req *http.Request) string {
	peer := peerHost(req)
	if !r.isTrusted(peer) {
		return peer
	}
	var hops []string
	for _, v := range req.Header.Values("X-Forwarded-For") {
		for _, h := range strings.Split(v, ",") {
			if h = strings.TrimSpace(h); h != "" {
				hops = append(hops, h)
			}
		}
	}
	for i := len(hops) - 1; i >= 0; i-- {
		if !r.isTrusted(hops[i]) {
			return hops[i]
		}
	}
	if len(hops) > 0 {
		return hops[0]
	}
	return peer
}

func peerHost(req *http.Request) string {
	host, _, err := net.SplitHostPort(req.RemoteAddr)
	if err != nil {
		return req.RemoteAddr
	}
	return host
}

func statusForKind(kind ErrorKind) int {
	switch kind {
	case KindRateLimited:
		return http.StatusTooManyRequests
	case KindInvalidRequest:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindProviderUnavailable:
		return http.StatusServiceUnavailable
	case KindProviderError:
		return http.StatusBadGateway
	case KindCancelled:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

type errorBody struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

// WriteError renders err as a JSON error with a status matching its kind.
// Rate-limit denials carry Retry-After and X-RateLimit-Remaining.
func WriteError(w http.ResponseWriter, err error) {
	ue := Classify(err)
	if ue.Kind == KindRateLimited {
		w.Header().Set("Retry-After", strconv.Itoa(ue.RetryAfterSeconds))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(ue.Remaining))
	}
	if ue.Kind == KindInternal {
		log.Error().Err(err).Str("component", "webchat").Msg("request failed")
	}
	writeJSON(w, statusForKind(ue.Kind), map[string]any{"error": errorBody{Kind: ue.Kind, Message: ue.Message}})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func bearerToken(req *http.Request) string {
	h := strings.TrimSpace(req.Header.Get("Authorization"))
	if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}

func authenticate(v auth.Verifier, token string) (auth.Identity, error) {
	id, err := auth.VerifyAccess(v, token)
	if err != nil {
		return auth.Identity{}, &UserError{Kind: KindUnauthorized, Message: "Could not validate credentials.", cause: err}
	}
	return id, nil
}

// NewWSHandler admits the origin, verifies the access token from the token
// query parameter, upgrades and hands the connection to the hub.
func NewWSHandler(hub *StreamHub, verifier auth.Verifier, admitter *ratelimit.Admitter, origins *OriginResolver, upgrader websocket.Upgrader) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		if hub == nil || verifier == nil {
			http.Error(w, "stream service not initialized", http.StatusServiceUnavailable)
			return
		}
		origin := origins.Resolve(req)
		if admitter != nil {
			if err := admitter.Check(req.Context(), ratelimit.CategoryGeneral, ratelimit.Origin(origin)); err != nil {
				WriteError(w, err)
				return
			}
		}
		id, err := authenticate(verifier, req.URL.Query().Get("token"))
		if err != nil {
			WriteError(w, err)
			return
		}
		conn, err := upgrader.Upgrade(w, req, nil)
		if err != nil {
			log.Warn().Err(err).Str("component", "webchat").Str("remote", origin).Msg("ws upgrade failed")
			return
		}
		hub.Serve(Caller{Identity: id.Subject, Origin: origin}, conn)
	}
}

type createChatRequest struct {
	Title        string `json:"title"`
	Model        string `json:"model"`
	SystemPrompt string `json:"systemPrompt"`
}

func NewCreateChatHandler(svc *ChatService, verifier auth.Verifier, origins *OriginResolver) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		id, err := authenticate(verifier, bearerToken(req))
		if err != nil {
			WriteError(w, err)
			return
		}
		var body createChatRequest
		if req.ContentLength != 0 {
			if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
				WriteError(w, &UserError{Kind: KindInvalidRequest, Message: "Malformed request body.", cause: err})
				return
			}
		}
		conv, err := svc.CreateConversation(req.Context(), CreateConversationInput{
			Caller:       Caller{Identity: id.Subject, Origin: origins.Resolve(req)},
			Title:        body.Title,
			Model:        body.Model,
			SystemPrompt: body.SystemPrompt,
		})
		if err != nil {
			WriteError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, conv)
	}
}

type sendMessageRequest struct {
	Content string `json:"content"`
	Model   string `json:"model"`
}

func NewSendMessageHandler(svc *ChatService, verifier auth.Verifier, origins *OriginResolver) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		id, err := authenticate(verifier, bearerToken(req))
		if err != nil {
			WriteError(w, err)
			return
		}
		var body sendMessageRequest
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
			WriteError(w, &UserError{Kind: KindInvalidRequest, Message: "Malformed request body.", cause: err})
			return
		}
		convID := req.PathValue("id")
		if convID == "" {
			WriteError(w, errors.Wrap(ErrNotOwner, "missing chat id"))
			return
		}
		res, err := svc.SendMessage(req.Context(), SendMessageInput{
			Caller:         Caller{Identity: id.Subject, Origin: origins.Resolve(req)},
			ConversationID: convID,
			Content:        body.Content,
			Model:          body.Model,
		})
		if err != nil {
			WriteError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"userMessage": res.UserTurn,
			"aiMessage":   res.AssistantTurn,
			"degraded":    res.Degraded,
		})
	}
}
