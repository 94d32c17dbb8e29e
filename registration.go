package oauth

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/evlist/oauth/instrumentation"
	"github.com/evlist/oauth/security"
	"github.com/evlist/oauth/storage"
)

// clientRegistrationRequest represents the JSON request for client registration
type clientRegistrationRequest struct {
	ClientName              string   `json:"client_name"`
	ClientType              string   `json:"client_type"`
	TokenEndpointAuthMethod string   `json:"token_endpoint_auth_method"`
	RedirectURIs            []string `json:"redirect_uris"`
	GrantTypes              []string `json:"grant_types"`
	Scopes                  []string `json:"scopes"`
}

// ServeClientRegistration handles dynamic client registration (RFC 7591)
func (h *Handler) ServeClientRegistration(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	ctx := r.Context()

	var span trace.Span
	if h.tracer != nil {
		ctx, span = h.tracer.Start(ctx, "oauth.http.client_registration")
		defer span.End()
	}

	if r.Method != http.MethodPost {
		h.recordHTTPMetrics("register", r.Method, http.StatusMethodNotAllowed, startTime)
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	clientIP := security.GetClientIP(r, h.server.Config().TrustProxy, h.server.Config().TrustedProxyCount)

	if !h.checkRegistrationRateLimit(w, r, clientIP) {
		h.recordHTTPMetrics("register", http.MethodPost, http.StatusTooManyRequests, startTime)
		instrumentation.SetSpanError(span, "registration rate limit exceeded")
		return
	}

	var req clientRegistrationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.recordHTTPMetrics("register", http.MethodPost, http.StatusBadRequest, startTime)
		instrumentation.RecordError(span, err)
		h.writeError(w, ErrorCodeInvalidRequest, "Invalid JSON", http.StatusBadRequest)
		return
	}

	if len(req.RedirectURIs) == 0 {
		h.recordHTTPMetrics("register", http.MethodPost, http.StatusBadRequest, startTime)
		instrumentation.SetSpanError(span, "redirect_uris missing")
		h.writeError(w, ErrorCodeInvalidRequest, "redirect_uris is required", http.StatusBadRequest)
		return
	}

	client, clientSecret, err := h.server.RegisterClient(ctx, req.ClientName, req.ClientType,
		req.TokenEndpointAuthMethod, req.RedirectURIs, req.Scopes, req.GrantTypes)
	if err != nil {
		h.logger.Warn("Client registration rejected", "ip", clientIP, "error", err)
		if h.server.Auditor() != nil {
			h.server.Auditor().LogEvent(security.Event{
				Type:      security.EventClientRegistrationRejected,
				IPAddress: clientIP,
				Details:   map[string]any{"reason": err.Error()},
			})
		}
		h.recordHTTPMetrics("register", http.MethodPost, http.StatusBadRequest, startTime)
		instrumentation.RecordError(span, err)
		instrumentation.SetSpanError(span, "registration failed")
		h.writeError(w, ErrorCodeInvalidRequest, err.Error(), http.StatusBadRequest)
		return
	}

	h.recordClientRegistered(client.ClientType)
	h.recordHTTPMetrics("register", http.MethodPost, http.StatusCreated, startTime)
	instrumentation.SetSpanAttributes(span,
		attribute.String(instrumentation.AttrClientID, client.ClientID),
		attribute.String(instrumentation.AttrClientType, client.ClientType),
	)
	instrumentation.SetSpanSuccess(span)

	h.writeRegistrationResponse(w, client, clientSecret)
}

// checkRegistrationRateLimit enforces the time-windowed registration limiter
// when one is wired. Returns false when the request was rejected.
func (h *Handler) checkRegistrationRateLimit(w http.ResponseWriter, r *http.Request, clientIP string) bool {
	rl := h.server.ClientRegistrationRateLimiter()
	if rl == nil || rl.Allow(clientIP) {
		return true
	}

	h.logger.Warn("Client registration rate limit exceeded", "ip", clientIP)
	if h.server.Auditor() != nil {
		h.server.Auditor().LogEvent(security.Event{
			Type:      security.EventClientRegistrationRateLimitExceeded,
			IPAddress: clientIP,
		})
	}
	if h.server.Instrumentation() != nil {
		h.server.Instrumentation().Metrics().RecordRateLimitExceeded(r.Context(), "registration")
	}
	h.writeError(w, ErrorCodeRateLimitExceeded,
		"Client registration rate limit exceeded. Please try again later.",
		http.StatusTooManyRequests)
	return false
}

// writeRegistrationResponse writes the client registration response.
// The plaintext secret is only ever returned here; storage keeps the hash.
func (h *Handler) writeRegistrationResponse(w http.ResponseWriter, client *storage.Client, clientSecret string) {
	security.SetSecurityHeaders(w, h.server.Config().Issuer)
	response := map[string]any{
		"client_id":                  client.ClientID,
		"client_name":                client.ClientName,
		"client_type":                client.ClientType,
		"redirect_uris":              client.RedirectURIs,
		"token_endpoint_auth_method": client.TokenEndpointAuthMethod,
		"grant_types":                client.GrantTypes,
		"response_types":             client.ResponseTypes,
		"scopes":                     client.Scopes,
	}

	if clientSecret != "" {
		response["client_secret"] = clientSecret
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(response)
}

func (h *Handler) recordClientRegistered(clientType string) {
	if h.server.Instrumentation() == nil {
		return
	}
	h.server.Instrumentation().Metrics().RecordClientRegistration(context.Background(), clientType)
}
