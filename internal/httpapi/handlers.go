package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"strconv"
	"strings"

	logging "github.com/ipfs/go-log/v2"

	"github.com/rmacdonaldsmith/websub-hub-go/internal/hub"
	"github.com/rmacdonaldsmith/websub-hub-go/internal/urlnorm"
	"github.com/rmacdonaldsmith/websub-hub-go/pkg/subscription"
)

var log = logging.Logger("httpapi")

const (
	defaultListLimit = 5
	maxListLimit     = 100
	maxFormBytes     = 1 << 20
)

// Handlers contains all HTTP request handlers
type Handlers struct {
	hub *hub.Hub
}

// NewHandlers creates a new handlers instance
func NewHandlers(h *hub.Hub) *Handlers {
	return &Handlers{hub: h}
}

// Subscribe handles POST / with hub.mode subscribe or unsubscribe
func (h *Handlers) Subscribe(w http.ResponseWriter, r *http.Request) {
	params, err := parseHubParams(w, r)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	req := hub.SubscriptionRequest{
		Callback: params["hub.callback"],
		Mode:     subscription.Mode(params["hub.mode"]),
		Topic:    params["hub.topic"],
		Secret:   params["hub.secret"],
		Format:   params["hub.format"],
	}
	if v := params["hub.lease_seconds"]; v != "" {
		lease, err := strconv.Atoi(v)
		if err != nil {
			writeError(w, "hub.lease_seconds must be an integer", http.StatusBadRequest)
			return
		}
		req.LeaseSeconds = lease
	}
	if v := params["hub.ws"]; v != "" {
		useSocket, err := strconv.ParseBool(v)
		if err != nil {
			writeError(w, "hub.ws must be a boolean", http.StatusBadRequest)
			return
		}
		req.UseSocket = useSocket
	}

	if err := h.hub.HandleSubscription(r.Context(), req); err != nil {
		status := statusForError(err)
		if status >= http.StatusInternalServerError {
			log.Errorw("subscription request failed", "mode", req.Mode, "callback", req.Callback, "error", err)
		}
		writeError(w, err.Error(), status)
		return
	}

	w.WriteHeader(http.StatusOK)
}

// Publish handles POST /publish
func (h *Handlers) Publish(w http.ResponseWriter, r *http.Request) {
	params, err := parseHubParams(w, r)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	if mode := params["hub.mode"]; mode != "" && mode != string(subscription.ModePublish) {
		writeError(w, fmt.Sprintf("unsupported hub.mode %q", mode), http.StatusBadRequest)
		return
	}
	topic := params["hub.url"]
	if topic == "" {
		topic = params["hub.topic"]
	}

	dispatch, err := h.hub.Publish(r.Context(), topic)
	if err != nil {
		status := statusForError(err)
		if status >= http.StatusInternalServerError {
			log.Errorw("publish failed", "topic", topic, "error", err)
		}
		writeError(w, err.Error(), status)
		return
	}

	log.Infow("publish accepted", "topic", dispatch.Topic, "subscribers", dispatch.Subscribers, "publisher", GetPublisher(r))
	w.WriteHeader(http.StatusOK)
}

// ListSubscriptions handles GET /subscriptions?start=&limit=
func (h *Handlers) ListSubscriptions(w http.ResponseWriter, r *http.Request) {
	start, err := queryInt(r, "start", 0)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	limit, err := queryInt(r, "limit", defaultListLimit)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	if limit == 0 {
		writeError(w, "limit must be at least 1", http.StatusBadRequest)
		return
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}

	subs, err := h.hub.ListSubscriptions(r.Context(), start, limit)
	if err != nil {
		writeError(w, "subscriptions could not be listed: "+err.Error(), statusForError(err))
		return
	}

	writeJSON(w, subs, http.StatusOK)
}

// Health handles GET /health
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	status := h.hub.Health(r.Context())
	code := http.StatusOK
	if !status.Healthy {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, status, code)
}

// statusForError maps hub errors onto HTTP status codes
func statusForError(err error) int {
	switch {
	case errors.Is(err, hub.ErrInvalidRequest),
		errors.Is(err, urlnorm.ErrInvalidURL),
		errors.Is(err, hub.ErrSocketDisabled):
		return http.StatusBadRequest
	case errors.Is(err, hub.ErrVerificationDeclined),
		errors.Is(err, hub.ErrVerificationUnreachable):
		return http.StatusForbidden
	case errors.Is(err, hub.ErrNothingToUnsubscribe):
		return http.StatusNotFound
	case errors.Is(err, hub.ErrClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// parseHubParams reads hub.* parameters from a form-encoded or JSON body
func parseHubParams(w http.ResponseWriter, r *http.Request) (map[string]string, error) {
	r.Body = http.MaxBytesReader(w, r.Body, maxFormBytes)

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "application/json" {
		return parseJSONParams(r)
	}

	if err := r.ParseForm(); err != nil {
		return nil, fmt.Errorf("invalid form body: %w", err)
	}
	params := make(map[string]string, len(r.PostForm))
	for k := range r.PostForm {
		params[k] = strings.TrimSpace(r.PostForm.Get(k))
	}
	return params, nil
}

func parseJSONParams(r *http.Request) (map[string]string, error) {
	dec := json.NewDecoder(r.Body)
	dec.UseNumber()

	var raw map[string]interface{}
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("invalid JSON body: %w", err)
	}

	params := make(map[string]string, len(raw))
	for k, v := range raw {
		switch val := v.(type) {
		case nil:
		case string:
			params[k] = strings.TrimSpace(val)
		case json.Number:
			params[k] = val.String()
		case bool:
			params[k] = strconv.FormatBool(val)
		default:
			return nil, fmt.Errorf("field %s must be a scalar", k)
		}
	}
	return params, nil
}

func queryInt(r *http.Request, name string, def int) (int, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%s must be a non-negative integer", name)
	}
	return n, nil
}
