package httpx

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"datapulse/internal/engine"
	"datapulse/internal/models"
	"datapulse/internal/store"
)

// API bundles the handler dependencies. One instance serves all routes.
type API struct {
	Store       *store.Store
	Coordinator *engine.Coordinator
	Resolver    *engine.Resolver
	Fanout      *engine.Fanout
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func readJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		WriteError(w, http.StatusBadRequest, "bad_request", "malformed JSON body")
		return false
	}
	return true
}

func (a *API) Ingest(w http.ResponseWriter, r *http.Request) {
	var rec models.Record
	if !readJSON(w, r, &rec) {
		return
	}
	if rec.Kind == "" {
		WriteError(w, http.StatusBadRequest, "bad_request", "kind is required")
		return
	}
	rec.ID = 0
	if rec.OwnerID == "" {
		rec.OwnerID = Principal(r).OwnerID
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}

	id, err := a.Coordinator.Ingest(rec)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]uint64{"id": id})
}

type subscriptionRequest struct {
	Name      string                  `json:"name"`
	Mode      models.SubscriptionMode `json:"mode"`
	Filter    models.FilterSpec       `json:"filter"`
	ExpiresAt time.Time               `json:"expiresAt"`
}

func (a *API) CreateSubscription(w http.ResponseWriter, r *http.Request) {
	var req subscriptionRequest
	if !readJSON(w, r, &req) {
		return
	}
	if req.Mode != models.ModePolling && req.Mode != models.ModePush {
		WriteError(w, http.StatusBadRequest, "bad_request", "mode must be polling or push")
		return
	}
	if !req.ExpiresAt.IsZero() && req.ExpiresAt.Before(time.Now()) {
		WriteError(w, http.StatusBadRequest, "bad_request", "expiresAt is in the past")
		return
	}

	sub := models.Subscription{
		ID:        uuid.NewString(),
		OwnerID:   Principal(r).OwnerID,
		Name:      req.Name,
		Mode:      req.Mode,
		Filter:    req.Filter,
		Active:    true,
		CreatedAt: time.Now().UTC(),
		ExpiresAt: req.ExpiresAt,
	}
	if err := a.Store.PutSubscription(sub); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sub)
}

func (a *API) ListSubscriptions(w http.ResponseWriter, r *http.Request) {
	p := Principal(r)
	owner := p.OwnerID
	if p.Can("admin") {
		owner = r.URL.Query().Get("owner")
	}
	writeJSON(w, http.StatusOK, a.Store.Subscriptions(owner))
}

// ownedSubscription loads the subscription and enforces ownership. Foreign
// resources read as absent, not forbidden.
func (a *API) ownedSubscription(w http.ResponseWriter, r *http.Request) (models.Subscription, bool) {
	sub, err := a.Store.Subscription(chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return models.Subscription{}, false
	}
	p := Principal(r)
	if !p.Owns(sub.OwnerID) {
		writeDomainError(w, store.ErrSubscriptionNotFound)
		return models.Subscription{}, false
	}
	return sub, true
}

func (a *API) GetSubscription(w http.ResponseWriter, r *http.Request) {
	sub, ok := a.ownedSubscription(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, sub)
}

type subscriptionPatch struct {
	Name      *string            `json:"name"`
	Filter    *models.FilterSpec `json:"filter"`
	Active    *bool              `json:"active"`
	ExpiresAt *time.Time         `json:"expiresAt"`
}

// UpdateSubscription mutates name, filter, active and expiry. Mode is fixed
// for the life of the subscription.
func (a *API) UpdateSubscription(w http.ResponseWriter, r *http.Request) {
	sub, ok := a.ownedSubscription(w, r)
	if !ok {
		return
	}
	var patch subscriptionPatch
	if !readJSON(w, r, &patch) {
		return
	}
	if patch.Name != nil {
		sub.Name = *patch.Name
	}
	if patch.Filter != nil {
		sub.Filter = *patch.Filter
	}
	if patch.Active != nil {
		sub.Active = *patch.Active
	}
	if patch.ExpiresAt != nil {
		sub.ExpiresAt = *patch.ExpiresAt
	}
	if err := a.Store.PutSubscription(sub); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sub)
}

func (a *API) DeleteSubscription(w http.ResponseWriter, r *http.Request) {
	sub, ok := a.ownedSubscription(w, r)
	if !ok {
		return
	}
	if err := a.Store.DeleteSubscription(sub.ID); err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// PollSubscription serves cursor reads for any mode: polling consumers use it
// as their primary channel, push consumers as catch-up after a gap marker or a
// faulted connection. Racing advances stay safe through the monotonic cursor
// guard.
func (a *API) PollSubscription(w http.ResponseWriter, r *http.Request) {
	sub, ok := a.ownedSubscription(w, r)
	if !ok {
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	res, err := a.Resolver.Poll(sub.ID, limit)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type endpointRequest struct {
	URL        string   `json:"url"`
	Secret     string   `json:"secret"`
	EventKinds []string `json:"eventKinds"`
}

func (a *API) CreateEndpoint(w http.ResponseWriter, r *http.Request) {
	var req endpointRequest
	if !readJSON(w, r, &req) {
		return
	}
	u, err := url.Parse(req.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		WriteError(w, http.StatusBadRequest, "bad_request", "url must be absolute http(s)")
		return
	}
	if req.Secret == "" {
		WriteError(w, http.StatusBadRequest, "bad_request", "secret is required")
		return
	}

	ep := models.WebhookEndpoint{
		ID:         uuid.NewString(),
		OwnerID:    Principal(r).OwnerID,
		URL:        req.URL,
		Secret:     req.Secret,
		EventKinds: req.EventKinds,
		Enabled:    true,
		CreatedAt:  time.Now().UTC(),
	}
	if err := a.Store.PutEndpoint(ep); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, ep)
}

func (a *API) ListEndpoints(w http.ResponseWriter, r *http.Request) {
	p := Principal(r)
	owner := p.OwnerID
	if p.Can("admin") {
		owner = r.URL.Query().Get("owner")
	}
	writeJSON(w, http.StatusOK, a.Store.Endpoints(owner))
}

func (a *API) ownedEndpoint(w http.ResponseWriter, r *http.Request) (models.WebhookEndpoint, bool) {
	ep, err := a.Store.Endpoint(chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return models.WebhookEndpoint{}, false
	}
	p := Principal(r)
	if !p.Owns(ep.OwnerID) {
		writeDomainError(w, store.ErrEndpointNotFound)
		return models.WebhookEndpoint{}, false
	}
	return ep, true
}

func (a *API) GetEndpoint(w http.ResponseWriter, r *http.Request) {
	ep, ok := a.ownedEndpoint(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, ep)
}

func (a *API) DeleteEndpoint(w http.ResponseWriter, r *http.Request) {
	ep, ok := a.ownedEndpoint(w, r)
	if !ok {
		return
	}
	if err := a.Store.DeleteEndpoint(ep.ID); err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// EnableEndpoint re-enables delivery and resets the failure counter, the only
// way back after an automatic disable.
func (a *API) EnableEndpoint(w http.ResponseWriter, r *http.Request) {
	ep, ok := a.ownedEndpoint(w, r)
	if !ok {
		return
	}
	updated, err := a.Store.UpdateEndpoint(ep.ID, func(e *models.WebhookEndpoint) {
		e.Enabled = true
		e.ConsecutiveFailures = 0
		e.DisabledAt = time.Time{}
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (a *API) DisableEndpoint(w http.ResponseWriter, r *http.Request) {
	ep, ok := a.ownedEndpoint(w, r)
	if !ok {
		return
	}
	updated, err := a.Store.UpdateEndpoint(ep.ID, func(e *models.WebhookEndpoint) {
		if e.Enabled {
			e.Enabled = false
			e.DisabledAt = time.Now().UTC()
		}
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

// WebhookStats summarizes the caller's webhook surface: endpoint counts plus
// delivery outcomes over the retained attempt window.
type WebhookStats struct {
	Endpoints struct {
		Total    int `json:"total"`
		Enabled  int `json:"enabled"`
		Disabled int `json:"disabled"`
	} `json:"endpoints"`
	Deliveries struct {
		Delivered int `json:"delivered"`
		Failed    int `json:"failed"`
		Abandoned int `json:"abandoned"`
	} `json:"deliveries"`
}

func (a *API) GetWebhookStats(w http.ResponseWriter, r *http.Request) {
	p := Principal(r)
	owner := p.OwnerID
	if p.Can("admin") {
		owner = r.URL.Query().Get("owner")
	}

	var stats WebhookStats
	for _, ep := range a.Store.Endpoints(owner) {
		stats.Endpoints.Total++
		if ep.Enabled {
			stats.Endpoints.Enabled++
		} else {
			stats.Endpoints.Disabled++
		}
		counts, err := a.Store.AttemptCounts(ep.ID)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		stats.Deliveries.Delivered += counts[models.DeliveryDelivered]
		stats.Deliveries.Failed += counts[models.DeliveryFailed]
		stats.Deliveries.Abandoned += counts[models.DeliveryAbandoned]
	}
	writeJSON(w, http.StatusOK, stats)
}

func (a *API) ListDeliveries(w http.ResponseWriter, r *http.Request) {
	ep, ok := a.ownedEndpoint(w, r)
	if !ok {
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	atts, err := a.Store.Attempts(ep.ID, limit)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, atts)
}
