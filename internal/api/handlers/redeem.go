// Package handlers provides the HTTP handlers of the redeem API.
package handlers

import (
	"context"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/apomesh/erx-redeem/internal/api/middleware"
	"github.com/apomesh/erx-redeem/internal/domain/erx"
	"github.com/apomesh/erx-redeem/internal/domain/pharmacy"
	"github.com/apomesh/erx-redeem/internal/redeem"
)

// PharmacyDirectory is the read side of the local pharmacy cache.
type PharmacyDirectory interface {
	LoadCached(ctx context.Context, telematikID string) (*pharmacy.Location, error)
	ListRecentlyUsed(ctx context.Context, limit int) ([]pharmacy.Location, error)
}

// RedeemHandler exposes redemption and option resolution over HTTP.
type RedeemHandler struct {
	flow       *redeem.Flow
	pharmacies PharmacyDirectory
	logger     *zap.Logger
}

// NewRedeemHandler creates the redeem handler.
func NewRedeemHandler(flow *redeem.Flow, pharmacies PharmacyDirectory, logger *zap.Logger) *RedeemHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedeemHandler{flow: flow, pharmacies: pharmacies, logger: logger}
}

// Routes returns the handler routes.
func (h *RedeemHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/orders", h.Redeem)
	r.Get("/pharmacies/recent", h.RecentPharmacies)
	r.Get("/pharmacies/{telematikID}/options", h.Options)
	return r
}

// prescriptionPayload selects one task for redemption.
type prescriptionPayload struct {
	TaskID     string `json:"task_id"`
	AccessCode string `json:"access_code"`
	FlowType   string `json:"flow_type,omitempty"`
}

// pharmacyPayload is an inline pharmacy snapshot for pharmacies not yet in
// the local cache, e.g. straight from a directory search result.
type pharmacyPayload struct {
	TelematikID     string   `json:"telematik_id"`
	Name            string   `json:"name"`
	Types           []string `json:"types"`
	AVSOnPremiseURL string   `json:"avs_onpremise_url,omitempty"`
	AVSShipmentURL  string   `json:"avs_shipment_url,omitempty"`
	AVSDeliveryURL  string   `json:"avs_delivery_url,omitempty"`
	AVSCertsPEM     string   `json:"avs_certificates_pem,omitempty"`
}

// contactPayload is the user-entered contact data.
type contactPayload struct {
	Name         string `json:"name"`
	Street       string `json:"street"`
	Zip          string `json:"zip"`
	City         string `json:"city"`
	Phone        string `json:"phone"`
	Mail         string `json:"mail"`
	DeliveryHint string `json:"delivery_hint"`
}

// RedeemRequest is the request body for placing an order.
type RedeemRequest struct {
	Prescriptions []prescriptionPayload `json:"prescriptions"`
	Option        string                `json:"option"`
	Authenticated bool                  `json:"authenticated"`
	TelematikID   string                `json:"telematik_id"`
	Pharmacy      *pharmacyPayload      `json:"pharmacy,omitempty"`
	Contact       *contactPayload       `json:"contact,omitempty"`
}

// orderResponsePayload is one per-order outcome in the response.
type orderResponsePayload struct {
	TaskID        string `json:"task_id"`
	TransactionID string `json:"transaction_id"`
	Success       bool   `json:"success"`
	Error         string `json:"error,omitempty"`
}

// RedeemResponse is the response body of a finished submission.
type RedeemResponse struct {
	Status    string                 `json:"status"`
	Service   string                 `json:"service"`
	Failed    int                    `json:"failed"`
	Orders    []orderResponsePayload `json:"orders"`
	CreatedAt time.Time              `json:"created_at"`
}

// Redeem handles POST /orders.
func (h *RedeemHandler) Redeem(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tracer := otel.Tracer("redeem-handler")
	ctx, span := tracer.Start(ctx, "redeem_order")
	defer span.End()

	var req RedeemRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if len(req.Prescriptions) == 0 {
		h.jsonError(w, "prescriptions are required", http.StatusBadRequest)
		return
	}

	option := pharmacy.RedeemOption(req.Option)
	switch option {
	case pharmacy.RedeemOptionOnPremise, pharmacy.RedeemOptionDelivery, pharmacy.RedeemOptionShipment:
	default:
		h.jsonError(w, "unknown redeem option", http.StatusBadRequest)
		return
	}

	location, err := h.resolvePharmacy(ctx, req)
	if err != nil {
		h.jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}
	if location == nil {
		h.jsonError(w, "pharmacy not found", http.StatusNotFound)
		return
	}
	span.SetAttributes(attribute.String("telematik_id", location.TelematikID))

	provider := redeem.NewOptionProvider(req.Authenticated, *location)
	service := provider.ServiceFor(option)

	tasks := make([]erx.Task, 0, len(req.Prescriptions))
	for _, p := range req.Prescriptions {
		tasks = append(tasks, erx.Task{
			ID:         p.TaskID,
			AccessCode: p.AccessCode,
			FlowType:   p.FlowType,
		})
	}

	var contact *redeem.ShipmentInfo
	if req.Contact != nil {
		contact = &redeem.ShipmentInfo{
			Name:         req.Contact.Name,
			Street:       req.Contact.Street,
			Zip:          req.Contact.Zip,
			City:         req.Contact.City,
			Phone:        req.Contact.Phone,
			Mail:         req.Contact.Mail,
			DeliveryHint: req.Contact.DeliveryHint,
		}
	}

	outcome, err := h.flow.Redeem(ctx, redeem.Input{
		Prescriptions: tasks,
		Option:        option,
		Service:       service,
		Pharmacy:      *location,
		Contact:       contact,
	})
	if err != nil {
		h.redeemError(w, r, err)
		return
	}

	resp := RedeemResponse{
		Status:    string(outcome.Status),
		Service:   string(service),
		Failed:    outcome.FailedCount,
		CreatedAt: time.Now().UTC(),
	}
	for _, o := range outcome.Responses {
		payload := orderResponsePayload{
			TaskID:        o.Requested.TaskID,
			TransactionID: o.Requested.TransactionID.String(),
			Success:       o.IsSuccess(),
		}
		if o.Result.Err != nil {
			payload.Error = o.Result.Err.Error()
		}
		resp.Orders = append(resp.Orders, payload)
	}

	h.writeJSON(w, http.StatusOK, resp)
}

// redeemError maps flow errors to HTTP status codes.
func (h *RedeemHandler) redeemError(w http.ResponseWriter, r *http.Request, err error) {
	var invalid *redeem.InvalidInputError
	var already *redeem.AlreadyRedeemedError
	switch {
	case errors.As(err, &invalid):
		h.jsonError(w, invalid.Message, http.StatusBadRequest)
	case errors.As(err, &already):
		h.writeJSON(w, http.StatusGone, map[string]any{
			"error":    "tasks already redeemed",
			"task_ids": already.TaskIDs,
		})
	case errors.Is(err, redeem.ErrRedeemInProgress):
		h.jsonError(w, "a redemption is already in progress", http.StatusConflict)
	case errors.Is(err, redeem.ErrNoTokenAvailable):
		h.jsonError(w, "login required", http.StatusUnauthorized)
	case errors.Is(err, redeem.ErrNoService):
		h.jsonError(w, "no redeem service available for this option", http.StatusUnprocessableEntity)
	case errors.Is(err, redeem.ErrMissingAVSEndpoint), errors.Is(err, redeem.ErrMissingAVSCertificate):
		h.jsonError(w, err.Error(), http.StatusUnprocessableEntity)
	default:
		h.logger.Error("redeem failed",
			zap.String("request_id", middleware.GetRequestID(r.Context())),
			zap.Error(err))
		h.jsonError(w, "order submission failed", http.StatusBadGateway)
	}
}

// OptionsResponse lists the resolved service per redeem option.
type OptionsResponse struct {
	TelematikID string            `json:"telematik_id"`
	Services    map[string]string `json:"services"`
	Available   []string          `json:"available"`
}

// Options handles GET /pharmacies/{telematikID}/options.
func (h *RedeemHandler) Options(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	telematikID := chi.URLParam(r, "telematikID")
	authenticated := r.URL.Query().Get("authenticated") == "true"

	location, err := h.pharmacies.LoadCached(ctx, telematikID)
	if err != nil {
		h.logger.Error("loading pharmacy failed",
			zap.String("telematik_id", telematikID), zap.Error(err))
		h.jsonError(w, "loading pharmacy failed", http.StatusInternalServerError)
		return
	}
	if location == nil {
		h.jsonError(w, "pharmacy not found", http.StatusNotFound)
		return
	}

	provider := redeem.NewOptionProvider(authenticated, *location)
	resp := OptionsResponse{
		TelematikID: telematikID,
		Services: map[string]string{
			string(pharmacy.RedeemOptionOnPremise): string(provider.ReservationService()),
			string(pharmacy.RedeemOptionDelivery):  string(provider.DeliveryService()),
			string(pharmacy.RedeemOptionShipment):  string(provider.ShipmentService()),
		},
	}
	for _, opt := range provider.AvailableOptions() {
		resp.Available = append(resp.Available, string(opt))
	}

	h.writeJSON(w, http.StatusOK, resp)
}

// RecentPharmacies handles GET /pharmacies/recent.
func (h *RedeemHandler) RecentPharmacies(w http.ResponseWriter, r *http.Request) {
	locations, err := h.pharmacies.ListRecentlyUsed(r.Context(), 20)
	if err != nil {
		h.logger.Error("listing recent pharmacies failed", zap.Error(err))
		h.jsonError(w, "listing pharmacies failed", http.StatusInternalServerError)
		return
	}

	type recentPayload struct {
		TelematikID string    `json:"telematik_id"`
		Name        string    `json:"name"`
		LastUsed    time.Time `json:"last_used"`
		CountUsage  int       `json:"count_usage"`
	}
	payload := make([]recentPayload, 0, len(locations))
	for _, l := range locations {
		payload = append(payload, recentPayload{
			TelematikID: l.TelematikID,
			Name:        l.Name,
			LastUsed:    l.LastUsed,
			CountUsage:  l.CountUsage,
		})
	}

	h.writeJSON(w, http.StatusOK, payload)
}

// resolvePharmacy prefers the cached snapshot; an inline payload covers
// pharmacies used for the first time.
func (h *RedeemHandler) resolvePharmacy(ctx context.Context, req RedeemRequest) (*pharmacy.Location, error) {
	telematikID := req.TelematikID
	if telematikID == "" && req.Pharmacy != nil {
		telematikID = req.Pharmacy.TelematikID
	}
	if telematikID == "" {
		return nil, errors.New("telematik_id is required")
	}

	location, err := h.pharmacies.LoadCached(ctx, telematikID)
	if err != nil {
		return nil, err
	}
	if location != nil {
		return location, nil
	}
	if req.Pharmacy == nil {
		return nil, nil
	}

	p := req.Pharmacy
	location = &pharmacy.Location{
		TelematikID: p.TelematikID,
		Name:        p.Name,
		Status:      pharmacy.StatusActive,
		Created:     time.Now().UTC(),
	}
	for _, t := range p.Types {
		location.Types = append(location.Types, pharmacy.Type(t))
	}
	if p.AVSOnPremiseURL != "" || p.AVSShipmentURL != "" || p.AVSDeliveryURL != "" {
		location.AVSEndpoints = &pharmacy.AVSEndpoints{
			OnPremiseURL: p.AVSOnPremiseURL,
			ShipmentURL:  p.AVSShipmentURL,
			DeliveryURL:  p.AVSDeliveryURL,
		}
	}
	if p.AVSCertsPEM != "" {
		certs, err := parseCertificates([]byte(p.AVSCertsPEM))
		if err != nil {
			return nil, err
		}
		location.AVSCertificates = certs
	}
	return location, nil
}

func parseCertificates(data []byte) ([]*x509.Certificate, error) {
	var certs []*x509.Certificate
	for len(data) > 0 {
		block, rest := pem.Decode(data)
		if block == nil {
			break
		}
		data = rest
		if block.Type != "CERTIFICATE" {
			continue
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, errors.New("invalid avs certificate")
		}
		certs = append(certs, cert)
	}
	return certs, nil
}

func (h *RedeemHandler) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func (h *RedeemHandler) jsonError(w http.ResponseWriter, message string, code int) {
	h.writeJSON(w, code, map[string]string{"error": message})
}
