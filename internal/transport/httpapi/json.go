package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"github.com/roach88/buyorders/internal/escrow"
	"github.com/roach88/buyorders/internal/market"
	"github.com/roach88/buyorders/internal/sandbox"
	"github.com/roach88/buyorders/internal/settlement"
)

type itemJSON struct {
	Type string            `json:"type"`
	Meta map[string]string `json:"meta,omitempty"`
}

func toItemJSON(it market.Item) itemJSON { return itemJSON{Type: it.Type, Meta: it.Meta} }

func (it itemJSON) item() market.Item { return market.Item{Type: it.Type, Meta: it.Meta} }

type batchJSON struct {
	Item     itemJSON `json:"item"`
	Quantity int      `json:"quantity"`
}

func toBatchesJSON(batches []market.Batch) []batchJSON {
	out := make([]batchJSON, 0, len(batches))
	for _, b := range batches {
		out = append(out, batchJSON{Item: toItemJSON(b.Item), Quantity: b.Quantity})
	}
	return out
}

type orderJSON struct {
	ID                int64           `json:"id"`
	PlacerID          string          `json:"placer_id"`
	PlacerName        string          `json:"placer_name"`
	Item              itemJSON        `json:"item"`
	TotalQuantity     int             `json:"total_quantity"`
	DeliveredQuantity int             `json:"delivered_quantity"`
	UnitPrice         decimal.Decimal `json:"unit_price"`
	Escrowed          decimal.Decimal `json:"escrowed"`
	Status            market.Status   `json:"status"`
	CreatedAt         time.Time       `json:"created_at"`
	ExpiresAt         time.Time       `json:"expires_at"`
	Vault             []batchJSON     `json:"vault,omitempty"`
}

func toOrderJSON(o market.Order) orderJSON {
	escrowed := decimal.Zero
	if o.Status == market.StatusActive || o.Status == market.StatusExpired {
		escrowed = o.Escrowed()
	}
	return orderJSON{
		ID:                o.ID,
		PlacerID:          o.PlacerID,
		PlacerName:        o.PlacerName,
		Item:              toItemJSON(o.Item),
		TotalQuantity:     o.TotalQuantity,
		DeliveredQuantity: o.DeliveredQuantity,
		UnitPrice:         o.UnitPrice,
		Escrowed:          escrowed,
		Status:            o.Status,
		CreatedAt:         o.CreatedAt,
		ExpiresAt:         o.ExpiresAt,
	}
}

func toOrdersJSON(orders []market.Order) []orderJSON {
	out := make([]orderJSON, 0, len(orders))
	for _, o := range orders {
		out = append(out, toOrderJSON(o))
	}
	return out
}

type placeRequest struct {
	PlacerName string          `json:"placer_name"`
	Item       itemJSON        `json:"item"`
	Quantity   int             `json:"quantity"`
	UnitPrice  decimal.Decimal `json:"unit_price"`
}

type deliverRequest struct {
	Quantity int `json:"quantity"`
}

type deliveryJSON struct {
	Flow      string          `json:"flow"`
	OrderID   int64           `json:"order_id"`
	FillerID  string          `json:"filler_id"`
	Quantity  int             `json:"quantity"`
	Paid      decimal.Decimal `json:"paid"`
	Delivered int             `json:"delivered"`
	Status    market.Status   `json:"status"`
}

func toDeliveryJSON(d escrow.Delivery) deliveryJSON {
	return deliveryJSON{
		Flow: d.Flow, OrderID: d.OrderID, FillerID: d.FillerID, Quantity: d.Quantity,
		Paid: d.Paid, Delivered: d.Delivered, Status: d.Status,
	}
}

type cancelRequest struct {
	// Absent toggles default to true.
	RefundMoney *bool `json:"refund_money"`
	ReturnItems *bool `json:"return_items"`
}

func (c cancelRequest) options() escrow.CancelOptions {
	opts := escrow.FullRefund
	if c.RefundMoney != nil {
		opts.RefundMoney = *c.RefundMoney
	}
	if c.ReturnItems != nil {
		opts.ReturnItems = *c.ReturnItems
	}
	return opts
}

type cancellationJSON struct {
	Flow      string          `json:"flow"`
	OrderID   int64           `json:"order_id"`
	PlacerID  string          `json:"placer_id"`
	Refund    decimal.Decimal `json:"refund"`
	Returned  []batchJSON     `json:"returned"`
	Discarded []batchJSON     `json:"discarded"`
	Route     string          `json:"route"`
	Deleted   bool            `json:"deleted"`
}

func toCancellationJSON(c escrow.Cancellation) cancellationJSON {
	return cancellationJSON{
		Flow: c.Flow, OrderID: c.OrderID, PlacerID: c.PlacerID, Refund: c.Refund,
		Returned: toBatchesJSON(c.Returned), Discarded: toBatchesJSON(c.Discarded),
		Route: c.Route, Deleted: c.Deleted,
	}
}

type claimJSON struct {
	Flow    string      `json:"flow"`
	OrderID int64       `json:"order_id"`
	Items   []batchJSON `json:"items"`
	Route   string      `json:"route"`
}

type presenceRequest struct {
	Online bool `json:"online"`
}

type presenceJSON struct {
	ActorID  string          `json:"actor_id"`
	Online   bool            `json:"online"`
	Settled  int             `json:"settled"`
	Partial  int             `json:"partial"`
	Amount   decimal.Decimal `json:"amount"`
	Quantity int             `json:"quantity"`
}

func toPresenceJSON(actorID string, online bool, r settlement.Report) presenceJSON {
	return presenceJSON{
		ActorID: actorID, Online: online, Settled: r.Settled, Partial: r.Partial,
		Amount: r.Amount, Quantity: r.Quantity,
	}
}

type actorJSON struct {
	ID      string          `json:"id"`
	Balance decimal.Decimal `json:"balance"`
	Online  bool            `json:"online"`
	Items   []batchJSON     `json:"items"`
}

func toActorsJSON(actors []sandbox.ActorState) []actorJSON {
	out := make([]actorJSON, 0, len(actors))
	for _, a := range actors {
		out = append(out, actorJSON{ID: a.ID, Balance: a.Balance, Online: a.Online, Items: toBatchesJSON(a.Items)})
	}
	return out
}

type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type errorBody struct {
	Error errorDetail `json:"error"`
	// Result carries what did happen when the error is a desync.
	Result any `json:"result,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// statusOf maps a marketplace error to an HTTP status.
func statusOf(err error) int {
	switch market.CodeOf(err) {
	case market.CodeValidation:
		if errors.Is(err, market.ErrNotPlacer) {
			return http.StatusForbidden
		}
		return http.StatusBadRequest
	case market.CodeUnavailable:
		if errors.Is(err, market.ErrOrderNotFound) {
			return http.StatusNotFound
		}
		return http.StatusConflict
	case market.CodePartialFailure:
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

// writeError writes err. result is included for desyncs, where part of the
// operation took effect.
func writeError(w http.ResponseWriter, err error, result any) {
	code := string(market.CodeOf(err))
	if code == "" {
		code = "INTERNAL"
	}
	body := errorBody{Error: errorDetail{Code: code, Message: err.Error()}}
	if market.IsDesync(err) {
		body.Result = result
	}
	writeJSON(w, statusOf(err), body)
}

func badRequest(w http.ResponseWriter, format string, args ...any) {
	writeJSON(w, http.StatusBadRequest, errorBody{Error: errorDetail{
		Code:    string(market.CodeValidation),
		Message: fmt.Sprintf(format, args...),
	}})
}

// maxRequestBody bounds every JSON request body.
const maxRequestBody = 1 << 20

// decode reads a JSON body of at most maxRequestBody bytes. An empty body
// leaves v untouched.
func decode(w http.ResponseWriter, r *http.Request, v any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("decode request body: %w", err)
	}
	return nil
}
