package httpapi

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/roach88/buyorders/internal/escrow"
	"github.com/roach88/buyorders/internal/market"
	"github.com/roach88/buyorders/internal/settlement"
)

// actorOf reads the calling actor from the request headers.
func actorOf(r *http.Request) market.Actor {
	admin, _ := strconv.ParseBool(r.Header.Get("X-Actor-Admin"))
	return market.Actor{ID: r.Header.Get("X-Actor-ID"), Admin: admin}
}

func orderID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		badRequest(w, "invalid order id %q", chi.URLParam(r, "id"))
		return 0, false
	}
	return id, true
}

func forceOf(r *http.Request) bool {
	force, _ := strconv.ParseBool(r.URL.Query().Get("force"))
	return force
}

func (s *Server) listOrders(w http.ResponseWriter, r *http.Request) {
	orders, err := s.market.ActiveOrders(r.Context(), forceOf(r))
	if err != nil {
		writeError(w, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, toOrdersJSON(orders))
}

func (s *Server) placerOrders(w http.ResponseWriter, r *http.Request) {
	orders, err := s.market.PlacerOrders(r.Context(), chi.URLParam(r, "id"), forceOf(r))
	if err != nil {
		writeError(w, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, toOrdersJSON(orders))
}

func (s *Server) showOrder(w http.ResponseWriter, r *http.Request) {
	id, ok := orderID(w, r)
	if !ok {
		return
	}
	o, err := s.market.Order(r.Context(), id)
	if err != nil {
		writeError(w, err, nil)
		return
	}
	vault, err := s.market.Vault(r.Context(), id)
	if err != nil {
		writeError(w, err, nil)
		return
	}
	out := toOrderJSON(o)
	for _, e := range vault {
		out.Vault = append(out.Vault, batchJSON{Item: toItemJSON(e.Batch.Item), Quantity: e.Batch.Quantity})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) placeOrder(w http.ResponseWriter, r *http.Request) {
	var req placeRequest
	if err := decode(w, r, &req); err != nil {
		badRequest(w, "%v", err)
		return
	}
	o, err := s.market.Place(r.Context(), escrow.PlaceRequest{
		PlacerID:   actorOf(r).ID,
		PlacerName: req.PlacerName,
		Item:       req.Item.item(),
		Quantity:   req.Quantity,
		UnitPrice:  req.UnitPrice,
	})
	if err != nil {
		writeError(w, err, nil)
		return
	}
	writeJSON(w, http.StatusCreated, toOrderJSON(o))
}

func (s *Server) deliver(w http.ResponseWriter, r *http.Request) {
	id, ok := orderID(w, r)
	if !ok {
		return
	}
	var req deliverRequest
	if err := decode(w, r, &req); err != nil {
		badRequest(w, "%v", err)
		return
	}
	d, err := s.market.Deliver(r.Context(), actorOf(r).ID, id, req.Quantity)
	if err != nil {
		writeError(w, err, toDeliveryJSON(d))
		return
	}
	writeJSON(w, http.StatusOK, toDeliveryJSON(d))
}

func (s *Server) cancelOrder(w http.ResponseWriter, r *http.Request) {
	id, ok := orderID(w, r)
	if !ok {
		return
	}
	var req cancelRequest
	if err := decode(w, r, &req); err != nil {
		badRequest(w, "%v", err)
		return
	}
	actor := actorOf(r)
	opts := req.options()
	if opts != escrow.FullRefund && !actor.Admin {
		writeJSON(w, http.StatusForbidden, errorBody{Error: errorDetail{
			Code:    string(market.CodeValidation),
			Message: "only operators may withhold a refund or items",
		}})
		return
	}
	c, err := s.market.Cancel(r.Context(), actor, id, opts)
	if err != nil {
		writeError(w, err, toCancellationJSON(c))
		return
	}
	writeJSON(w, http.StatusOK, toCancellationJSON(c))
}

func (s *Server) claim(w http.ResponseWriter, r *http.Request) {
	id, ok := orderID(w, r)
	if !ok {
		return
	}
	c, err := s.market.Claim(r.Context(), actorOf(r), id)
	out := claimJSON{Flow: c.Flow, OrderID: c.OrderID, Items: toBatchesJSON(c.Items), Route: c.Route}
	if err != nil {
		writeError(w, err, out)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) removeOrder(w http.ResponseWriter, r *http.Request) {
	id, ok := orderID(w, r)
	if !ok {
		return
	}
	if err := s.market.Remove(r.Context(), actorOf(r), id); err != nil {
		writeError(w, err, nil)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) sandboxActors(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, toActorsJSON(s.world.Actors()))
}

func (s *Server) setPresence(w http.ResponseWriter, r *http.Request) {
	actorID := chi.URLParam(r, "id")
	var req presenceRequest
	if err := decode(w, r, &req); err != nil {
		badRequest(w, "%v", err)
		return
	}
	s.world.SetOnline(actorID, req.Online)

	var report settlement.Report
	if req.Online && s.flusher != nil {
		var err error
		report, err = s.flusher.Flush(r.Context(), actorID)
		if err != nil {
			s.logger.Warn("flush on presence change failed", "actor", actorID, "error", err)
		}
	}
	writeJSON(w, http.StatusOK, toPresenceJSON(actorID, req.Online, report))
}
