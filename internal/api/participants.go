package api

import (
	"encoding/json"
	"net/http"

	"github.com/buildtall-systems/ordersaga/internal/events"
	"github.com/buildtall-systems/ordersaga/internal/httpclient"
	"go.uber.org/zap"
)

func (s *Server) decodeCommand(w http.ResponseWriter, r *http.Request) (events.OrderEvent, bool) {
	var ev events.OrderEvent
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return ev, false
	}
	if err := ev.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return ev, false
	}
	return ev, true
}

func (s *Server) commandFailed(w http.ResponseWriter, command string, ev events.OrderEvent, err error) {
	s.logger.Error("participant command failed",
		zap.String("command", command),
		zap.Stringer("order_id", ev.OrderID),
		zap.Error(err))
	writeError(w, http.StatusServiceUnavailable, command+" failed")
}

func (s *Server) reserve(w http.ResponseWriter, r *http.Request) {
	ev, ok := s.decodeCommand(w, r)
	if !ok {
		return
	}
	out, err := s.inventory.Reserve(r.Context(), ev)
	if err != nil {
		s.commandFailed(w, "reserve", ev, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) release(w http.ResponseWriter, r *http.Request) {
	ev, ok := s.decodeCommand(w, r)
	if !ok {
		return
	}
	released, err := s.inventory.Release(r.Context(), ev)
	if err != nil {
		s.commandFailed(w, "release", ev, err)
		return
	}
	writeJSON(w, http.StatusOK, httpclient.ReleaseResult{Released: released})
}

func (s *Server) debit(w http.ResponseWriter, r *http.Request) {
	ev, ok := s.decodeCommand(w, r)
	if !ok {
		return
	}
	out, err := s.payment.Debit(r.Context(), ev)
	if err != nil {
		s.commandFailed(w, "debit", ev, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) credit(w http.ResponseWriter, r *http.Request) {
	ev, ok := s.decodeCommand(w, r)
	if !ok {
		return
	}
	refunded, err := s.payment.Credit(r.Context(), ev)
	if err != nil {
		s.commandFailed(w, "credit", ev, err)
		return
	}
	writeJSON(w, http.StatusOK, httpclient.CreditResult{Refunded: refunded})
}
