package main

import (
	"context"
	"net/http"
	"time"

	"nodegate/pkg/httpx"

	"github.com/go-chi/chi/v5"
)

type infoResponse struct {
	Service         string `json:"service"`
	Version         string `json:"version"`
	Network         string `json:"network,omitempty"`
	ProviderAddress string `json:"provider_address"`
	ECDSAPublicKey  string `json:"ecdsa_public_key"`
	RSAPublicKey    string `json:"rsa_public_key,omitempty"`
	BabyjubPublicX  string `json:"babyjub_public_x,omitempty"`
	BabyjubPublicY  string `json:"babyjub_public_y,omitempty"`
}

// handleInfo advertises the provider identity and keys. Network name is
// best effort; a keeper outage must not take the info page down.
func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	info := infoResponse{
		Service:         "nodegate",
		Version:         serviceVersion,
		ProviderAddress: s.Provider.Address(),
		ECDSAPublicKey:  s.Provider.ECDSAPublicKey(),
		RSAPublicKey:    s.Provider.RSAPublicPEM(),
		BabyjubPublicX:  s.Provider.BabyjubPublicX,
		BabyjubPublicY:  s.Provider.BabyjubPublicY,
	}
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if network, err := s.Keeper.NetworkName(ctx); err == nil {
		info.Network = network
	}
	httpx.WriteJSON(w, http.StatusOK, info)
}

// handleDecision returns one audit record by id. Records are stored
// redacted when AUDIT_REDACT is on, so this exposes hashes, not
// addresses.
func (s *Server) handleDecision(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "decision_id")
	if id == "" {
		httpx.Error(w, http.StatusBadRequest, "decision id required")
		return
	}
	rec, err := s.Audit.GetDecision(r.Context(), id)
	if err != nil {
		httpx.Error(w, http.StatusNotFound, "decision not found")
		return
	}
	httpx.WriteJSON(w, http.StatusOK, rec)
}
