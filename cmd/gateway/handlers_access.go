package main

import (
	"errors"
	"io"
	"log"
	"net/http"
	"strconv"
	"time"

	"nodegate/pkg/assets"
	"nodegate/pkg/audit"
	"nodegate/pkg/claims"
	"nodegate/pkg/httpx"
	"nodegate/pkg/stream"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

func (s *Server) handleAccess(w http.ResponseWriter, r *http.Request) {
	s.serveAsset(w, r, string(claims.PurposeAccess))
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	s.serveAsset(w, r, string(claims.PurposeDownload))
}

func (s *Server) handleNFTAccess(w http.ResponseWriter, r *http.Request) {
	s.serveAsset(w, r, string(claims.PurposeNFTAccess))
}

// serveAsset resolves the indexed file behind the bearer identity and
// either streams it or hands back a fetchable URL. The bearer token
// already carries the policy decision; this path only re-checks shape.
func (s *Server) serveAsset(w http.ResponseWriter, r *http.Request, purpose string) {
	identity, ok := identityFromContext(r.Context())
	if !ok {
		httpx.Error(w, http.StatusUnauthorized, "bearer token required")
		return
	}
	if p, err := (claims.VerifiedClaim{Audience: identity.Audience}).Purpose(); err != nil || string(p) != purpose {
		s.denyAsset(r, identity, purpose, "purpose_mismatch")
		httpx.Error(w, http.StatusForbidden, "token not valid for this operation")
		return
	}
	if agreement := chi.URLParam(r, "agreement_id"); agreement != "" && agreement != identity.AgreementID {
		s.denyAsset(r, identity, purpose, "agreement_mismatch")
		httpx.Error(w, http.StatusForbidden, "token not valid for agreement")
		return
	}
	index, err := strconv.Atoi(chi.URLParam(r, "index"))
	if err != nil {
		httpx.Error(w, http.StatusBadRequest, "invalid file index")
		return
	}
	format := assets.ResultData
	if q := r.URL.Query().Get("result"); q != "" {
		switch assets.Result(q) {
		case assets.ResultData, assets.ResultURL:
			format = assets.Result(q)
		default:
			httpx.Error(w, http.StatusBadRequest, "result must be data or url")
			return
		}
	}

	resolved, err := s.Gate.Resolve(r.Context(), identity, index, format)
	if err != nil {
		switch {
		case errors.Is(err, assets.ErrDIDMissing):
			httpx.Error(w, http.StatusBadRequest, assets.ErrDIDMissing.Error())
		case errors.Is(err, assets.ErrIndexOutOfRange):
			s.denyAsset(r, identity, purpose, "index_out_of_range")
			httpx.Error(w, http.StatusBadRequest, "file index out of range")
		case errors.Is(err, assets.ErrBackendUnsupported):
			httpx.Error(w, http.StatusBadRequest, "asset backend unsupported")
		default:
			log.Printf("asset resolve failed did=%s index=%d: %v", identity.DID, index, err)
			httpx.Error(w, http.StatusInternalServerError, "asset resolution failed")
		}
		return
	}

	s.Metrics.IncPurposeOutcome(purpose, "served")
	s.recordDecision(r, audit.Decision{
		DecisionID:  uuid.New().String(),
		Consumer:    identity.Address,
		DID:         identity.DID,
		AgreementID: identity.AgreementID,
		Purpose:     purpose,
		Outcome:     "served",
		CreatedAt:   time.Now().UTC(),
	})
	s.publishEvent(stream.NewEvent(stream.EventAccessGranted, map[string]string{
		"consumer": identity.Address,
		"did":      identity.DID,
		"purpose":  purpose,
		"index":    strconv.Itoa(index),
	}))

	if resolved.URL != "" {
		httpx.WriteJSON(w, http.StatusOK, map[string]string{"url": resolved.URL})
		return
	}
	defer resolved.Stream.Close()
	contentType := resolved.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", contentType)
	if resolved.Name != "" {
		w.Header().Set("Content-Disposition", `attachment; filename="`+resolved.Name+`"`)
	}
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, readerWithContext(r, resolved.Stream)); err != nil {
		log.Printf("asset stream interrupted did=%s index=%d: %v", identity.DID, index, err)
	}
}

func (s *Server) denyAsset(r *http.Request, identity claims.Identity, purpose, reason string) {
	s.Metrics.IncPurposeOutcome(purpose, "denied")
	s.Metrics.IncReason(reason)
	s.recordDecision(r, audit.Decision{
		DecisionID:  uuid.New().String(),
		Consumer:    identity.Address,
		DID:         identity.DID,
		AgreementID: identity.AgreementID,
		Purpose:     purpose,
		Outcome:     "denied",
		Reason:      reason,
		CreatedAt:   time.Now().UTC(),
	})
	s.publishEvent(stream.NewEvent(stream.EventAccessDenied, map[string]string{
		"consumer": identity.Address,
		"reason":   reason,
	}))
}

// readerWithContext stops a long copy when the client goes away.
type ctxReader struct {
	r   *http.Request
	src io.Reader
}

func readerWithContext(r *http.Request, src io.Reader) io.Reader {
	return &ctxReader{r: r, src: src}
}

func (c *ctxReader) Read(p []byte) (int, error) {
	select {
	case <-c.r.Context().Done():
		return 0, c.r.Context().Err()
	default:
		return c.src.Read(p)
	}
}
