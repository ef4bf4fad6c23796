package main

import (
	"encoding/hex"
	"encoding/json"
	"io"
	"log"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"nodegate/pkg/audit"
	"nodegate/pkg/encrypt"
	"nodegate/pkg/httpx"
	"nodegate/pkg/stream"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

type uploadJSONRequest struct {
	Message string `json:"message"`
	Encrypt bool   `json:"encrypt"`
}

type uploadResponse struct {
	URL      string `json:"url"`
	Password string `json:"password,omitempty"`
}

// handleUpload stores content on the named backend, optionally
// encrypting it first. Accepts either a multipart form with a "file"
// part or a JSON body carrying the message inline.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	backendName := chi.URLParam(r, "backend")
	backend, err := s.Backends.ByName(backendName)
	if err != nil {
		httpx.Error(w, http.StatusBadRequest, err.Error())
		return
	}

	data, wantEncryption, ok := s.readUploadContent(w, r)
	if !ok {
		return
	}
	if len(data) == 0 {
		httpx.Error(w, http.StatusBadRequest, "empty upload")
		return
	}

	payload, password, err := encrypt.MaybeEncrypt(data, wantEncryption)
	if err != nil {
		log.Printf("upload encryption failed: %v", err)
		httpx.Error(w, http.StatusInternalServerError, "encryption failed")
		return
	}
	name := "fileUpload_" + uuid.New().String() + ".data"
	if password != "" {
		name += ".encrypted"
	}

	url, err := backend.Upload(r.Context(), name, payload)
	if err != nil {
		log.Printf("upload to %s failed: %v", backendName, err)
		httpx.Error(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.Metrics.IncUpload(backendName)
	s.recordUpload(r, audit.Upload{
		UploadID:  uuid.New().String(),
		Backend:   strings.ToLower(backendName),
		URL:       url,
		Encrypted: password != "",
		SizeBytes: int64(len(payload)),
		CreatedAt: time.Now().UTC(),
	})
	s.publishEvent(stream.NewEvent(stream.EventUploadDone, map[string]string{
		"backend": strings.ToLower(backendName),
		"url":     url,
	}))
	httpx.WriteJSON(w, http.StatusOK, uploadResponse{URL: url, Password: password})
}

func (s *Server) readUploadContent(w http.ResponseWriter, r *http.Request) ([]byte, bool, bool) {
	contentType := r.Header.Get("Content-Type")
	if strings.HasPrefix(contentType, "multipart/form-data") {
		if err := r.ParseMultipartForm(s.MaxUploadBytes); err != nil {
			httpx.Error(w, http.StatusBadRequest, "invalid multipart form")
			return nil, false, false
		}
		file, _, err := r.FormFile("file")
		if err != nil {
			httpx.Error(w, http.StatusBadRequest, "file part required")
			return nil, false, false
		}
		defer file.Close()
		data, err := readFilePart(file)
		if err != nil {
			httpx.Error(w, http.StatusBadRequest, "file part unreadable")
			return nil, false, false
		}
		return data, r.FormValue("encrypt") == "true", true
	}

	body, ok := readRequestBody(w, r)
	if !ok {
		return nil, false, false
	}
	var req uploadJSONRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.Error(w, http.StatusBadRequest, "invalid json")
		return nil, false, false
	}
	return []byte(req.Message), req.Encrypt, true
}

func readFilePart(file multipart.File) ([]byte, error) {
	data, err := io.ReadAll(file)
	if err != nil {
		return nil, err
	}
	return data, nil
}

func (s *Server) recordUpload(r *http.Request, rec audit.Upload) {
	if s.Audit == nil {
		return
	}
	if err := s.Audit.AppendUpload(r.Context(), rec); err != nil {
		log.Printf("audit append failed: %v", err)
	}
}

type encryptRequest struct {
	Message string `json:"message"`
	Method  string `json:"method"`
}

type encryptResponse struct {
	Hash      string `json:"hash"`
	Method    string `json:"method"`
	PublicKey string `json:"public_key"`
}

// handleEncrypt encrypts a message against one of the provider's
// published keys so a client can pre-share secrets out of band.
func (s *Server) handleEncrypt(w http.ResponseWriter, r *http.Request) {
	body, ok := readRequestBody(w, r)
	if !ok {
		return
	}
	var req encryptRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.Error(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.Message == "" {
		httpx.Error(w, http.StatusBadRequest, "message is required")
		return
	}

	var (
		ciphertext []byte
		publicKey  string
		err        error
	)
	switch req.Method {
	case "PSK-ECDSA":
		ciphertext, err = encrypt.ECIESEncrypt(&s.Provider.ECDSA().PublicKey, []byte(req.Message))
		publicKey = s.Provider.Address()
	case "PSK-RSA":
		ciphertext, err = encrypt.RSAEncrypt(&s.Provider.RSA().PublicKey, []byte(req.Message))
		publicKey = s.Provider.RSAPublicPEM()
	default:
		httpx.Error(w, http.StatusBadRequest, "method must be PSK-ECDSA or PSK-RSA")
		return
	}
	if err != nil {
		log.Printf("encrypt %s failed: %v", req.Method, err)
		httpx.Error(w, http.StatusInternalServerError, "encryption failed")
		return
	}
	httpx.WriteJSON(w, http.StatusOK, encryptResponse{
		Hash:      hex.EncodeToString(ciphertext),
		Method:    req.Method,
		PublicKey: publicKey,
	})
}
