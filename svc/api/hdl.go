package api

import (
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/hlog"

	"veil/cfg"
	"veil/pkg/domain"
	"veil/pkg/keys"
	"veil/svc/blob"
	"veil/svc/svc"
	"veil/svc/util"
)

const (
	maxJSONRequestSize = 16 * 1024
	// Multipart framing plus the base64 metadata fields on top of the
	// ciphertext itself.
	multipartOverhead = 64 * 1024
)

type Hdl struct {
	link  *svc.Link
	vault *svc.Vault
	cfg   *cfg.Cfg
}

type CreateLinkReq struct {
	PublicKey   []byte `json:"public_key"`
	Theme       string `json:"theme"`
	ContentSlug string `json:"content_slug"`
	ExpiresIn   string `json:"expires_in,omitempty"`
	MaxUploads  int    `json:"max_uploads,omitempty"`
}

type CreateLinkResp struct {
	Slug       string     `json:"slug"`
	URL        string     `json:"url"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
	MaxUploads int        `json:"max_uploads"`
}

func (h *Hdl) CreateLink(w http.ResponseWriter, r *http.Request) {
	log := hlog.FromRequest(r)
	requestID := util.GetRequestID(r.Context())
	keyHash, ok := keyHashFromRequest(r)
	if !ok {
		writeErr(w, domain.ErrInvalidRequest, requestID)
		return
	}
	var req CreateLinkReq
	if !decodeJSON(w, r, &req, requestID) {
		return
	}
	expiresIn := time.Duration(0)
	if req.ExpiresIn != "" {
		d, err := time.ParseDuration(req.ExpiresIn)
		if err != nil || d <= 0 {
			log.Warn().Str("request_id", requestID).Msg("invalid expires_in")
			writeErr(w, domain.ErrInvalidRequest, requestID)
			return
		}
		expiresIn = d
	}
	link, receiveURL, err := h.link.Create(r.Context(), domain.CreateLinkParams{
		PublicKey:   req.PublicKey,
		Theme:       req.Theme,
		ContentSlug: req.ContentSlug,
		CreatorHash: keyHash,
		ExpiresIn:   expiresIn,
		MaxUploads:  req.MaxUploads,
	})
	if err != nil {
		if domain.Status(err) < 500 {
			writeErr(w, err, requestID)
			return
		}
		log.Error().Err(err).Str("request_id", requestID).Msg("failed to create link")
		writeErr(w, domain.ErrInternalServer, requestID)
		return
	}
	log.Info().
		Str("theme", link.Theme).
		Int("max_uploads", link.MaxUploads).
		Str("request_id", requestID).
		Msg("burner link created")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(CreateLinkResp{
		Slug:       link.Slug,
		URL:        receiveURL,
		ExpiresAt:  link.ExpiresAt,
		MaxUploads: link.MaxUploads,
	})
}

func (h *Hdl) LookupLink(w http.ResponseWriter, r *http.Request) {
	log := hlog.FromRequest(r)
	requestID := util.GetRequestID(r.Context())
	slug := chi.URLParam(r, "slug")
	info, err := h.link.Lookup(r.Context(), slug)
	if err != nil {
		if domain.Status(err) < 500 {
			writeErr(w, err, requestID)
			return
		}
		log.Error().Err(err).Str("request_id", requestID).Msg("lookup failed")
		writeErr(w, domain.ErrInternalServer, requestID)
		return
	}
	json.NewEncoder(w).Encode(info)
}

type UploadResp struct {
	CID        string    `json:"cid"`
	Size       int64     `json:"size"`
	UploadedAt time.Time `json:"uploaded_at"`
}

func (h *Hdl) Upload(w http.ResponseWriter, r *http.Request) {
	log := hlog.FromRequest(r)
	requestID := util.GetRequestID(r.Context())
	slug := chi.URLParam(r, "slug")

	r.Body = http.MaxBytesReader(w, r.Body, h.cfg.MaxUploadSize+multipartOverhead)
	if err := r.ParseMultipartForm(h.cfg.MaxUploadSize + multipartOverhead); err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			log.Warn().Str("request_id", requestID).Msg("upload body over size cap")
			writeErr(w, domain.ErrUploadTooLarge, requestID)
			return
		}
		log.Warn().Str("request_id", requestID).Msg("malformed multipart body")
		writeErr(w, domain.ErrInvalidRequest, requestID)
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, _, err := r.FormFile("file")
	if err != nil {
		writeErr(w, domain.ErrInvalidRequest, requestID)
		return
	}
	defer file.Close()
	data, err := io.ReadAll(io.LimitReader(file, h.cfg.MaxUploadSize+1))
	if err != nil {
		writeErr(w, domain.ErrInvalidRequest, requestID)
		return
	}

	eph, err1 := base64.StdEncoding.DecodeString(r.FormValue("ephemeral_public_key"))
	iv, err2 := base64.StdEncoding.DecodeString(r.FormValue("iv"))
	salt, err3 := base64.StdEncoding.DecodeString(r.FormValue("salt"))
	if err1 != nil || err2 != nil || err3 != nil {
		writeErr(w, domain.ErrInvalidRequest, requestID)
		return
	}

	up, err := h.link.Upload(r.Context(), slug, data, eph, iv, salt)
	if err != nil {
		if domain.Status(err) < 500 {
			writeErr(w, err, requestID)
			return
		}
		log.Error().Err(err).Str("request_id", requestID).Msg("upload failed")
		writeErr(w, domain.ErrInternalServer, requestID)
		return
	}
	log.Info().
		Int64("size", up.Size).
		Str("request_id", requestID).
		Msg("upload accepted")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(UploadResp{
		CID:        up.CID,
		Size:       up.Size,
		UploadedAt: up.UploadedAt,
	})
}

func (h *Hdl) DeactivateLink(w http.ResponseWriter, r *http.Request) {
	log := hlog.FromRequest(r)
	requestID := util.GetRequestID(r.Context())
	slug := chi.URLParam(r, "slug")
	keyHash, ok := keyHashFromRequest(r)
	if !ok {
		writeErr(w, domain.ErrInvalidRequest, requestID)
		return
	}
	if err := h.link.Deactivate(r.Context(), slug, keyHash); err != nil {
		if domain.Status(err) < 500 {
			writeErr(w, err, requestID)
			return
		}
		log.Error().Err(err).Str("request_id", requestID).Msg("deactivate failed")
		writeErr(w, domain.ErrInternalServer, requestID)
		return
	}
	json.NewEncoder(w).Encode(map[string]string{"status": "deactivated"})
}

func (h *Hdl) ListUploads(w http.ResponseWriter, r *http.Request) {
	log := hlog.FromRequest(r)
	requestID := util.GetRequestID(r.Context())
	slug := chi.URLParam(r, "slug")
	keyHash, ok := keyHashFromRequest(r)
	if !ok {
		writeErr(w, domain.ErrInvalidRequest, requestID)
		return
	}
	ups, err := h.link.ListUploads(r.Context(), slug, keyHash)
	if err != nil {
		if domain.Status(err) < 500 {
			writeErr(w, err, requestID)
			return
		}
		log.Error().Err(err).Str("request_id", requestID).Msg("list uploads failed")
		writeErr(w, domain.ErrInternalServer, requestID)
		return
	}
	json.NewEncoder(w).Encode(map[string]interface{}{"uploads": ups})
}

func (h *Hdl) FetchUpload(w http.ResponseWriter, r *http.Request) {
	log := hlog.FromRequest(r)
	requestID := util.GetRequestID(r.Context())
	slug := chi.URLParam(r, "slug")
	cid := chi.URLParam(r, "cid")
	keyHash, ok := keyHashFromRequest(r)
	if !ok {
		writeErr(w, domain.ErrInvalidRequest, requestID)
		return
	}
	data, err := h.link.FetchUpload(r.Context(), slug, keyHash, cid)
	if err != nil {
		if errors.Is(err, blob.ErrNotFound) {
			writeErr(w, domain.ErrLinkNotFound, requestID)
			return
		}
		if domain.Status(err) < 500 {
			writeErr(w, err, requestID)
			return
		}
		log.Error().Err(err).Str("request_id", requestID).Msg("fetch upload failed")
		writeErr(w, domain.ErrInternalServer, requestID)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.Write(data)
}

type AnchorReq struct {
	KeyHash string `json:"key_hash"`
}

func (h *Hdl) AnchorKey(w http.ResponseWriter, r *http.Request) {
	log := hlog.FromRequest(r)
	requestID := util.GetRequestID(r.Context())
	var req AnchorReq
	if !decodeJSON(w, r, &req, requestID) {
		return
	}
	if err := h.vault.Anchor(r.Context(), req.KeyHash); err != nil {
		if domain.Status(err) < 500 {
			writeErr(w, err, requestID)
			return
		}
		log.Error().Err(err).Str("request_id", requestID).Msg("anchor failed")
		writeErr(w, domain.ErrInternalServer, requestID)
		return
	}
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(map[string]string{"status": "anchored"})
}

func (h *Hdl) GetAnchor(w http.ResponseWriter, r *http.Request) {
	log := hlog.FromRequest(r)
	requestID := util.GetRequestID(r.Context())
	hash, err := h.vault.Anchored(r.Context())
	if err != nil {
		log.Error().Err(err).Str("request_id", requestID).Msg("anchor read failed")
		writeErr(w, domain.ErrInternalServer, requestID)
		return
	}
	json.NewEncoder(w).Encode(map[string]string{"key_hash": hash})
}

func (h *Hdl) VerifyKey(w http.ResponseWriter, r *http.Request) {
	log := hlog.FromRequest(r)
	requestID := util.GetRequestID(r.Context())
	var req AnchorReq
	if !decodeJSON(w, r, &req, requestID) {
		return
	}
	verified, err := h.vault.VerifyKey(r.Context(), req.KeyHash)
	if err != nil {
		if domain.Status(err) < 500 {
			writeErr(w, err, requestID)
			return
		}
		log.Error().Err(err).Str("request_id", requestID).Msg("verify failed")
		writeErr(w, domain.ErrInternalServer, requestID)
		return
	}
	json.NewEncoder(w).Encode(map[string]bool{"verified": verified})
}

type RegisterDeviceReq struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

func (h *Hdl) RegisterDevice(w http.ResponseWriter, r *http.Request) {
	log := hlog.FromRequest(r)
	requestID := util.GetRequestID(r.Context())
	keyHash, ok := keyHashFromRequest(r)
	if !ok {
		writeErr(w, domain.ErrInvalidRequest, requestID)
		return
	}
	var req RegisterDeviceReq
	if !decodeJSON(w, r, &req, requestID) {
		return
	}
	d := &domain.Device{Name: req.Name, Type: req.Type, UserKeyHash: keyHash}
	if err := h.vault.RegisterDevice(r.Context(), d); err != nil {
		if domain.Status(err) < 500 {
			writeErr(w, err, requestID)
			return
		}
		log.Error().Err(err).Str("request_id", requestID).Msg("device registration failed")
		writeErr(w, domain.ErrInternalServer, requestID)
		return
	}
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(d)
}

func (h *Hdl) ListDevices(w http.ResponseWriter, r *http.Request) {
	log := hlog.FromRequest(r)
	requestID := util.GetRequestID(r.Context())
	keyHash, ok := keyHashFromRequest(r)
	if !ok {
		writeErr(w, domain.ErrInvalidRequest, requestID)
		return
	}
	devs, err := h.vault.ListDevices(r.Context(), keyHash)
	if err != nil {
		if domain.Status(err) < 500 {
			writeErr(w, err, requestID)
			return
		}
		log.Error().Err(err).Str("request_id", requestID).Msg("device listing failed")
		writeErr(w, domain.ErrInternalServer, requestID)
		return
	}
	json.NewEncoder(w).Encode(map[string]interface{}{"devices": devs})
}

// keyHashFromRequest reads and shape-checks the owner's key hash
// header. The hash is a correlation handle, not an authentication
// secret; ownership checks still happen against storage.
func keyHashFromRequest(r *http.Request) (string, bool) {
	h := r.Header.Get("X-Key-Hash")
	digest, ok := strings.CutPrefix(h, keys.HashPrefix)
	if !ok {
		return "", false
	}
	raw, err := hex.DecodeString(digest)
	if err != nil || len(raw) != 32 {
		return "", false
	}
	return h, true
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst interface{}, requestID string) bool {
	contentType := r.Header.Get("Content-Type")
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil || mediaType != "application/json" {
		w.WriteHeader(http.StatusUnsupportedMediaType)
		json.NewEncoder(w).Encode(map[string]string{
			"error":      "expected Content-Type: application/json",
			"request_id": requestID,
		})
		return false
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONRequestSize)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeErr(w, domain.ErrInvalidRequest, requestID)
		return false
	}
	return true
}

func writeErr(w http.ResponseWriter, err error, requestID string) {
	statusCode := domain.Status(err)
	w.WriteHeader(statusCode)
	errorMsg := domain.ToResp(err).Error.Msg
	if statusCode >= 500 {
		errorMsg = "internal server error"
		util.Error().
			Err(err).
			Str("request_id", requestID).
			Msg("internal error with detailed info")
	}
	json.NewEncoder(w).Encode(map[string]string{
		"error":      errorMsg,
		"request_id": requestID,
	})
}
