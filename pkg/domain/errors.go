package domain

import (
	"github.com/pkg/errors"
	"net/http"
)

var (
	// ErrLinkNotFound covers unknown, deactivated and time-expired links
	// alike: an anonymous prober must not be able to tell link history
	// apart from a slug that never existed.
	ErrLinkNotFound      = NewErr("LINK_NOT_FOUND", "link not found", http.StatusNotFound)
	ErrLinkGone          = NewErr("LINK_GONE", "link upload quota exhausted", http.StatusGone)
	ErrQuotaExceeded     = NewErr("QUOTA_EXCEEDED", "upload quota exceeded", http.StatusGone)
	ErrInvalidSlug       = NewErr("INVALID_SLUG", "invalid slug format", http.StatusBadRequest)
	ErrInvalidTheme      = NewErr("INVALID_THEME", "unknown theme", http.StatusBadRequest)
	ErrInvalidPublicKey  = NewErr("INVALID_PUBLIC_KEY", "invalid public key", http.StatusBadRequest)
	ErrInvalidRequest    = NewErr("INVALID_REQUEST", "invalid request", http.StatusBadRequest)
	ErrUploadTooLarge    = NewErr("UPLOAD_TOO_LARGE", "upload too large", http.StatusRequestEntityTooLarge)
	ErrNotOwner          = NewErr("NOT_OWNER", "not the link owner", http.StatusForbidden)
	ErrAlreadyAnchored   = NewErr("ALREADY_ANCHORED", "a different key is already anchored", http.StatusConflict)
	ErrRateLimitExceeded = NewErr("RATE_LIMIT_EXCEEDED", "rate limit exceeded", http.StatusTooManyRequests)
	ErrInternalServer    = NewErr("INTERNAL_ERROR", "internal error", http.StatusInternalServerError)
	ErrSlugGeneration    = NewErr("SLUG_GENERATION_FAILED", "slug generation failed", http.StatusInternalServerError)
)

type Err struct {
	Code   string `json:"code"`
	Msg    string `json:"message"`
	Status int    `json:"-"`
}

func (e *Err) Error() string { return e.Msg }
func NewErr(code, msg string, status int) *Err {
	return &Err{Code: code, Msg: msg, Status: status}
}

type ErrResp struct {
	Error ErrDetail `json:"error"`
}
type ErrDetail struct {
	Code string                 `json:"code"`
	Msg  string                 `json:"message"`
	Meta map[string]interface{} `json:"meta,omitempty"`
}

func ToResp(err error) ErrResp {
	if e, ok := err.(*Err); ok {
		return ErrResp{Error: ErrDetail{Code: e.Code, Msg: e.Msg}}
	}
	if e, ok := errors.Cause(err).(*Err); ok {
		return ErrResp{Error: ErrDetail{Code: e.Code, Msg: e.Msg}}
	}
	return ErrResp{Error: ErrDetail{Code: "INTERNAL_ERROR", Msg: "internal error"}}
}

func Status(err error) int {
	if e, ok := err.(*Err); ok {
		return e.Status
	}
	if e, ok := errors.Cause(err).(*Err); ok {
		return e.Status
	}
	return http.StatusInternalServerError
}
