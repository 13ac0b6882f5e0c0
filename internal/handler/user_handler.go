package handler

import (
	"context"
	"net/http"

	"github.com/hitoshi/authstarter/internal/middleware"
	"github.com/hitoshi/authstarter/internal/model"
)

// UserServiceInterface はユーザーハンドラーが必要とするサービスインターフェース。
type UserServiceInterface interface {
	// Profile はストアから最新のプロフィールを取得する。
	Profile(ctx context.Context, userID string) (*model.Profile, error)
}

// UserHandler はユーザー管理のHTTPハンドラー。
type UserHandler struct {
	service UserServiceInterface
	errors  errorWriter
}

// NewUserHandler はUserHandlerを生成する。
func NewUserHandler(service UserServiceInterface, exposeErrors bool) *UserHandler {
	return &UserHandler{
		service: service,
		errors:  errorWriter{exposeDetail: exposeErrors},
	}
}

// Profile はログインユーザーのプロフィールを返す。
// GET /api/users/profile
func (h *UserHandler) Profile(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		middleware.WriteErrorResponse(w, model.NewNotLoggedInError())
		return
	}

	profile, err := h.service.Profile(r.Context(), userID)
	if err != nil {
		h.errors.write(w, r, err)
		return
	}

	successData(w, http.StatusOK, map[string]any{"user": profile})
}
