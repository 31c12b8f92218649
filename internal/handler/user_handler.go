package handler

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/hitoshi/coffeeshop/internal/model"
	"github.com/hitoshi/coffeeshop/internal/repository"
)

// UserServiceInterface はユーザーハンドラーが必要とするサービスインターフェース。
type UserServiceInterface interface {
	Profile(ctx context.Context, id string) (*model.Profile, error)
	ListProfiles(ctx context.Context, opts repository.ListOptions) ([]*model.Profile, error)
}

// UserHandler はダッシュボード向けのユーザー参照ハンドラー。
type UserHandler struct {
	service UserServiceInterface
}

// NewUserHandler はUserHandlerを生成する。
func NewUserHandler(service UserServiceInterface) *UserHandler {
	return &UserHandler{
		service: service,
	}
}

// userResponse はプロフィールのレスポンス表現。
type userResponse struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	FirstName string    `json:"firstname"`
	LastName  string    `json:"lastname"`
	Phone     *string   `json:"phone"`
	Address   *string   `json:"address"`
	City      *string   `json:"city"`
	Zipcode   *string   `json:"zipcode"`
	Role      string    `json:"role"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}

func toUserResponse(p *model.Profile) userResponse {
	return userResponse{
		ID:        p.ID,
		Email:     p.Email,
		FirstName: p.FirstName,
		LastName:  p.LastName,
		Phone:     p.Phone,
		Address:   p.Address,
		City:      p.City,
		Zipcode:   p.Zipcode,
		Role:      string(p.Role),
		Status:    string(p.Status),
		CreatedAt: p.CreatedAt,
	}
}

// ListUsers はプロフィール一覧を返す。
// GET /api/dashboard/users?role=staff&limit=50&offset=0
func (h *UserHandler) ListUsers(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	opts := repository.ListOptions{Role: model.Role(q.Get("role"))}

	fields := map[string]string{}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			fields["limit"] = "Limit must be a positive number."
		}
		opts.Limit = n
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			fields["offset"] = "Offset must not be negative."
		}
		opts.Offset = n
	}
	if len(fields) > 0 {
		writeAPIError(w, model.NewValidationError(fields))
		return
	}

	profiles, err := h.service.ListProfiles(r.Context(), opts)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	users := make([]userResponse, len(profiles))
	for i, p := range profiles {
		users[i] = toUserResponse(p)
	}
	writeJSON(w, http.StatusOK, map[string]any{"users": users})
}

// GetUser はプロフィールを1件返す。
// GET /api/dashboard/users/{id}
func (h *UserHandler) GetUser(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := uuid.Parse(id); err != nil {
		writeAPIError(w, model.NewProfileNotFoundError())
		return
	}
	p, err := h.service.Profile(r.Context(), id)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toUserResponse(p))
}
