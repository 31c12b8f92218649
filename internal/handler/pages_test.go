package handler

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/hitoshi/coffeeshop/internal/middleware"
	"github.com/hitoshi/coffeeshop/internal/model"
)

func TestRenderer_RendersEveryPage(t *testing.T) {
	rd := testRenderer(t)
	for _, name := range pageNames {
		w := httptest.NewRecorder()
		rd.Render(w, httptest.NewRequest(http.MethodGet, "/", nil), http.StatusOK, name, &PageData{Title: name})

		if w.Code != http.StatusOK {
			t.Errorf("%s: status = %d, want 200", name, w.Code)
		}
		if ct := w.Header().Get("Content-Type"); ct != "text/html; charset=utf-8" {
			t.Errorf("%s: Content-Type = %q", name, ct)
		}
	}
}

func TestRenderer_FillsViewerAndCSRFToken(t *testing.T) {
	rd := testRenderer(t)
	req := withViewer(httptest.NewRequest(http.MethodGet, "/index", nil), &model.UserData{
		ID: "u", FirstName: "Jane", LastName: "Doe", Email: "jane@example.com",
		Role: model.RoleCustomer, Status: model.StatusActive,
	})
	req.AddCookie(&http.Cookie{Name: middleware.CSRFCookieName, Value: "tok123"})

	w := httptest.NewRecorder()
	rd.Render(w, req, http.StatusOK, PageCustomer, &PageData{Title: "Home"})

	body := w.Body.String()
	for _, want := range []string{"Welcome, Jane", `value="tok123"`, "Sign out"} {
		if !strings.Contains(body, want) {
			t.Errorf("body does not contain %q", want)
		}
	}
}

func TestRenderer_UnknownPage(t *testing.T) {
	w := httptest.NewRecorder()
	testRenderer(t).Render(w, httptest.NewRequest(http.MethodGet, "/", nil), http.StatusOK, "missing", nil)

	if w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", w.Code)
	}
}

func TestPageHandler_EntryShowsAccountStatusNotice(t *testing.T) {
	h := NewPageHandler(testRenderer(t), nil)

	tests := []struct {
		name   string
		viewer *model.UserData
		want   string
	}{
		{"suspended", &model.UserData{ID: "a", FirstName: "Ada", Role: model.RoleAdmin, Status: model.StatusSuspended}, "has been suspended"},
		{"inactive", &model.UserData{ID: "c", FirstName: "Cara", Role: model.RoleCustomer, Status: model.StatusInactive}, "is inactive"},
		{"active", &model.UserData{ID: "c", FirstName: "Cara", Role: model.RoleCustomer, Status: model.StatusActive}, ""},
		{"anonymous", nil, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.viewer != nil {
				req = withViewer(req, tt.viewer)
			}
			w := httptest.NewRecorder()
			h.Page(PageEntry, "Sign in")(w, req)

			body := w.Body.String()
			if tt.want == "" {
				if strings.Contains(body, `class="notice"`) {
					t.Errorf("unexpected status notice in body")
				}
				return
			}
			if !strings.Contains(body, tt.want) || !strings.Contains(body, `href="/contact"`) {
				t.Errorf("body does not contain notice %q with contact link", tt.want)
			}
		})
	}
}

func TestPageHandler_ListsProviders(t *testing.T) {
	h := NewPageHandler(testRenderer(t), []string{"google", "github"})

	w := httptest.NewRecorder()
	h.Page(PageSignup, "Sign up")(w, httptest.NewRequest(http.MethodGet, "/signup", nil))

	body := w.Body.String()
	for _, want := range []string{"/auth/google/login?mode=signup", "/auth/github/login?mode=signup", `data-mode="signup"`} {
		if !strings.Contains(body, want) {
			t.Errorf("body does not contain %q", want)
		}
	}
}

func TestStaticHandler_ServesScript(t *testing.T) {
	w := httptest.NewRecorder()
	StaticHandler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/static/auth.js", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if !strings.Contains(w.Body.String(), "/auth/magic-link") {
		t.Error("unexpected script content")
	}
}
