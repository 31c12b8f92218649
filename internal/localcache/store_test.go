package localcache

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/sessions"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newCookieStore() *sessions.CookieStore {
	store := sessions.NewCookieStore([]byte("0123456789abcdef0123456789abcdef"))
	store.Options = &sessions.Options{Path: "/", MaxAge: 3600, HttpOnly: true}
	return store
}

func carryCookies(rec *httptest.ResponseRecorder) *http.Request {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	for _, c := range rec.Result().Cookies() {
		req.AddCookie(c)
	}
	return req
}

func TestCookieJar_PersistsAcrossRequests(t *testing.T) {
	store := newCookieStore()

	req := httptest.NewRequest(http.MethodGet, "/signup", nil)
	jar := OpenCookieJar(store, req)
	jar.Set(KeyPendingSignup, `{"firstname":"Jane"}`)
	rec := httptest.NewRecorder()
	require.NoError(t, jar.Save(rec, req))

	next := OpenCookieJar(store, carryCookies(rec))
	v, ok := next.Get(KeyPendingSignup)
	assert.True(t, ok)
	assert.Equal(t, `{"firstname":"Jane"}`, v)
}

func TestCookieJar_SaveWithoutChangesWritesNothing(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	jar := OpenCookieJar(newCookieStore(), req)
	_, _ = jar.Get(KeyUserData)

	rec := httptest.NewRecorder()
	require.NoError(t, jar.Save(rec, req))
	assert.Empty(t, rec.Result().Cookies())
}

func TestCookieJar_EmptiedJarDeletesCookie(t *testing.T) {
	store := newCookieStore()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	jar := OpenCookieJar(store, req)
	jar.Set(KeyRememberMe, "true")
	rec := httptest.NewRecorder()
	require.NoError(t, jar.Save(rec, req))

	req2 := carryCookies(rec)
	jar2 := OpenCookieJar(store, req2)
	jar2.Remove(KeyRememberMe)
	rec2 := httptest.NewRecorder()
	require.NoError(t, jar2.Save(rec2, req2))

	cookies := rec2.Result().Cookies()
	require.Len(t, cookies, 1)
	assert.True(t, cookies[0].MaxAge < 0)
}

func TestCookieJar_TamperedCookieIsEmpty(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(&http.Cookie{Name: CookieName, Value: "tampered"})

	jar := OpenCookieJar(newCookieStore(), req)
	_, ok := jar.Get(KeyUserData)
	assert.False(t, ok)

	rec := httptest.NewRecorder()
	require.NoError(t, jar.Save(rec, req))
	assert.Len(t, rec.Result().Cookies(), 1, "tampered cookie is overwritten")
}
