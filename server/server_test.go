package server_test

import (
	"encoding/json"
	"errors"
	"go/types"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sdss/lvmscp/server"
)

func TestRouteTableBind(t *testing.T) {
	name := "sp1"
	rt := server.RouteTable{
		{Method: http.MethodGet, Path: "/name"}: server.GetString(func() (string, error) { return name, nil }),
		{Method: http.MethodPost, Path: "/name"}: server.SetString(func(s string) error {
			if s == "" {
				return errors.New("empty name")
			}
			name = s
			return nil
		}),
	}
	r := chi.NewRouter()
	rt.Bind(r)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/name", strings.NewReader(`{"str":"sp2"}`)))
	assert.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/name", nil))
	assert.JSONEq(t, `{"str":"sp2"}`, w.Body.String())

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/name", strings.NewReader(`{"str":""}`)))
	assert.Equal(t, http.StatusInternalServerError, w.Code)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/endpoints", nil))
	var eps []string
	require.NoError(t, json.NewDecoder(w.Body).Decode(&eps))
	assert.Equal(t, []string{"GET /name", "POST /name"}, eps)
}

func TestHumanPayload(t *testing.T) {
	tests := []struct {
		name string
		hp   server.HumanPayload
		want string
	}{
		{"float", server.HumanPayload{T: types.Float64, Float: 1.5}, `{"f64":1.5}`},
		{"null float", server.HumanPayload{T: types.Float64, Null: true}, `{"f64":null}`},
		{"int", server.HumanPayload{T: types.Int, Int: 7}, `{"int":7}`},
		{"bool", server.HumanPayload{T: types.Bool, Bool: true}, `{"bool":true}`},
		{"string", server.HumanPayload{T: types.String, String: "IDLE"}, `{"str":"IDLE"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			tt.hp.EncodeAndRespond(w, httptest.NewRequest(http.MethodGet, "/", nil))
			assert.JSONEq(t, tt.want, w.Body.String())
		})
	}
}
