package httputil

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"geofuse/pkg/platform/sentinel"
)

func TestWriteError(t *testing.T) {
	t.Run("internal error omits description", func(t *testing.T) {
		w := httptest.NewRecorder()
		WriteError(w, errors.New("db failed"))

		assert.Equal(t, http.StatusInternalServerError, w.Code)
		var body map[string]string
		require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
		assert.Equal(t, "internal_error", body["error"])
		_, ok := body["error_description"]
		assert.False(t, ok)
	})

	t.Run("wrapped sentinels map to status", func(t *testing.T) {
		cases := []struct {
			err    error
			status int
			code   string
		}{
			{fmt.Errorf("country XX: %w", sentinel.ErrNotFound), http.StatusNotFound, "not_found"},
			{fmt.Errorf("iso2: %w", sentinel.ErrInvalidInput), http.StatusBadRequest, "bad_request"},
			{fmt.Errorf("no cycle yet: %w", sentinel.ErrUnavailable), http.StatusServiceUnavailable, "unavailable"},
		}
		for _, tc := range cases {
			w := httptest.NewRecorder()
			WriteError(w, tc.err)

			assert.Equal(t, tc.status, w.Code)
			var body map[string]string
			require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
			assert.Equal(t, tc.code, body["error"])
			assert.Equal(t, tc.err.Error(), body["error_description"])
		}
	})
}

func TestWriteJSON(t *testing.T) {
	w := httptest.NewRecorder()
	WriteJSON(w, http.StatusAccepted, map[string]int{"n": 3})

	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
	assert.JSONEq(t, `{"n":3}`, w.Body.String())
}
