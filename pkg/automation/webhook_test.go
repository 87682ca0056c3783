package automation

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/dukex/taskflow/pkg/log"
	"github.com/dukex/taskflow/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWebhookAction_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)

		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "secret", r.Header.Get("X-Token"))

		var payload webhookPayload
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		assert.Equal(t, "r1", payload.RuleID)

		if n < 3 {
			w.WriteHeader(http.StatusBadGateway)

			return
		}

		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer server.Close()

	action, err := NewWebhookAction(&models.WebhookConfig{
		URL:     server.URL,
		Headers: map[string]string{"X-Token": "secret"},
		Retries: 3,
	}, server.Client(), 0, 0, log.Discard())
	require.NoError(t, err)

	result, err := action.Execute(t.Context(), &models.AutomationRule{RuleID: "r1", Name: "hook"}, statusEvent())
	require.NoError(t, err)
	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, http.StatusOK, result.(map[string]any)["status_code"])
}

func TestWebhookAction_DoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnprocessableEntity)
	}))
	defer server.Close()

	action, err := NewWebhookAction(&models.WebhookConfig{URL: server.URL}, server.Client(), 4, 0, log.Discard())
	require.NoError(t, err)

	_, err = action.Execute(t.Context(), &models.AutomationRule{RuleID: "r1"}, statusEvent())
	require.ErrorIs(t, err, ErrWebhookRejected)
	assert.Equal(t, int32(1), calls.Load())
}

func TestWebhookAction_GivesUp(t *testing.T) {
	var calls atomic.Int32

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	action, err := NewWebhookAction(&models.WebhookConfig{URL: server.URL}, server.Client(), 2, 0, log.Discard())
	require.NoError(t, err)

	_, err = action.Execute(t.Context(), &models.AutomationRule{RuleID: "r1"}, statusEvent())
	require.ErrorIs(t, err, ErrWebhookServerError)
	assert.Equal(t, int32(3), calls.Load())
}

func TestNewWebhookAction_RequiresURL(t *testing.T) {
	_, err := NewWebhookAction(&models.WebhookConfig{}, nil, 0, 0, log.Discard())
	assert.True(t, models.IsValidationError(err))
}
