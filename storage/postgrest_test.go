package storage

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"petanque-manager.app/cloud/models"
)

func newRESTStorage(t *testing.T, handler http.HandlerFunc) *RESTStorage {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	s := NewRESTStorage(srv.URL+"/", "service-role", 5*time.Second)
	s.now = func() time.Time { return testNow }
	return s
}

func TestRESTStorage_SelectSubscriptions(t *testing.T) {
	s := newRESTStorage(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/rest/v1/pm_subscriptions", r.URL.Path)
		assert.Equal(t, "service-role", r.Header.Get("apikey"))
		assert.Equal(t, "Bearer service-role", r.Header.Get("Authorization"))
		assert.Equal(t, "eq.sub_1", r.URL.Query().Get("provider_subscription_id"))
		assert.Equal(t, "eq.active", r.URL.Query().Get("status"))
		assert.Equal(t, "lte.2024-05-10T12:00:00Z", r.URL.Query().Get("current_period_end"))

		_, _ = io.WriteString(w, `[{"id":"s1","user_id":"u1","plan_id":null,"status":"active",
			"started_at":"2024-03-10T12:00:00+00:00","current_period_end":"2024-04-10T12:00:00+00:00",
			"provider":"stripe","provider_customer_id":"cus_1","provider_subscription_id":"sub_1",
			"provider_session_id":"cs_1","created_at":"2024-03-10T12:00:00+00:00"}]`)
	})

	subs, err := s.SelectSubscriptions(context.Background(), Where(
		Eq(FieldProviderSubscriptionRef, "sub_1"),
		Eq(FieldStatus, "active"),
		AtOrBefore(FieldCurrentPeriodEnd, testNow.AddDate(0, 2, 0)),
	))
	require.NoError(t, err)
	require.Len(t, subs, 1)
	assert.Equal(t, "s1", subs[0].ID)
	assert.Equal(t, "", subs[0].PlanID)
	assert.Equal(t, "cs_1", subs[0].ProviderSessionRef)
	assert.True(t, subs[0].CurrentPeriodEnd.Equal(time.Date(2024, 4, 10, 12, 0, 0, 0, time.UTC)))
}

func TestRESTStorage_IssueSubscription(t *testing.T) {
	var calls []string
	s := newRESTStorage(t, func(w http.ResponseWriter, r *http.Request) {
		calls = append(calls, r.Method+" "+r.URL.Path)
		assert.Equal(t, "return=representation", r.Header.Get("Prefer"))

		var body map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		switch r.URL.Path {
		case "/rest/v1/pm_subscriptions":
			assert.Equal(t, "cs_1", body["provider_session_id"])
			body["id"] = "s1"
		case "/rest/v1/pm_license_keys":
			assert.Equal(t, "s1", body["subscription_id"])
			assert.Equal(t, "PM-AAAA-AAAA-AAAA-AAAA-AAAA", body["license_key"])
			body["id"] = "l1"
		}
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode([]interface{}{body})
	})

	sub := createTestSubscription("u1", "sub_1", "cs_1")
	license := createTestLicense("PM-AAAA-AAAA-AAAA-AAAA-AAAA", "u1")
	require.NoError(t, s.IssueSubscription(context.Background(), sub, license))

	assert.Equal(t, []string{"POST /rest/v1/pm_subscriptions", "POST /rest/v1/pm_license_keys"}, calls)
	assert.Equal(t, "s1", sub.ID)
	assert.Equal(t, "l1", license.ID)
	assert.Equal(t, "s1", license.SubscriptionID)
}

func TestRESTStorage_UpdateLicenses(t *testing.T) {
	s := newRESTStorage(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPatch, r.Method)
		assert.Equal(t, "eq.s1", r.URL.Query().Get("subscription_id"))
		assert.Equal(t, "eq.active", r.URL.Query().Get("status"))

		var body map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "revoked", body["status"])
		assert.NotContains(t, body, "expires_at")

		_, _ = io.WriteString(w, `[{"id":"l1","subscription_id":"s1","user_id":"u1","license_key":"PM-AAAA-AAAA-AAAA-AAAA-AAAA",
			"status":"revoked","label":"License monthly","max_devices":2,
			"created_at":"2024-03-10T12:00:00Z","expires_at":"2024-04-10T12:00:00Z"}]`)
	})

	revoked := models.LicenseRevoked
	licenses, err := s.UpdateLicenses(context.Background(), Where(Eq(FieldSubscriptionID, "s1"), Eq(FieldStatus, "active")), models.LicensePatch{Status: &revoked})
	require.NoError(t, err)
	require.Len(t, licenses, 1)
	assert.Equal(t, models.LicenseRevoked, licenses[0].Status)
	assert.Equal(t, 2, licenses[0].MaxDevices)
}

func TestRESTStorage_RecordEvent(t *testing.T) {
	seen := map[string]bool{}
	s := newRESTStorage(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/rest/v1/pm_processed_events", r.URL.Path)
		switch r.Method {
		case http.MethodPost:
			assert.Equal(t, "return=minimal", r.Header.Get("Prefer"))
			var body map[string]interface{}
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			id := body["id"].(string)
			if seen[id] {
				w.WriteHeader(http.StatusConflict)
				_, _ = io.WriteString(w, `{"code":"23505"}`)
				return
			}
			seen[id] = true
			w.WriteHeader(http.StatusCreated)
		case http.MethodGet:
			assert.Equal(t, "id", r.URL.Query().Get("select"))
			id := strings.TrimPrefix(r.URL.Query().Get("id"), "eq.")
			if seen[id] {
				_, _ = io.WriteString(w, `[{"id":"`+id+`"}]`)
				return
			}
			_, _ = io.WriteString(w, `[]`)
		}
	})
	ctx := context.Background()

	processed, err := s.EventProcessed(ctx, "evt_1")
	require.NoError(t, err)
	assert.False(t, processed)

	ok, err := s.RecordEvent(ctx, "evt_1", "invoice.paid")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.RecordEvent(ctx, "evt_1", "invoice.paid")
	require.NoError(t, err)
	assert.False(t, ok)

	processed, err = s.EventProcessed(ctx, "evt_1")
	require.NoError(t, err)
	assert.True(t, processed)
}

func TestRESTStorage_ResolveOrCreateUser(t *testing.T) {
	t.Run("existing user on a later page", func(t *testing.T) {
		s := newRESTStorage(t, func(w http.ResponseWriter, r *http.Request) {
			require.Equal(t, http.MethodGet, r.Method)
			users := []authUser{}
			if r.URL.Query().Get("page") == "1" {
				for i := 0; i < userPageSize; i++ {
					users = append(users, authUser{ID: "other", Email: "other@example.com"})
				}
			} else {
				users = append(users, authUser{ID: "u2", Email: "A@B.com"})
			}
			_ = json.NewEncoder(w).Encode(map[string]interface{}{"users": users})
		})

		user, err := s.ResolveOrCreateUser(context.Background(), "a@b.com")
		require.NoError(t, err)
		assert.Equal(t, "u2", user.ID)
	})

	t.Run("creates missing user", func(t *testing.T) {
		s := newRESTStorage(t, func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodGet {
				_, _ = io.WriteString(w, `{"users":[]}`)
				return
			}
			var body map[string]interface{}
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.Equal(t, "new@b.com", body["email"])
			assert.Equal(t, true, body["email_confirm"])
			_, _ = io.WriteString(w, `{"id":"u3","email":"new@b.com"}`)
		})

		user, err := s.ResolveOrCreateUser(context.Background(), "new@b.com")
		require.NoError(t, err)
		assert.Equal(t, "u3", user.ID)
	})

	t.Run("registered concurrently", func(t *testing.T) {
		created := false
		s := newRESTStorage(t, func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodPost {
				created = true
				w.WriteHeader(http.StatusUnprocessableEntity)
				_, _ = io.WriteString(w, `{"msg":"already registered"}`)
				return
			}
			if created {
				_, _ = io.WriteString(w, `{"users":[{"id":"u4","email":"race@b.com"}]}`)
				return
			}
			_, _ = io.WriteString(w, `{"users":[]}`)
		})

		user, err := s.ResolveOrCreateUser(context.Background(), "race@b.com")
		require.NoError(t, err)
		assert.Equal(t, "u4", user.ID)
	})
}

func TestRESTStorage_ErrorStatus(t *testing.T) {
	s := newRESTStorage(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = io.WriteString(w, "upstream down")
	})

	_, err := s.SelectLicenses(context.Background(), Where(Eq(FieldKey, "PM-AAAA-AAAA-AAAA-AAAA-AAAA")))
	require.Error(t, err)

	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusServiceUnavailable, se.Status)
	assert.Contains(t, se.Error(), "upstream down")
}

func TestRESTStorage_FindPlanNotFound(t *testing.T) {
	s := newRESTStorage(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "eq.missing", r.URL.Query().Get("code"))
		_, _ = io.WriteString(w, `[]`)
	})

	plan, err := s.FindPlanByCode(context.Background(), "missing")
	require.NoError(t, err)
	assert.Nil(t, plan)
}
