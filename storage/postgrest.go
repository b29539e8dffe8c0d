package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"petanque-manager.app/cloud/internal/logger"
	"petanque-manager.app/cloud/models"
)

// Table names in the hosted schema.
const (
	tablePlans         = "pm_plans"
	tableSubscriptions = "pm_subscriptions"
	tableLicenses      = "pm_license_keys"
	tableEvents        = "pm_processed_events"
)

// userPageSize bounds each page of the auth admin user listing.
const userPageSize = 500

// RESTStorage talks to a PostgREST endpoint (Supabase) over HTTP using a
// service credential. Subscription and license are two separate writes here;
// the repair job heals a crash between them.
type RESTStorage struct {
	baseURL    string
	credential string
	client     *http.Client
	now        func() time.Time
}

func NewRESTStorage(baseURL, credential string, timeout time.Duration) *RESTStorage {
	return &RESTStorage{
		baseURL:    strings.TrimRight(baseURL, "/"),
		credential: credential,
		client:     &http.Client{Timeout: timeout},
		now:        time.Now,
	}
}

// StatusError is a non-2xx answer from the REST endpoint.
type StatusError struct {
	Op     string
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s failed: %d %s", e.Op, e.Status, e.Body)
}

type planRow struct {
	ID            string `json:"id"`
	Code          string `json:"code"`
	Name          string `json:"name"`
	BillingPeriod string `json:"billing_period"`
	IncludedSeats int    `json:"included_seats"`
	PriceID       string `json:"stripe_price_id"`
	Active        bool   `json:"is_active"`
}

type subscriptionRow struct {
	ID                     string     `json:"id,omitempty"`
	UserID                 string     `json:"user_id"`
	PlanID                 *string    `json:"plan_id"`
	Status                 string     `json:"status"`
	StartedAt              time.Time  `json:"started_at"`
	CurrentPeriodEnd       time.Time  `json:"current_period_end"`
	Provider               string     `json:"provider"`
	ProviderCustomerID     *string    `json:"provider_customer_id"`
	ProviderSubscriptionID *string    `json:"provider_subscription_id"`
	ProviderSessionID      *string    `json:"provider_session_id"`
	CreatedAt              *time.Time `json:"created_at,omitempty"`
	UpdatedAt              *time.Time `json:"updated_at,omitempty"`
}

type licenseRow struct {
	ID             string     `json:"id,omitempty"`
	SubscriptionID string     `json:"subscription_id"`
	UserID         string     `json:"user_id"`
	LicenseKey     string     `json:"license_key"`
	Status         string     `json:"status"`
	Label          string     `json:"label"`
	MaxDevices     int        `json:"max_devices"`
	CreatedAt      time.Time  `json:"created_at"`
	ExpiresAt      time.Time  `json:"expires_at"`
	UpdatedAt      *time.Time `json:"updated_at,omitempty"`
}

func (s *RESTStorage) FindPlanByID(ctx context.Context, id string) (*models.Plan, error) {
	return s.findPlan(ctx, "id", id)
}

func (s *RESTStorage) FindPlanByCode(ctx context.Context, code string) (*models.Plan, error) {
	return s.findPlan(ctx, "code", code)
}

func (s *RESTStorage) findPlan(ctx context.Context, column, value string) (*models.Plan, error) {
	q := url.Values{}
	q.Set("select", "*")
	q.Set(column, "eq."+value)

	var rows []planRow
	if err := s.do(ctx, http.MethodGet, "/rest/v1/"+tablePlans, q, nil, &rows); err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	r := rows[0]
	return &models.Plan{
		ID:               r.ID,
		Code:             r.Code,
		Name:             r.Name,
		BillingPeriod:    models.Cadence(r.BillingPeriod),
		IncludedSeats:    r.IncludedSeats,
		ProviderPriceRef: r.PriceID,
		Active:           r.Active,
	}, nil
}

func (s *RESTStorage) SavePlan(ctx context.Context, plan *models.Plan) error {
	row := planRow{
		ID:            plan.ID,
		Code:          plan.Code,
		Name:          plan.Name,
		BillingPeriod: string(plan.BillingPeriod),
		IncludedSeats: plan.IncludedSeats,
		PriceID:       plan.ProviderPriceRef,
		Active:        plan.Active,
	}
	q := url.Values{}
	q.Set("on_conflict", "code")

	var rows []planRow
	if err := s.do(ctx, http.MethodPost, "/rest/v1/"+tablePlans, q, row, &rows, "resolution=merge-duplicates"); err != nil {
		return err
	}
	if len(rows) > 0 {
		plan.ID = rows[0].ID
	}
	return nil
}

type authUser struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}

// ResolveOrCreateUser finds the auth user with this email, creating one if
// needed. A 422 on create means another request registered the email first.
func (s *RESTStorage) ResolveOrCreateUser(ctx context.Context, email string) (*models.User, error) {
	user, err := s.findAuthUser(ctx, email)
	if err != nil || user != nil {
		return user, err
	}

	body := map[string]interface{}{
		"email":         email,
		"email_confirm": true,
		"app_metadata":  map[string]string{"provider": models.ProviderStripe},
	}
	var created authUser
	err = s.do(ctx, http.MethodPost, "/auth/v1/admin/users", nil, body, &created)
	var se *StatusError
	if errors.As(err, &se) && se.Status == http.StatusUnprocessableEntity {
		logger.Info("User already registered, re-resolving", map[string]interface{}{"email": email})
		user, err = s.findAuthUser(ctx, email)
		if err != nil {
			return nil, err
		}
		if user == nil {
			return nil, fmt.Errorf("user %s reported as existing but not listed: %w", email, se)
		}
		return user, nil
	}
	if err != nil {
		return nil, err
	}
	return &models.User{ID: created.ID, Email: created.Email, CreatedAt: s.now().UTC()}, nil
}

func (s *RESTStorage) findAuthUser(ctx context.Context, email string) (*models.User, error) {
	for page := 1; ; page++ {
		q := url.Values{}
		q.Set("page", fmt.Sprint(page))
		q.Set("per_page", fmt.Sprint(userPageSize))

		var resp struct {
			Users []authUser `json:"users"`
		}
		if err := s.do(ctx, http.MethodGet, "/auth/v1/admin/users", q, nil, &resp); err != nil {
			return nil, err
		}
		for _, u := range resp.Users {
			if strings.EqualFold(u.Email, email) {
				return &models.User{ID: u.ID, Email: u.Email}, nil
			}
		}
		if len(resp.Users) < userPageSize {
			return nil, nil
		}
	}
}

func (s *RESTStorage) SelectSubscriptions(ctx context.Context, filter Filter) ([]*models.Subscription, error) {
	if err := filter.validateSubscription(); err != nil {
		return nil, err
	}
	q := filterQuery(filter)
	q.Set("select", "*")
	q.Set("order", "created_at.asc")

	var rows []subscriptionRow
	if err := s.do(ctx, http.MethodGet, "/rest/v1/"+tableSubscriptions, q, nil, &rows); err != nil {
		return nil, err
	}
	return toSubscriptions(rows), nil
}

func (s *RESTStorage) InsertSubscription(ctx context.Context, sub *models.Subscription) error {
	row := subscriptionRow{
		ID:                     sub.ID,
		UserID:                 sub.UserID,
		PlanID:                 optional(sub.PlanID),
		Status:                 string(sub.Status),
		StartedAt:              sub.StartedAt.UTC(),
		CurrentPeriodEnd:       sub.CurrentPeriodEnd.UTC(),
		Provider:               sub.Provider,
		ProviderCustomerID:     optional(sub.ProviderCustomerRef),
		ProviderSubscriptionID: optional(sub.ProviderSubscriptionRef),
		ProviderSessionID:      optional(sub.ProviderSessionRef),
	}
	var rows []subscriptionRow
	if err := s.do(ctx, http.MethodPost, "/rest/v1/"+tableSubscriptions, nil, row, &rows); err != nil {
		return err
	}
	if len(rows) == 0 {
		return fmt.Errorf("insert %s returned no rows", tableSubscriptions)
	}
	*sub = *toSubscriptions(rows)[0]
	return nil
}

func (s *RESTStorage) UpdateSubscriptions(ctx context.Context, filter Filter, patch models.SubscriptionPatch) ([]*models.Subscription, error) {
	if err := filter.validateSubscription(); err != nil {
		return nil, err
	}
	body := map[string]interface{}{"updated_at": s.now().UTC()}
	if patch.Status != nil {
		body["status"] = string(*patch.Status)
	}
	if patch.CurrentPeriodEnd != nil {
		body["current_period_end"] = patch.CurrentPeriodEnd.UTC()
	}

	var rows []subscriptionRow
	if err := s.do(ctx, http.MethodPatch, "/rest/v1/"+tableSubscriptions, filterQuery(filter), body, &rows); err != nil {
		return nil, err
	}
	return toSubscriptions(rows), nil
}

func (s *RESTStorage) SelectLicenses(ctx context.Context, filter Filter) ([]*models.LicenseKey, error) {
	if err := filter.validateLicense(); err != nil {
		return nil, err
	}
	q := filterQuery(filter)
	q.Set("select", "*")
	q.Set("order", "created_at.asc")

	var rows []licenseRow
	if err := s.do(ctx, http.MethodGet, "/rest/v1/"+tableLicenses, q, nil, &rows); err != nil {
		return nil, err
	}
	return toLicenses(rows), nil
}

func (s *RESTStorage) InsertLicense(ctx context.Context, license *models.LicenseKey) error {
	if license.CreatedAt.IsZero() {
		license.CreatedAt = s.now().UTC()
	}
	row := licenseRow{
		ID:             license.ID,
		SubscriptionID: license.SubscriptionID,
		UserID:         license.UserID,
		LicenseKey:     license.Key,
		Status:         string(license.Status),
		Label:          license.Label,
		MaxDevices:     license.MaxDevices,
		CreatedAt:      license.CreatedAt.UTC(),
		ExpiresAt:      license.ExpiresAt.UTC(),
	}
	var rows []licenseRow
	if err := s.do(ctx, http.MethodPost, "/rest/v1/"+tableLicenses, nil, row, &rows); err != nil {
		return err
	}
	if len(rows) == 0 {
		return fmt.Errorf("insert %s returned no rows", tableLicenses)
	}
	*license = *toLicenses(rows)[0]
	return nil
}

func (s *RESTStorage) UpdateLicenses(ctx context.Context, filter Filter, patch models.LicensePatch) ([]*models.LicenseKey, error) {
	if err := filter.validateLicense(); err != nil {
		return nil, err
	}
	body := map[string]interface{}{"updated_at": s.now().UTC()}
	if patch.Status != nil {
		body["status"] = string(*patch.Status)
	}
	if patch.ExpiresAt != nil {
		body["expires_at"] = patch.ExpiresAt.UTC()
	}

	var rows []licenseRow
	if err := s.do(ctx, http.MethodPatch, "/rest/v1/"+tableLicenses, filterQuery(filter), body, &rows); err != nil {
		return nil, err
	}
	return toLicenses(rows), nil
}

func (s *RESTStorage) IssueSubscription(ctx context.Context, sub *models.Subscription, license *models.LicenseKey) error {
	if err := s.InsertSubscription(ctx, sub); err != nil {
		return err
	}
	license.SubscriptionID = sub.ID
	return s.InsertLicense(ctx, license)
}

func (s *RESTStorage) EventProcessed(ctx context.Context, id string) (bool, error) {
	q := url.Values{}
	q.Set("select", "id")
	q.Set("id", "eq."+id)
	q.Set("limit", "1")

	var rows []struct {
		ID string `json:"id"`
	}
	if err := s.do(ctx, http.MethodGet, "/rest/v1/"+tableEvents, q, nil, &rows); err != nil {
		return false, err
	}
	return len(rows) > 0, nil
}

func (s *RESTStorage) RecordEvent(ctx context.Context, id, kind string) (bool, error) {
	body := map[string]interface{}{
		"id":           id,
		"kind":         kind,
		"processed_at": s.now().UTC(),
	}
	err := s.do(ctx, http.MethodPost, "/rest/v1/"+tableEvents, nil, body, nil, "return=minimal")
	if err == nil {
		return true, nil
	}
	if errors.Is(err, ErrDuplicate) {
		return false, nil
	}
	return false, err
}

func (s *RESTStorage) Close() error {
	s.client.CloseIdleConnections()
	return nil
}

// do sends one request. A 409 maps to ErrDuplicate. The default Prefer header
// asks PostgREST to return the affected rows.
func (s *RESTStorage) do(ctx context.Context, method, path string, query url.Values, body, out interface{}, prefer ...string) error {
	endpoint := s.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode %s %s: %w", method, path, err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return err
	}
	req.Header.Set("apikey", s.credential)
	req.Header.Set("Authorization", "Bearer "+s.credential)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if len(prefer) == 0 {
		prefer = []string{"return=representation"}
	} else if !strings.HasPrefix(prefer[0], "return=") {
		prefer = append(prefer, "return=representation")
	}
	req.Header.Set("Prefer", strings.Join(prefer, ","))

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			logger.Error("Failed to close response body", map[string]interface{}{"error": err.Error()})
		}
	}()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		se := &StatusError{Op: method + " " + path, Status: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
		if resp.StatusCode == http.StatusConflict {
			return fmt.Errorf("%w: %v", ErrDuplicate, se)
		}
		return se
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}

func filterQuery(filter Filter) url.Values {
	q := url.Values{}
	for _, c := range filter {
		switch c.Op {
		case OpEq:
			q.Add(c.Field, "eq."+c.Value)
		case OpAtOrBefore:
			q.Add(c.Field, "lte."+c.Time.UTC().Format(time.RFC3339Nano))
		}
	}
	return q
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func toSubscriptions(rows []subscriptionRow) []*models.Subscription {
	subs := make([]*models.Subscription, 0, len(rows))
	for _, r := range rows {
		sub := &models.Subscription{
			ID:                      r.ID,
			UserID:                  r.UserID,
			PlanID:                  deref(r.PlanID),
			Status:                  models.SubscriptionStatus(r.Status),
			StartedAt:               r.StartedAt.UTC(),
			CurrentPeriodEnd:        r.CurrentPeriodEnd.UTC(),
			Provider:                r.Provider,
			ProviderCustomerRef:     deref(r.ProviderCustomerID),
			ProviderSubscriptionRef: deref(r.ProviderSubscriptionID),
			ProviderSessionRef:      deref(r.ProviderSessionID),
		}
		if r.CreatedAt != nil {
			sub.CreatedAt = r.CreatedAt.UTC()
		}
		if r.UpdatedAt != nil {
			sub.UpdatedAt = r.UpdatedAt.UTC()
		}
		subs = append(subs, sub)
	}
	return subs
}

func toLicenses(rows []licenseRow) []*models.LicenseKey {
	licenses := make([]*models.LicenseKey, 0, len(rows))
	for _, r := range rows {
		l := &models.LicenseKey{
			ID:             r.ID,
			SubscriptionID: r.SubscriptionID,
			UserID:         r.UserID,
			Key:            r.LicenseKey,
			Status:         models.LicenseStatus(r.Status),
			Label:          r.Label,
			MaxDevices:     r.MaxDevices,
			CreatedAt:      r.CreatedAt.UTC(),
			ExpiresAt:      r.ExpiresAt.UTC(),
		}
		if r.UpdatedAt != nil {
			l.UpdatedAt = r.UpdatedAt.UTC()
		}
		licenses = append(licenses, l)
	}
	return licenses
}
