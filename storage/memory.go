package storage

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"petanque-manager.app/cloud/models"
)

// MemoryStorage keeps every record in process memory. It enforces the same
// uniqueness rules as the durable backends.
type MemoryStorage struct {
	mu            sync.Mutex
	plans         map[string]models.Plan
	users         map[string]models.User
	subscriptions map[string]models.Subscription
	licenses      map[string]models.LicenseKey
	events        map[string]string
	now           func() time.Time
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		plans:         make(map[string]models.Plan),
		users:         make(map[string]models.User),
		subscriptions: make(map[string]models.Subscription),
		licenses:      make(map[string]models.LicenseKey),
		events:        make(map[string]string),
		now:           time.Now,
	}
}

func (m *MemoryStorage) FindPlanByID(ctx context.Context, id string) (*models.Plan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	plan, exists := m.plans[id]
	if !exists {
		return nil, nil
	}
	return &plan, nil
}

func (m *MemoryStorage) FindPlanByCode(ctx context.Context, code string) (*models.Plan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, plan := range m.plans {
		if plan.Code == code {
			return &plan, nil
		}
	}
	return nil, nil
}

func (m *MemoryStorage) SavePlan(ctx context.Context, plan *models.Plan) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if plan.ID == "" {
		plan.ID = uuid.NewString()
	}
	for id, p := range m.plans {
		if p.Code == plan.Code && id != plan.ID {
			return fmt.Errorf("plan code %q: %w", plan.Code, ErrDuplicate)
		}
	}
	m.plans[plan.ID] = *plan
	return nil
}

func (m *MemoryStorage) ResolveOrCreateUser(ctx context.Context, email string) (*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, user := range m.users {
		if strings.EqualFold(user.Email, email) {
			return &user, nil
		}
	}
	user := models.User{ID: uuid.NewString(), Email: email, CreatedAt: m.now().UTC()}
	m.users[user.ID] = user
	return &user, nil
}

func (m *MemoryStorage) SelectSubscriptions(ctx context.Context, filter Filter) ([]*models.Subscription, error) {
	if err := filter.validateSubscription(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	var subs []*models.Subscription
	for _, sub := range m.subscriptions {
		if matchSubscription(filter, &sub) {
			s := sub
			subs = append(subs, &s)
		}
	}
	sort.Slice(subs, func(i, j int) bool { return subs[i].CreatedAt.Before(subs[j].CreatedAt) })
	return subs, nil
}

func (m *MemoryStorage) InsertSubscription(ctx context.Context, sub *models.Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.insertSubscription(sub)
}

func (m *MemoryStorage) insertSubscription(sub *models.Subscription) error {
	if sub.ID == "" {
		sub.ID = uuid.NewString()
	}
	if _, exists := m.subscriptions[sub.ID]; exists {
		return fmt.Errorf("subscription %s: %w", sub.ID, ErrDuplicate)
	}
	if sub.ProviderSessionRef != "" {
		for _, existing := range m.subscriptions {
			if existing.ProviderSessionRef == sub.ProviderSessionRef {
				return fmt.Errorf("checkout session %s: %w", sub.ProviderSessionRef, ErrDuplicate)
			}
		}
	}
	now := m.now().UTC()
	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = now
	}
	sub.UpdatedAt = now
	m.subscriptions[sub.ID] = *sub
	return nil
}

func (m *MemoryStorage) UpdateSubscriptions(ctx context.Context, filter Filter, patch models.SubscriptionPatch) ([]*models.Subscription, error) {
	if err := filter.validateSubscription(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now().UTC()
	var updated []*models.Subscription
	for id, sub := range m.subscriptions {
		if !matchSubscription(filter, &sub) {
			continue
		}
		patch.Apply(&sub, now)
		m.subscriptions[id] = sub
		s := sub
		updated = append(updated, &s)
	}
	return updated, nil
}

func (m *MemoryStorage) SelectLicenses(ctx context.Context, filter Filter) ([]*models.LicenseKey, error) {
	if err := filter.validateLicense(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	var licenses []*models.LicenseKey
	for _, license := range m.licenses {
		if matchLicense(filter, &license) {
			l := license
			licenses = append(licenses, &l)
		}
	}
	sort.Slice(licenses, func(i, j int) bool { return licenses[i].CreatedAt.Before(licenses[j].CreatedAt) })
	return licenses, nil
}

func (m *MemoryStorage) InsertLicense(ctx context.Context, license *models.LicenseKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.insertLicense(license)
}

func (m *MemoryStorage) insertLicense(license *models.LicenseKey) error {
	if license.ID == "" {
		license.ID = uuid.NewString()
	}
	if _, exists := m.subscriptions[license.SubscriptionID]; !exists {
		return fmt.Errorf("subscription %s not found", license.SubscriptionID)
	}
	for _, existing := range m.licenses {
		if existing.ID == license.ID || existing.Key == license.Key {
			return fmt.Errorf("license %s: %w", license.ID, ErrDuplicate)
		}
		if license.IsActive() && existing.IsActive() && existing.SubscriptionID == license.SubscriptionID {
			return fmt.Errorf("active license for subscription %s: %w", license.SubscriptionID, ErrDuplicate)
		}
	}
	now := m.now().UTC()
	if license.CreatedAt.IsZero() {
		license.CreatedAt = now
	}
	license.UpdatedAt = now
	m.licenses[license.ID] = *license
	return nil
}

func (m *MemoryStorage) UpdateLicenses(ctx context.Context, filter Filter, patch models.LicensePatch) ([]*models.LicenseKey, error) {
	if err := filter.validateLicense(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now().UTC()
	var updated []*models.LicenseKey
	for id, license := range m.licenses {
		if !matchLicense(filter, &license) {
			continue
		}
		patch.Apply(&license, now)
		m.licenses[id] = license
		l := license
		updated = append(updated, &l)
	}
	return updated, nil
}

func (m *MemoryStorage) IssueSubscription(ctx context.Context, sub *models.Subscription, license *models.LicenseKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.insertSubscription(sub); err != nil {
		return err
	}
	license.SubscriptionID = sub.ID
	if err := m.insertLicense(license); err != nil {
		delete(m.subscriptions, sub.ID)
		return err
	}
	return nil
}

func (m *MemoryStorage) EventProcessed(ctx context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	_, exists := m.events[id]
	return exists, nil
}

func (m *MemoryStorage) RecordEvent(ctx context.Context, id, kind string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.events[id]; exists {
		return false, nil
	}
	m.events[id] = kind
	return true, nil
}

func (m *MemoryStorage) Close() error {
	return nil
}

func matchSubscription(filter Filter, s *models.Subscription) bool {
	for _, c := range filter {
		var ok bool
		switch c.Field {
		case FieldID:
			ok = s.ID == c.Value
		case FieldUserID:
			ok = s.UserID == c.Value
		case FieldStatus:
			ok = string(s.Status) == c.Value
		case FieldProviderSubscriptionRef:
			ok = s.ProviderSubscriptionRef == c.Value
		case FieldProviderSessionRef:
			ok = s.ProviderSessionRef == c.Value
		case FieldCurrentPeriodEnd:
			ok = !s.CurrentPeriodEnd.After(c.Time)
		}
		if !ok {
			return false
		}
	}
	return true
}

func matchLicense(filter Filter, l *models.LicenseKey) bool {
	for _, c := range filter {
		var ok bool
		switch c.Field {
		case FieldID:
			ok = l.ID == c.Value
		case FieldUserID:
			ok = l.UserID == c.Value
		case FieldStatus:
			ok = string(l.Status) == c.Value
		case FieldSubscriptionID:
			ok = l.SubscriptionID == c.Value
		case FieldKey:
			ok = l.Key == c.Value
		case FieldExpiresAt:
			ok = !l.ExpiresAt.After(c.Time)
		}
		if !ok {
			return false
		}
	}
	return true
}
