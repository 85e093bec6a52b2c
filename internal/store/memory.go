package store

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"go_certorch/internal/certerr"
	"go_certorch/internal/model"

	"gorm.io/datatypes"
)

// Memory is a process-local Store. Every method copies records in and out so
// callers never share pointers with the store.
type Memory struct {
	mu sync.Mutex

	certSeq      int
	challengeSeq int

	certs         map[int]*model.Certificate
	slots         map[string]int // slot key -> certificate id
	validations   map[string]int // validation key -> certificate id
	challenges    map[int]*model.ValidationChallenge
	subscriptions map[int]*model.Subscription
	health        map[string]model.ProviderHealthRecord

	// defaultMaxDomains, when positive, creates unknown subscriptions on
	// first use with this limit.
	defaultMaxDomains int
	now               func() time.Time
}

// NewMemory returns an empty Memory store
func NewMemory(defaultMaxDomains int) *Memory {
	return &Memory{
		certs:             make(map[int]*model.Certificate),
		slots:             make(map[string]int),
		validations:       make(map[string]int),
		challenges:        make(map[int]*model.ValidationChallenge),
		subscriptions:     make(map[int]*model.Subscription),
		health:            make(map[string]model.ProviderHealthRecord),
		defaultMaxDomains: defaultMaxDomains,
		now:               time.Now,
	}
}

// PutSubscription seeds or replaces a subscription
func (m *Memory) PutSubscription(sub model.Subscription) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := sub
	m.subscriptions[sub.ID] = &cp
}

// CertificateCount returns how many certificate rows exist
func (m *Memory) CertificateCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.certs)
}

// subscription returns the live subscription record. Caller holds mu.
func (m *Memory) subscription(id int) (*model.Subscription, error) {
	sub, ok := m.subscriptions[id]
	if !ok {
		if m.defaultMaxDomains <= 0 {
			return nil, &certerr.NotFoundError{Resource: "subscription", ID: strconv.Itoa(id)}
		}
		sub = &model.Subscription{ID: id, MaxDomains: m.defaultMaxDomains}
		m.subscriptions[id] = sub
	}
	return sub, nil
}

func (m *Memory) CreateCertificate(_ context.Context, cert *model.Certificate) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if cert.ValidationKey != nil {
		if holderID, ok := m.validations[*cert.ValidationKey]; ok {
			return &certerr.InvalidStateError{
				Current:   m.certs[holderID].Status,
				Operation: "validate " + cert.Domain,
			}
		}
	}

	var sub *model.Subscription
	if cert.SlotKey != nil {
		if holderID, ok := m.slots[*cert.SlotKey]; ok {
			return &certerr.InvalidStateError{
				Current:   m.certs[holderID].Status,
				Operation: "request certificate for " + cert.Domain,
			}
		}
		var err error
		if sub, err = m.subscription(cert.SubscriptionID); err != nil {
			return err
		}
		if sub.CertificateCount >= sub.MaxDomains {
			return &certerr.LimitExceededError{CurrentCount: sub.CertificateCount, Limit: sub.MaxDomains}
		}
	}

	m.certSeq++
	now := m.now()
	cert.ID = m.certSeq
	if cert.Status == "" {
		cert.Status = model.CertificateStatusRequested
	}
	cert.CreatedAt, cert.UpdatedAt = now, now
	m.certs[cert.ID] = cert.Clone()
	if cert.ValidationKey != nil {
		m.validations[*cert.ValidationKey] = cert.ID
	}
	if cert.SlotKey != nil {
		m.slots[*cert.SlotKey] = cert.ID
		sub.CertificateCount++
		sub.UpdatedAt = now
	}
	return nil
}

func (m *Memory) GetCertificate(_ context.Context, id int) (*model.Certificate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.certs[id]
	if !ok {
		return nil, &certerr.NotFoundError{Resource: "certificate", ID: strconv.Itoa(id)}
	}
	return c.Clone(), nil
}

func (m *Memory) FindByProviderID(_ context.Context, providerName, providerCertificateID string) (*model.Certificate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var found *model.Certificate
	for _, c := range m.certs {
		if c.ProviderName == providerName && c.ProviderCertificateID == providerCertificateID {
			if found == nil || c.ID > found.ID {
				found = c
			}
		}
	}
	if found == nil {
		return nil, &certerr.NotFoundError{Resource: "certificate", ID: providerName + "/" + providerCertificateID}
	}
	return found.Clone(), nil
}

func (m *Memory) FindSlotHolder(_ context.Context, subscriptionID int, domain string) (*model.Certificate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.slots[model.SlotKeyFor(subscriptionID, domain)]
	if !ok {
		return nil, nil
	}
	return m.certs[id].Clone(), nil
}

func (m *Memory) FindValidationHolder(_ context.Context, domain string) (*model.Certificate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.validations[domain]
	if !ok {
		return nil, nil
	}
	return m.certs[id].Clone(), nil
}

func (m *Memory) FindSuccessor(_ context.Context, id int) (*model.Certificate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var found *model.Certificate
	for _, c := range m.certs {
		if c.RenewalOfID != nil && *c.RenewalOfID == id {
			if found == nil || c.ID > found.ID {
				found = c
			}
		}
	}
	if found == nil {
		return nil, nil
	}
	return found.Clone(), nil
}

func (m *Memory) sorted(keep func(*model.Certificate) bool) []*model.Certificate {
	out := make([]*model.Certificate, 0)
	for _, c := range m.certs {
		if keep(c) {
			out = append(out, c.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func limitTo(cs []*model.Certificate, limit int) []*model.Certificate {
	if limit > 0 && len(cs) > limit {
		return cs[:limit]
	}
	return cs
}

func (m *Memory) ListByStatus(_ context.Context, statuses []string, limit int) ([]*model.Certificate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	want := make(map[string]bool, len(statuses))
	for _, s := range statuses {
		want[s] = true
	}
	return limitTo(m.sorted(func(c *model.Certificate) bool { return want[c.Status] }), limit), nil
}

func (m *Memory) ListActiveExpiringBefore(_ context.Context, before time.Time, limit int) ([]*model.Certificate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.sorted(func(c *model.Certificate) bool {
		return c.Status == model.CertificateStatusActive && c.ExpiresAt != nil && !c.ExpiresAt.After(before)
	})
	sort.SliceStable(out, func(i, j int) bool { return out[i].ExpiresAt.Before(*out[j].ExpiresAt) })
	return limitTo(out, limit), nil
}

func (m *Memory) ListCertificates(_ context.Context, f ListFilter) ([]*model.Certificate, int64, error) {
	f.Normalize()
	m.mu.Lock()
	defer m.mu.Unlock()
	all := m.sorted(func(c *model.Certificate) bool {
		if f.SubscriptionID != 0 && c.SubscriptionID != f.SubscriptionID {
			return false
		}
		if f.Status != "" && c.Status != f.Status {
			return false
		}
		if f.Domain != "" && !strings.Contains(c.Domain, f.Domain) {
			return false
		}
		return true
	})
	// newest first, like the SQL listing
	sort.Slice(all, func(i, j int) bool { return all[i].ID > all[j].ID })
	total := int64(len(all))
	start := (f.Page - 1) * f.PageSize
	if start >= len(all) {
		return []*model.Certificate{}, total, nil
	}
	end := start + f.PageSize
	if end > len(all) {
		end = len(all)
	}
	return all[start:end], total, nil
}

func (m *Memory) Commit(_ context.Context, ch Change) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	// validate everything before touching state
	for id, status := range ch.Expect {
		c, ok := m.certs[id]
		if !ok {
			return &certerr.NotFoundError{Resource: "certificate", ID: strconv.Itoa(id)}
		}
		if c.Status != status {
			return &certerr.InvalidStateError{Current: c.Status, Operation: "commit " + status + " transition"}
		}
	}
	for _, c := range ch.Certificates {
		if _, ok := m.certs[c.ID]; !ok {
			return &certerr.NotFoundError{Resource: "certificate", ID: strconv.Itoa(c.ID)}
		}
	}
	slots, err := m.rekey(m.slots, ch.Certificates, "take slot ", func(c *model.Certificate) *string { return c.SlotKey })
	if err != nil {
		return err
	}
	validations, err := m.rekey(m.validations, ch.Certificates, "validate ", func(c *model.Certificate) *string { return c.ValidationKey })
	if err != nil {
		return err
	}
	for _, v := range ch.Challenges {
		if _, ok := m.challenges[v.ID]; !ok {
			return &certerr.NotFoundError{Resource: "challenge", ID: strconv.Itoa(v.ID)}
		}
	}
	for id := range ch.SubscriptionDeltas {
		if _, err := m.subscription(id); err != nil {
			return err
		}
	}

	now := m.now()
	for _, c := range ch.Certificates {
		c.UpdatedAt = now
		m.certs[c.ID] = c.Clone()
	}
	m.slots = slots
	m.validations = validations
	for _, v := range ch.NewChallenges {
		m.challengeSeq++
		v.ID = m.challengeSeq
		if v.CreatedAt.IsZero() {
			v.CreatedAt = now
		}
		m.challenges[v.ID] = cloneChallenge(v)
	}
	for _, v := range ch.Challenges {
		m.challenges[v.ID] = cloneChallenge(v)
	}
	for id, delta := range ch.SubscriptionDeltas {
		sub := m.subscriptions[id]
		sub.CertificateCount += delta
		if sub.CertificateCount < 0 {
			sub.CertificateCount = 0
		}
		sub.UpdatedAt = now
	}
	return nil
}

// rekey returns a copy of index with the keys of certs replaced by their new
// values, failing when one is already held by another certificate
func (m *Memory) rekey(index map[string]int, certs []*model.Certificate, op string, key func(*model.Certificate) *string) (map[string]int, error) {
	out := make(map[string]int, len(index))
	changed := make(map[int]bool, len(certs))
	for _, c := range certs {
		changed[c.ID] = true
	}
	for k, v := range index {
		if !changed[v] {
			out[k] = v
		}
	}
	for _, c := range certs {
		k := key(c)
		if k == nil {
			continue
		}
		if holder, ok := out[*k]; ok && holder != c.ID {
			return nil, &certerr.InvalidStateError{Current: m.certs[holder].Status, Operation: op + *k}
		}
		out[*k] = c.ID
	}
	return out, nil
}

func cloneChallenge(v *model.ValidationChallenge) *model.ValidationChallenge {
	cp := *v
	if v.Instructions != nil {
		cp.Instructions = append(datatypes.JSON(nil), v.Instructions...)
	}
	if v.ClosedAt != nil {
		t := *v.ClosedAt
		cp.ClosedAt = &t
	}
	return &cp
}

func (m *Memory) ListChallenges(_ context.Context, certificateID int) ([]*model.ValidationChallenge, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*model.ValidationChallenge, 0)
	for _, v := range m.challenges {
		if v.CertificateID == certificateID {
			out = append(out, cloneChallenge(v))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) ListOverdueChallenges(_ context.Context, now time.Time, limit int) ([]*model.ValidationChallenge, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*model.ValidationChallenge, 0)
	for _, v := range m.challenges {
		if v.Overdue(now) {
			out = append(out, cloneChallenge(v))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) GetSubscription(_ context.Context, id int) (*model.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub, err := m.subscription(id)
	if err != nil {
		return nil, err
	}
	cp := *sub
	return &cp, nil
}

func (m *Memory) SaveHealth(_ context.Context, rec model.ProviderHealthRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec.UpdatedAt = m.now()
	m.health[rec.ProviderName] = rec
	return nil
}

func (m *Memory) LoadHealth(context.Context) ([]model.ProviderHealthRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.ProviderHealthRecord, 0, len(m.health))
	for _, rec := range m.health {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProviderName < out[j].ProviderName })
	return out, nil
}
