package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"go_certorch/internal/certerr"
	"go_certorch/internal/model"
)

// Gorm is the MySQL-backed Store. The *gorm.DB must be opened with
// TranslateError so unique-index violations surface as gorm.ErrDuplicatedKey.
type Gorm struct {
	db *gorm.DB
}

// NewGorm wraps db
func NewGorm(db *gorm.DB) *Gorm {
	return &Gorm{db: db}
}

func notFound(resource string, id int) error {
	return &certerr.NotFoundError{Resource: resource, ID: strconv.Itoa(id)}
}

func (g *Gorm) CreateCertificate(ctx context.Context, cert *model.Certificate) error {
	if cert.Status == "" {
		cert.Status = model.CertificateStatusRequested
	}

	err := g.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if cert.SlotKey != nil {
			// claim one unit of quota (optimistic conditional update)
			result := tx.Model(&model.Subscription{}).
				Where("id = ? AND certificate_count < max_domains", cert.SubscriptionID).
				Update("certificate_count", gorm.Expr("certificate_count + 1"))
			if result.Error != nil {
				return result.Error
			}
			if result.RowsAffected == 0 {
				var sub model.Subscription
				if err := tx.First(&sub, cert.SubscriptionID).Error; err != nil {
					if errors.Is(err, gorm.ErrRecordNotFound) {
						return notFound("subscription", cert.SubscriptionID)
					}
					return err
				}
				return &certerr.LimitExceededError{CurrentCount: sub.CertificateCount, Limit: sub.MaxDomains}
			}
		}
		return tx.Create(cert).Error
	})
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		holder, ferr := g.FindSlotHolder(ctx, cert.SubscriptionID, cert.Domain)
		if ferr == nil && holder == nil && cert.ValidationKey != nil {
			holder, ferr = g.FindValidationHolder(ctx, cert.Domain)
		}
		current := "unknown"
		if ferr == nil && holder != nil {
			current = holder.Status
		}
		return &certerr.InvalidStateError{Current: current, Operation: "request certificate for " + cert.Domain}
	}
	if err != nil {
		var lerr *certerr.LimitExceededError
		var nerr *certerr.NotFoundError
		if errors.As(err, &lerr) || errors.As(err, &nerr) {
			return err
		}
		return fmt.Errorf("failed to create certificate: %w", err)
	}
	return nil
}

func (g *Gorm) GetCertificate(ctx context.Context, id int) (*model.Certificate, error) {
	var cert model.Certificate
	if err := g.db.WithContext(ctx).First(&cert, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, notFound("certificate", id)
		}
		return nil, fmt.Errorf("failed to load certificate %d: %w", id, err)
	}
	return &cert, nil
}

func (g *Gorm) FindByProviderID(ctx context.Context, providerName, providerCertificateID string) (*model.Certificate, error) {
	var cert model.Certificate
	err := g.db.WithContext(ctx).
		Where("provider_name = ? AND provider_certificate_id = ?", providerName, providerCertificateID).
		Order("id DESC").
		First(&cert).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, &certerr.NotFoundError{Resource: "certificate", ID: providerName + "/" + providerCertificateID}
	}
	if err != nil {
		return nil, err
	}
	return &cert, nil
}

// first returns the first row matched by q, or nil when there is none
func first(q *gorm.DB) (*model.Certificate, error) {
	var certs []*model.Certificate
	if err := q.Limit(1).Find(&certs).Error; err != nil {
		return nil, err
	}
	if len(certs) == 0 {
		return nil, nil
	}
	return certs[0], nil
}

func (g *Gorm) FindSlotHolder(ctx context.Context, subscriptionID int, domain string) (*model.Certificate, error) {
	return first(g.db.WithContext(ctx).Where("slot_key = ?", model.SlotKeyFor(subscriptionID, domain)))
}

func (g *Gorm) FindValidationHolder(ctx context.Context, domain string) (*model.Certificate, error) {
	return first(g.db.WithContext(ctx).Where("validation_key = ?", domain))
}

func (g *Gorm) FindSuccessor(ctx context.Context, id int) (*model.Certificate, error) {
	return first(g.db.WithContext(ctx).Where("renewal_of_id = ?", id).Order("id DESC"))
}

func (g *Gorm) ListByStatus(ctx context.Context, statuses []string, limit int) ([]*model.Certificate, error) {
	var certs []*model.Certificate
	q := g.db.WithContext(ctx).Where("status IN ?", statuses).Order("id ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Find(&certs).Error
	return certs, err
}

func (g *Gorm) ListActiveExpiringBefore(ctx context.Context, before time.Time, limit int) ([]*model.Certificate, error) {
	var certs []*model.Certificate
	q := g.db.WithContext(ctx).
		Where("status = ?", model.CertificateStatusActive).
		Where("expires_at IS NOT NULL AND expires_at <= ?", before).
		Order("expires_at ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Find(&certs).Error
	return certs, err
}

func (g *Gorm) ListCertificates(ctx context.Context, f ListFilter) ([]*model.Certificate, int64, error) {
	f.Normalize()
	q := g.db.WithContext(ctx).Model(&model.Certificate{})
	if f.SubscriptionID != 0 {
		q = q.Where("subscription_id = ?", f.SubscriptionID)
	}
	if f.Status != "" {
		q = q.Where("status = ?", f.Status)
	}
	if f.Domain != "" {
		q = q.Where("domain LIKE ?", "%"+f.Domain+"%")
	}

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}
	var certs []*model.Certificate
	err := q.Order("id DESC").
		Offset((f.Page - 1) * f.PageSize).
		Limit(f.PageSize).
		Find(&certs).Error
	return certs, total, err
}

func (g *Gorm) Commit(ctx context.Context, ch Change) error {
	err := g.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for id, status := range ch.Expect {
			var row model.Certificate
			err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
				Select("id", "status").
				First(&row, id).Error
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return notFound("certificate", id)
			}
			if err != nil {
				return err
			}
			if row.Status != status {
				return &certerr.InvalidStateError{Current: row.Status, Operation: "commit " + status + " transition"}
			}
		}

		if len(ch.Certificates) > 0 {
			// drop keys first so a hand-over between two rows never trips a unique index
			ids := make([]int, 0, len(ch.Certificates))
			for _, c := range ch.Certificates {
				ids = append(ids, c.ID)
			}
			if err := tx.Model(&model.Certificate{}).Where("id IN ?", ids).
				Updates(map[string]interface{}{"slot_key": nil, "validation_key": nil}).Error; err != nil {
				return err
			}
			for _, c := range ch.Certificates {
				if err := tx.Save(c).Error; err != nil {
					return err
				}
			}
		}

		if len(ch.NewChallenges) > 0 {
			if err := tx.Create(&ch.NewChallenges).Error; err != nil {
				return err
			}
		}
		for _, v := range ch.Challenges {
			if err := tx.Save(v).Error; err != nil {
				return err
			}
		}

		for id, delta := range ch.SubscriptionDeltas {
			result := tx.Model(&model.Subscription{}).
				Where("id = ?", id).
				Update("certificate_count", gorm.Expr("GREATEST(certificate_count + ?, 0)", delta))
			if result.Error != nil {
				return result.Error
			}
			if result.RowsAffected == 0 {
				return notFound("subscription", id)
			}
		}
		return nil
	})
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return &certerr.InvalidStateError{Current: "key held", Operation: "commit certificate change"}
	}
	return err
}

func (g *Gorm) ListChallenges(ctx context.Context, certificateID int) ([]*model.ValidationChallenge, error) {
	var out []*model.ValidationChallenge
	err := g.db.WithContext(ctx).Where("certificate_id = ?", certificateID).Order("id ASC").Find(&out).Error
	return out, err
}

func (g *Gorm) ListOverdueChallenges(ctx context.Context, now time.Time, limit int) ([]*model.ValidationChallenge, error) {
	var out []*model.ValidationChallenge
	q := g.db.WithContext(ctx).
		Where("status = ? AND expires_at <= ?", model.ChallengeStatusPending, now).
		Order("id ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Find(&out).Error
	return out, err
}

func (g *Gorm) GetSubscription(ctx context.Context, id int) (*model.Subscription, error) {
	var sub model.Subscription
	if err := g.db.WithContext(ctx).First(&sub, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, notFound("subscription", id)
		}
		return nil, err
	}
	return &sub, nil
}

func (g *Gorm) SaveHealth(ctx context.Context, rec model.ProviderHealthRecord) error {
	return g.db.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(&rec).Error
}

func (g *Gorm) LoadHealth(ctx context.Context) ([]model.ProviderHealthRecord, error) {
	var out []model.ProviderHealthRecord
	err := g.db.WithContext(ctx).Order("provider_name ASC").Find(&out).Error
	return out, err
}
