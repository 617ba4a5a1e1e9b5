package repository

import (
	"context"
	"errors"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// TemplateRepository persists enrollment templates.
type TemplateRepository struct {
	db *gorm.DB
}

// NewTemplateRepository creates a new repository instance.
func NewTemplateRepository(db *gorm.DB) *TemplateRepository {
	return &TemplateRepository{db: db}
}

// Save registers an identity's template, overwriting any previous one. The
// original row is kept so enrollment order survives re-enrollment.
func (r *TemplateRepository) Save(ctx context.Context, t *EnrollmentTemplate) error {
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "identity"}},
		DoUpdates: clause.AssignmentColumns([]string{"descriptors", "enrolled_at"}),
	}).Create(t).Error
}

// ListAll returns every template in enrollment order.
func (r *TemplateRepository) ListAll(ctx context.Context) ([]*EnrollmentTemplate, error) {
	var templates []*EnrollmentTemplate
	if err := r.db.WithContext(ctx).Order("id ASC").Find(&templates).Error; err != nil {
		return nil, err
	}
	return templates, nil
}

// FindByIdentity retrieves one identity's template.
func (r *TemplateRepository) FindByIdentity(ctx context.Context, identity string) (*EnrollmentTemplate, error) {
	var t EnrollmentTemplate
	if err := r.db.WithContext(ctx).First(&t, "identity = ?", identity).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &t, nil
}
