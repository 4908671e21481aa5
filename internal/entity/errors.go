package entity

import "errors"

var (
	ErrNotFound        = errors.New("entity: not found")
	ErrTenantMismatch  = errors.New("entity: relationship endpoints belong to different tenants")
	ErrKindMismatch    = errors.New("entity: identity kind mismatch")
	ErrVersionConflict = errors.New("entity: current version moved")
)
