package model

import "time"

type OutboxRecord struct {
	ID            string    `gorm:"primaryKey;size:36"`
	TenantID      string    `gorm:"size:64;not null;index:idx_outbox_tenant_status,priority:1"`
	AggregateID   string    `gorm:"size:64"`
	TypeName      string    `gorm:"size:128;not null"`
	SchemaID      string    `gorm:"size:128"`
	SchemaVersion int       `gorm:"not null;default:0"`
	Payload       string    `gorm:"type:jsonb;not null"`
	ContentHash   string    `gorm:"size:64;not null"`
	Status        Status    `gorm:"size:8;not null;default:'NEW';index:idx_outbox_tenant_status,priority:2"`
	RetryCount    int       `gorm:"not null;default:0"`
	CreatedAt     time.Time `gorm:"autoCreateTime"`
}

func (OutboxRecord) TableName() string { return "event_outbox" }
