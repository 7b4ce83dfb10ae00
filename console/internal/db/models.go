package db

import "time"

// Setting is one persisted key of the local config store; Value holds JSON.
type Setting struct {
	Key       string `gorm:"primaryKey;size:191"`
	Value     string `gorm:"type:text"`
	UpdatedAt time.Time
}

// CommandRow stores one immobilise/restore request. Seq defines insertion order.
type CommandRow struct {
	Seq            uint   `gorm:"primaryKey;autoIncrement"`
	ID             string `gorm:"size:36;uniqueIndex"`
	Type           string `gorm:"size:32"`
	Status         string `gorm:"size:32;index"`
	DeviceID       int64  `gorm:"index"`
	OrganizationID string `gorm:"size:191;index"`
	UserID         string `gorm:"size:191"`
	Reason         string `gorm:"type:text"`
	Timestamp      time.Time
	ExecutedAt     *time.Time
	Notes          string `gorm:"type:text"`
}

func (CommandRow) TableName() string { return "commands" }
