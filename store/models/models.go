package models

import (
	"time"
)

// ----- BEGIN DISCOVERY -----

type Authority struct {
	ID          uint   `gorm:"primary_key" pg:",pk"`
	Name        string `gorm:"index"`
	KeyID       string `gorm:"unique_index"`
	Cardinality int
	LastUpdated time.Time
}

type Responder struct {
	ID          uint `gorm:"primary_key" pg:",pk"`
	AuthorityID uint `gorm:"index"`
	Url         string
	Domain      string
	Cardinality int
	Discovered  time.Time
}

type Chain struct {
	ID                uint   `gorm:"primary_key" pg:",pk"`
	ResponderID       uint   `gorm:"index"`
	Subject           []byte `gorm:"type:bytea"`
	Issuer            []byte `gorm:"type:bytea"`
	Sha256Fingerprint string `gorm:"unique_index"`
	Retrieved         time.Time
}

// ----- END DISCOVERY -----

// ----- BEGIN PROBING -----

type Location struct {
	ID        uint   `gorm:"primary_key" pg:",pk"`
	Name      string `gorm:"unique_index"`
	Host      string
	KeyID     string `gorm:"index"`
	PublicKey []byte `gorm:"type:bytea"`
}

type Result struct {
	ID          uint `gorm:"primary_key" pg:",pk"`
	ResponderID uint `gorm:"index"`
	LocationID  uint `gorm:"index"`
	ChainID     uint
	Retrieved   time.Time `gorm:"index"`
	Status      string
	Detail      string
	PingMs      *float64
	OcspMs      *float64
}

// ----- END PROBING -----
