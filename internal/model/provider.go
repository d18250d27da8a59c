// Package model defines the provider directory entities shared by the
// detection, ledger and storage layers.
package model

import (
	"encoding/json"
	"time"
)

// ProviderStatus is the lifecycle state of a directory entry.
type ProviderStatus string

const (
	ProviderStatusActive      ProviderStatus = "ACTIVE"
	ProviderStatusNeedsReview ProviderStatus = "NEEDS_REVIEW"
	ProviderStatusRejected    ProviderStatus = "REJECTED"
)

// Provider is a healthcare provider record in the directory.
type Provider struct {
	ID                   string          `json:"id"`
	NPI                  string          `json:"npi,omitempty"`
	Name                 string          `json:"name"`
	Phone                string          `json:"phone,omitempty"`
	Email                string          `json:"email,omitempty"`
	Website              string          `json:"website,omitempty"`
	AddressLine1         string          `json:"address_line1,omitempty"`
	AddressLine2         string          `json:"address_line2,omitempty"`
	City                 string          `json:"city,omitempty"`
	State                string          `json:"state,omitempty"`
	Zip                  string          `json:"zip,omitempty"`
	Speciality           string          `json:"speciality,omitempty"`
	LicenseNumber        string          `json:"license_number,omitempty"`
	LicenseState         string          `json:"license_state,omitempty"`
	LicenseStatus        string          `json:"license_status,omitempty"`
	PrimaryCertification string          `json:"primary_certification,omitempty"`
	Certifications       json.RawMessage `json:"certifications,omitempty"`
	AcceptingNewPatients bool            `json:"accepting_new_patients"`
	TelehealthAvailable  bool            `json:"telehealth_available"`
	Status               ProviderStatus  `json:"status"`
	CreatedAt            time.Time       `json:"created_at"`
	UpdatedAt            time.Time       `json:"updated_at"`
}

// ColumnKind describes how a provider column is stored.
type ColumnKind int

const (
	ColumnText ColumnKind = iota
	ColumnBool
	ColumnJSON
)

// ProviderColumns lists every provider column that may be written through an
// issue, with its storage kind. Identity and lifecycle columns are absent on
// purpose: they are never the target of a correction.
var ProviderColumns = map[string]ColumnKind{
	"name":                   ColumnText,
	"phone":                  ColumnText,
	"email":                  ColumnText,
	"website":                ColumnText,
	"address_line1":          ColumnText,
	"address_line2":          ColumnText,
	"city":                   ColumnText,
	"state":                  ColumnText,
	"zip":                    ColumnText,
	"speciality":             ColumnText,
	"license_number":         ColumnText,
	"license_state":          ColumnText,
	"license_status":         ColumnText,
	"primary_certification":  ColumnText,
	"certifications":         ColumnJSON,
	"accepting_new_patients": ColumnBool,
	"telehealth_available":   ColumnBool,
}

// IsProviderColumn reports whether column is a writable provider column.
func IsProviderColumn(column string) bool {
	_, ok := ProviderColumns[column]
	return ok
}

// Column returns the current value of a writable column: a string for text
// columns, a bool for flag columns and the decoded JSON value for JSON
// columns. ok is false for unknown columns.
func (p *Provider) Column(column string) (value any, ok bool) {
	switch column {
	case "name":
		return p.Name, true
	case "phone":
		return p.Phone, true
	case "email":
		return p.Email, true
	case "website":
		return p.Website, true
	case "address_line1":
		return p.AddressLine1, true
	case "address_line2":
		return p.AddressLine2, true
	case "city":
		return p.City, true
	case "state":
		return p.State, true
	case "zip":
		return p.Zip, true
	case "speciality":
		return p.Speciality, true
	case "license_number":
		return p.LicenseNumber, true
	case "license_state":
		return p.LicenseState, true
	case "license_status":
		return p.LicenseStatus, true
	case "primary_certification":
		return p.PrimaryCertification, true
	case "certifications":
		if len(p.Certifications) == 0 {
			return nil, true
		}
		var v any
		if err := json.Unmarshal(p.Certifications, &v); err != nil {
			return string(p.Certifications), true
		}
		return v, true
	case "accepting_new_patients":
		return p.AcceptingNewPatients, true
	case "telehealth_available":
		return p.TelehealthAvailable, true
	}
	return nil, false
}
