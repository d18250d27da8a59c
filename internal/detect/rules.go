package detect

import (
	"strconv"
	"strings"

	"github.com/sells-group/provider-qa/internal/model"
)

// Logical field names emitted on issues.
const (
	FieldName                 = "name"
	FieldPhone                = "phone"
	FieldEmail                = "email"
	FieldWebsite              = "website"
	FieldAddress              = "address"
	FieldCity                 = "city"
	FieldState                = "state"
	FieldZip                  = "zip"
	FieldSpeciality           = "speciality"
	FieldLicense              = "license"
	FieldLicenseState         = "license_state"
	FieldLicenseStatus        = "license_status"
	FieldCertification        = "certification"
	FieldCertifications       = "certifications"
	FieldAcceptingNewPatients = "accepting_new_patients"
	FieldTelehealthAvailable  = "telehealth_available"
)

// field describes where a logical field lives on the provider and in source
// payloads.
type field struct {
	name    string
	column  string
	keys    []string
	kind    valueKind
	address bool
}

var fields = map[string]field{
	FieldName:                 {name: FieldName, column: "name", keys: []string{"name", "provider_name"}, kind: kindText},
	FieldPhone:                {name: FieldPhone, column: "phone", keys: []string{"phone", "phone_number", "telephone"}, kind: kindPhone},
	FieldEmail:                {name: FieldEmail, column: "email", keys: []string{"email"}, kind: kindText},
	FieldWebsite:              {name: FieldWebsite, column: "website", keys: []string{"website", "url"}, kind: kindWebsite},
	FieldAddress:              {name: FieldAddress, column: "address_line1", keys: []string{"streetAddress", "address", "address_line1"}, kind: kindText, address: true},
	FieldCity:                 {name: FieldCity, column: "city", keys: []string{"municipality", "city"}, kind: kindText, address: true},
	FieldState:                {name: FieldState, column: "state", keys: []string{"countrySubdivision", "state"}, kind: kindState, address: true},
	FieldZip:                  {name: FieldZip, column: "zip", keys: []string{"postalCode", "zip", "postal_code"}, kind: kindZip, address: true},
	FieldSpeciality:           {name: FieldSpeciality, column: "speciality", keys: []string{"speciality", "specialty"}, kind: kindTokens},
	FieldLicense:              {name: FieldLicense, column: "license_number", keys: []string{"license_number", "license"}, kind: kindText},
	FieldLicenseState:         {name: FieldLicenseState, column: "license_state", keys: []string{"license_state"}, kind: kindState},
	FieldLicenseStatus:        {name: FieldLicenseStatus, column: "license_status", keys: []string{"license_status"}, kind: kindText},
	FieldCertification:        {name: FieldCertification, column: "primary_certification", keys: []string{"certification", "primary_certification"}, kind: kindTokens},
	FieldCertifications:       {name: FieldCertifications, column: "certifications", keys: []string{"certifications"}, kind: kindJSON},
	FieldAcceptingNewPatients: {name: FieldAcceptingNewPatients, column: "accepting_new_patients", keys: []string{"accepting_new_patients", "acceptingNewPatients"}, kind: kindBool},
	FieldTelehealthAvailable:  {name: FieldTelehealthAvailable, column: "telehealth_available", keys: []string{"telehealth_available", "telehealthAvailable"}, kind: kindBool},
}

var extendedFields = []string{
	FieldPhone, FieldWebsite, FieldEmail, FieldSpeciality, FieldLicense,
	FieldLicenseState, FieldLicenseStatus, FieldCertification,
	FieldCertifications, FieldAcceptingNewPatients, FieldTelehealthAvailable,
}

var azureFields = []string{FieldZip, FieldCity, FieldState, FieldAddress, FieldPhone, FieldWebsite}

// authoritative lists, per source type, the fields it is trusted to
// correct.
var authoritative = map[model.SourceType][]string{
	model.SourceNPI:               {FieldPhone, FieldSpeciality},
	model.SourceAzureMaps:         azureFields,
	model.SourceAzurePOI:          azureFields,
	model.SourceScrapeEnrichment:  {FieldPhone, FieldWebsite},
	model.SourceScrapeFallback:    {FieldPhone, FieldWebsite},
	model.SourcePDFOCR:            {FieldName, FieldPhone, FieldAddress},
	model.SourceTrueLensWebsite:   extendedFields,
	model.SourceNPICertifications: extendedFields,
}

// Reports reports whether source is trusted to correct field.
func Reports(source model.SourceType, name string) bool {
	for _, f := range authoritative[source] {
		if f == name {
			return true
		}
	}
	return false
}

// Column returns the provider column backing a logical field.
func Column(name string) (string, bool) {
	f, ok := fields[name]
	return f.column, ok
}

// current returns the display value of the field on the provider.
func (f field) current(p *model.Provider) string {
	v, _ := p.Column(f.column)
	return render(v)
}

// reported returns the display value a source gives for the field.
func (f field) reported(o model.SourceObservation) (string, bool) {
	v, ok := o.Value(f.keys...)
	if !ok {
		return "", false
	}
	s := render(v)
	if s == "" {
		return "", false
	}
	switch f.kind {
	case kindBool:
		if b, isBool := v.(bool); isBool {
			return strconv.FormatBool(b), true
		}
		return strconv.FormatBool(model.Truthy(s)), true
	case kindState:
		if abbr := normalizeState(s); len(abbr) == 2 {
			return strings.ToUpper(abbr), true
		}
	case kindJSON:
		return canonicalJSON(s), true
	}
	return s, true
}

// differs compares two display values under the field's normalization.
func (f field) differs(current, reported string) bool {
	return normalize(f.kind, current) != normalize(f.kind, reported)
}
