// Package npi looks up providers in the public NPPES NPI Registry (API v2.1).
package npi

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"
)

const (
	defaultBaseURL = "https://npiregistry.cms.hhs.gov/api/"
	apiVersion     = "2.1"
)

// Client looks up NPI records.
type Client interface {
	// Lookup fetches the record for a 10-digit NPI. A number the registry
	// does not know yields a Record with Found false and no error.
	Lookup(ctx context.Context, number string) (*Record, error)
}

// Record is the subset of an NPPES result used for validation.
type Record struct {
	Number       string     `json:"number"`
	Found        bool       `json:"found"`
	Name         string     `json:"name"`
	Credential   string     `json:"credential,omitempty"`
	Status       string     `json:"status,omitempty"`
	Phone        string     `json:"phone,omitempty"`
	AddressLine1 string     `json:"address_line1,omitempty"`
	AddressLine2 string     `json:"address_line2,omitempty"`
	City         string     `json:"city,omitempty"`
	State        string     `json:"state,omitempty"`
	PostalCode   string     `json:"postal_code,omitempty"`
	Taxonomies   []Taxonomy `json:"taxonomies,omitempty"`
}

// Taxonomy is one provider taxonomy entry, carrying the license it was
// registered with.
type Taxonomy struct {
	Code    string `json:"code"`
	Desc    string `json:"desc"`
	Primary bool   `json:"primary"`
	State   string `json:"state,omitempty"`
	License string `json:"license,omitempty"`
}

// PrimaryTaxonomy returns the taxonomy flagged primary, or the first one.
func (r *Record) PrimaryTaxonomy() (Taxonomy, bool) {
	for _, t := range r.Taxonomies {
		if t.Primary {
			return t, true
		}
	}
	if len(r.Taxonomies) > 0 {
		return r.Taxonomies[0], true
	}
	return Taxonomy{}, false
}

// Option configures the client.
type Option func(*client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *client) {
		c.httpClient = hc
	}
}

// WithBaseURL points the client at a different registry endpoint.
func WithBaseURL(u string) Option {
	return func(c *client) {
		c.baseURL = u
	}
}

// WithRateLimit sets the requests-per-second rate limit.
func WithRateLimit(rps float64) Option {
	return func(c *client) {
		burst := int(rps)
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

type client struct {
	httpClient *http.Client
	baseURL    string
	limiter    *rate.Limiter
}

// NewClient creates a registry Client with the given options.
func NewClient(opts ...Option) Client {
	c := &client{
		httpClient: &http.Client{Timeout: 15 * time.Second},
		baseURL:    defaultBaseURL,
		limiter:    rate.NewLimiter(5, 5),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type registryResponse struct {
	ResultCount int              `json:"result_count"`
	Results     []registryResult `json:"results"`
	Errors      []struct {
		Description string `json:"description"`
		Field       string `json:"field"`
	} `json:"Errors"`
}

type registryResult struct {
	Number          json.Number `json:"number"`
	EnumerationType string      `json:"enumeration_type"`
	Basic           struct {
		FirstName        string `json:"first_name"`
		LastName         string `json:"last_name"`
		MiddleName       string `json:"middle_name"`
		Credential       string `json:"credential"`
		OrganizationName string `json:"organization_name"`
		Status           string `json:"status"`
	} `json:"basic"`
	Addresses []struct {
		Purpose         string `json:"address_purpose"`
		Address1        string `json:"address_1"`
		Address2        string `json:"address_2"`
		City            string `json:"city"`
		State           string `json:"state"`
		PostalCode      string `json:"postal_code"`
		TelephoneNumber string `json:"telephone_number"`
	} `json:"addresses"`
	Taxonomies []struct {
		Code    string `json:"code"`
		Desc    string `json:"desc"`
		Primary bool   `json:"primary"`
		State   string `json:"state"`
		License string `json:"license"`
	} `json:"taxonomies"`
}

// Lookup implements Client.
func (c *client) Lookup(ctx context.Context, number string) (*Record, error) {
	number = strings.TrimSpace(number)
	if !ValidNumber(number) {
		return nil, eris.Errorf("npi: invalid number %q", number)
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, eris.Wrap(err, "npi: rate limit")
	}

	params := url.Values{
		"version": {apiVersion},
		"number":  {number},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"?"+params.Encode(), nil)
	if err != nil {
		return nil, eris.Wrap(err, "npi: build request")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, eris.Wrap(err, "npi: request")
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode != http.StatusOK {
		return nil, eris.Errorf("npi: registry returned status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, eris.Wrap(err, "npi: read body")
	}

	var rr registryResponse
	if err := json.Unmarshal(body, &rr); err != nil {
		return nil, eris.Wrap(err, "npi: parse response")
	}
	if len(rr.Errors) > 0 {
		return nil, eris.Errorf("npi: registry error: %s", rr.Errors[0].Description)
	}
	if rr.ResultCount == 0 || len(rr.Results) == 0 {
		return &Record{Number: number, Found: false}, nil
	}
	return toRecord(number, rr.Results[0]), nil
}

func toRecord(number string, r registryResult) *Record {
	rec := &Record{
		Number:     number,
		Found:      true,
		Credential: r.Basic.Credential,
		Status:     r.Basic.Status,
	}
	if r.Basic.OrganizationName != "" {
		rec.Name = r.Basic.OrganizationName
	} else {
		rec.Name = joinNonEmpty(" ", r.Basic.FirstName, r.Basic.MiddleName, r.Basic.LastName)
	}

	// The practice location is what a directory lists; fall back to mailing.
	for _, purpose := range []string{"LOCATION", "MAILING"} {
		found := false
		for _, a := range r.Addresses {
			if !strings.EqualFold(a.Purpose, purpose) {
				continue
			}
			rec.AddressLine1 = a.Address1
			rec.AddressLine2 = a.Address2
			rec.City = a.City
			rec.State = a.State
			rec.PostalCode = a.PostalCode
			rec.Phone = a.TelephoneNumber
			found = true
			break
		}
		if found {
			break
		}
	}

	for _, t := range r.Taxonomies {
		rec.Taxonomies = append(rec.Taxonomies, Taxonomy{
			Code:    t.Code,
			Desc:    t.Desc,
			Primary: t.Primary,
			State:   t.State,
			License: t.License,
		})
	}
	return rec
}

// ValidNumber reports whether s is a 10-digit NPI with a valid Luhn check
// digit (computed with the 80840 card-issuer prefix).
func ValidNumber(s string) bool {
	if len(s) != 10 {
		return false
	}
	sum := 24 // contribution of the 80840 prefix
	for i := 0; i < 10; i++ {
		c := s[i]
		if c < '0' || c > '9' {
			return false
		}
		d := int(c - '0')
		// Double every other digit starting from the rightmost non-check digit.
		if i%2 == 0 {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		sum += d
	}
	return sum%10 == 0
}

func joinNonEmpty(sep string, parts ...string) string {
	var out []string
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return strings.Join(out, sep)
}
