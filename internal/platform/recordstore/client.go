// Package recordstore is the HTTP client for the external Record Store that
// owns patients, medical records and documents.
package recordstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/medshare/medshare/internal/platform/apperr"
)

// Patient is the summary returned by a patient lookup.
type Patient struct {
	PersonalHealthNo  string            `json:"personalHealthNo"`
	Name              string            `json:"name"`
	DateOfBirth       string            `json:"dateOfBirth,omitempty"`
	Gender            string            `json:"gender,omitempty"`
	Vitals            map[string]string `json:"vitals,omitempty"`
	MedicalConditions string            `json:"medicalConditions,omitempty"`
}

// MedicalRecord is one patient-scoped record. DocumentID is set when the
// record has an attached document.
type MedicalRecord struct {
	RecordID   string    `json:"recordId"`
	PatientPHN string    `json:"patientPHN"`
	RecordType string    `json:"recordType"`
	Summary    string    `json:"summary"`
	Details    string    `json:"details,omitempty"`
	Author     string    `json:"author,omitempty"`
	UploadDate time.Time `json:"uploadDate"`
	DocumentID string    `json:"documentId,omitempty"`
}

// Store is what the workflow needs from the Record Store.
type Store interface {
	LookupPatient(ctx context.Context, search string) (*Patient, error)
	ListMedicalRecords(ctx context.Context, phn string) ([]MedicalRecord, error)
}

type Option func(*Client)

func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.httpClient = c }
}

// Client talks JSON to the Record Store under baseURL.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

func New(baseURL string, timeout time.Duration, opts ...Option) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// LookupPatient finds a patient by PHN, name or other identifier. A 404 from
// the Record Store is returned as an apperr NotFound.
func (c *Client) LookupPatient(ctx context.Context, search string) (*Patient, error) {
	search = strings.TrimSpace(search)
	if search == "" {
		return nil, apperr.Validation("search term is required")
	}

	var body struct {
		Patient *Patient `json:"patient"`
	}
	if err := c.get(ctx, "/patients/lookup?search="+url.QueryEscape(search), &body); err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			return nil, apperr.Wrap(apperr.KindNotFound, err, "patient not found")
		}
		return nil, fmt.Errorf("lookup patient: %w", err)
	}
	if body.Patient == nil {
		return nil, apperr.NotFound("patient not found")
	}
	return body.Patient, nil
}

// ListMedicalRecords returns the records of one patient. An unknown patient
// yields an empty list.
func (c *Client) ListMedicalRecords(ctx context.Context, phn string) ([]MedicalRecord, error) {
	var body struct {
		Records []MedicalRecord `json:"records"`
	}
	err := c.get(ctx, "/patients/"+url.PathEscape(phn)+"/records", &body)
	if errors.Is(err, apperr.ErrNotFound) {
		return []MedicalRecord{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list records for %s: %w", phn, err)
	}
	if body.Records == nil {
		body.Records = []MedicalRecord{}
	}
	return body.Records, nil
}

func (c *Client) get(ctx context.Context, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("record store request: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return apperr.NotFound("record store: %s not found", path)
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("record store returned %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode record store response: %w", err)
	}
	return nil
}
