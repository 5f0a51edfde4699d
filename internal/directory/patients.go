package directory

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/vitalclinic/scheduling/internal/scheduling"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// HTTPPatientDirectory resolves patient existence against the patient
// registry service: GET {baseURL}/api/v1/patients/{id}. A 200 means the
// patient exists, a 404 means it does not; anything else is an error the
// caller should not mistake for "unknown patient".
type HTTPPatientDirectory struct {
	baseURL string
	client  *http.Client
}

func NewHTTPPatientDirectory(baseURL string) *HTTPPatientDirectory {
	return &HTTPPatientDirectory{
		baseURL: baseURL,
		client: &http.Client{
			Timeout:   5 * time.Second,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

func (d *HTTPPatientDirectory) Exists(ctx context.Context, patientID int64) (bool, error) {
	url := fmt.Sprintf("%s/api/v1/patients/%d", d.baseURL, patientID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false, err
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return false, fmt.Errorf("patient directory: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		return true, nil
	case http.StatusNotFound:
		return false, nil
	default:
		return false, fmt.Errorf("patient directory: unexpected status %d", resp.StatusCode)
	}
}

type staticPatientDirectory struct{}

// NewStaticPatientDirectory treats every positive id as a known patient.
// Used when no registry endpoint is configured, e.g. in local setups.
func NewStaticPatientDirectory() scheduling.PatientDirectory {
	return staticPatientDirectory{}
}

func (staticPatientDirectory) Exists(_ context.Context, patientID int64) (bool, error) {
	return patientID > 0, nil
}
