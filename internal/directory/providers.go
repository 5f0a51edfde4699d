package directory

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/vitalclinic/scheduling/internal/scheduling"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// HTTPProviderDirectory resolves providers against the staff service:
// GET {baseURL}/api/v1/providers/{id}.
type HTTPProviderDirectory struct {
	baseURL string
	client  *http.Client
}

func NewHTTPProviderDirectory(baseURL string) *HTTPProviderDirectory {
	return &HTTPProviderDirectory{
		baseURL: baseURL,
		client: &http.Client{
			Timeout:   5 * time.Second,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

func (d *HTTPProviderDirectory) Get(ctx context.Context, providerID int64) (*scheduling.Provider, error) {
	url := fmt.Sprintf("%s/api/v1/providers/%d", d.baseURL, providerID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("provider directory: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return nil, nil
	default:
		return nil, fmt.Errorf("provider directory: unexpected status %d", resp.StatusCode)
	}

	var body struct {
		ID        int64  `json:"id"`
		FullName  string `json:"full_name"`
		Specialty string `json:"specialty"`
		Available bool   `json:"available"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("provider directory: decode: %w", err)
	}
	return &scheduling.Provider{
		ID:        body.ID,
		FullName:  body.FullName,
		Specialty: body.Specialty,
		Available: body.Available,
	}, nil
}

type staticProviderDirectory struct{}

// NewStaticProviderDirectory resolves every positive id to a generic
// available provider. Used when no staff endpoint is configured.
func NewStaticProviderDirectory() scheduling.ProviderDirectory {
	return staticProviderDirectory{}
}

func (staticProviderDirectory) Get(_ context.Context, providerID int64) (*scheduling.Provider, error) {
	if providerID <= 0 {
		return nil, nil
	}
	return &scheduling.Provider{ID: providerID, Available: true}, nil
}
