package container

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// HTTPClient is the injectable transport the CVM driver dispatches
// through, the same small-interface shape the teacher's alert.Manager
// uses for testability.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// CvmDriver talks to a remote teepod/tappd host to launch and tear down
// containers inside a confidential VM, for container_mode = "cvm".
type CvmDriver struct {
	teepodHost string
	tappdHost  string
	client     HTTPClient
}

func NewCvmDriver(teepodHost, tappdHost string) *CvmDriver {
	return &CvmDriver{
		teepodHost: teepodHost,
		tappdHost:  tappdHost,
		client:     &http.Client{Timeout: 10 * time.Second},
	}
}

// NewCvmDriverWithClient lets tests substitute a fake HTTPClient.
func NewCvmDriverWithClient(teepodHost, tappdHost string, client HTTPClient) *CvmDriver {
	return &CvmDriver{teepodHost: teepodHost, tappdHost: tappdHost, client: client}
}

type teepodCreateRequest struct {
	Name    string `json:"name"`
	Image   string `json:"image"`
	Compose string `json:"compose,omitempty"`
}

type teepodCreateResponse struct {
	Endpoint string `json:"endpoint"`
}

func (d *CvmDriver) Start(ctx context.Context, c *ContractContainer) (string, error) {
	body, err := json.Marshal(teepodCreateRequest{Name: c.Name, Image: c.Image, Compose: c.Compose})
	if err != nil {
		return "", fmt.Errorf("cvm: marshal create request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		"http://"+d.teepodHost+"/containers", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("cvm: build create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("cvm: teepod create request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return "", fmt.Errorf("cvm: teepod returned status %d", resp.StatusCode)
	}

	var out teepodCreateResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("cvm: decode teepod response: %w", err)
	}
	return out.Endpoint, nil
}

func (d *CvmDriver) Stop(ctx context.Context, c *ContractContainer) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete,
		"http://"+d.teepodHost+"/containers/"+c.Address, nil)
	if err != nil {
		return fmt.Errorf("cvm: build stop request: %w", err)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("cvm: teepod stop request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("cvm: teepod stop returned status %d", resp.StatusCode)
	}
	return nil
}

func (d *CvmDriver) Probe(ctx context.Context, endpoint string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+endpoint+"/health", nil)
	if err != nil {
		return fmt.Errorf("cvm: build probe request: %w", err)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("cvm: probe request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("cvm: probe returned status %d", resp.StatusCode)
	}
	return nil
}
