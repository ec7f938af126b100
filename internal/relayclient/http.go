package relayclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/bizur-im/bizur/internal/models"
)

// Directory is the relay's REST surface: key-bundle publish/fetch, push
// registration, and API key issuance. It satisfies session.BundleDirectory.
type Directory struct {
	baseURL string
	client  *http.Client
}

// NewDirectory creates a REST client for the relay at baseURL.
func NewDirectory(baseURL string) *Directory {
	return &Directory{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: 15 * time.Second},
	}
}

// PublishBundle uploads the local key bundle for identity.
func (d *Directory) PublishBundle(ctx context.Context, identity string, bundle models.KeyBundle) error {
	body, err := json.Marshal(bundle)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, d.baseURL+"/prekeys/"+models.NormalizePeerCode(identity), bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return httpError("publish bundle", resp)
	}
	return nil
}

// Bundle fetches a peer's published key bundle; nil, nil when none is
// published.
func (d *Directory) Bundle(ctx context.Context, peer string) (*models.KeyBundle, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.baseURL+"/prekeys/"+models.NormalizePeerCode(peer), nil)
	if err != nil {
		return nil, err
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, httpError("fetch bundle", resp)
	}

	var bundle models.KeyBundle
	if err := json.NewDecoder(resp.Body).Decode(&bundle); err != nil {
		return nil, err
	}
	return &bundle, nil
}

// RegisterPush stores a wake-up push token for identity.
func (d *Directory) RegisterPush(ctx context.Context, identity, token string) error {
	body, _ := json.Marshal(map[string]string{"identity": identity, "token": token})

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.baseURL+"/push/register", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return httpError("register push", resp)
	}
	return nil
}

// RegisterAuth requests a per-identity API key using the master token.
func (d *Directory) RegisterAuth(ctx context.Context, masterToken, identity string) (string, error) {
	body, _ := json.Marshal(map[string]string{"identity": identity})

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.baseURL+"/auth/register", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+masterToken)

	resp, err := d.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", httpError("register auth", resp)
	}

	var out struct {
		APIKey string `json:"apiKey"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", err
	}
	return out.APIKey, nil
}

func httpError(op string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return fmt.Errorf("%s: %s: %s", op, resp.Status, strings.TrimSpace(string(body)))
}
