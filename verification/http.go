package verification

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"time"

	"github.com/google/uuid"

	"election-workflow/models"
)

const defaultTimeout = 15 * time.Second

// HTTPClient talks to the iris verification API. Both endpoints take a
// multipart form with a wallet_address field and an iris_image file and
// answer with a JSON body; /verify answers 404 when the identity has no
// enrollment on record.
type HTTPClient struct {
	baseURL string
	client  *http.Client
}

func NewHTTPClient(baseURL string, timeout time.Duration) *HTTPClient {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &HTTPClient{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

type enrollResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Error   string `json:"error"`
}

type verifyResponse struct {
	Verified   bool    `json:"verified"`
	Similarity float64 `json:"similarity"`
	Error      string  `json:"error"`
}

func (c *HTTPClient) Enroll(ctx context.Context, id models.Identity, sample []byte) error {
	if len(sample) == 0 {
		return ErrEmptySample
	}

	resp, err := c.postSample(ctx, "/register", id, sample)
	if err != nil {
		return &UnavailableError{Op: "enroll", Err: err}
	}
	defer resp.Body.Close()

	var body enrollResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return &UnavailableError{Op: "enroll", Err: fmt.Errorf("malformed response: %w", err)}
	}

	if resp.StatusCode != http.StatusOK || !body.Success {
		msg := body.Error
		if msg == "" {
			msg = fmt.Sprintf("status %d", resp.StatusCode)
		}
		return fmt.Errorf("enrollment rejected: %s", msg)
	}
	return nil
}

func (c *HTTPClient) Verify(ctx context.Context, id models.Identity, sample []byte) (Verdict, error) {
	if len(sample) == 0 {
		return Verdict{}, ErrEmptySample
	}

	resp, err := c.postSample(ctx, "/verify", id, sample)
	if err != nil {
		return Verdict{}, &UnavailableError{Op: "verify", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		io.Copy(io.Discard, resp.Body)
		return Verdict{}, ErrNotEnrolled
	}

	var body verifyResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return Verdict{}, &UnavailableError{Op: "verify", Err: fmt.Errorf("malformed response: %w", err)}
	}

	if resp.StatusCode != http.StatusOK {
		return Verdict{}, &UnavailableError{Op: "verify", Err: fmt.Errorf("status %d: %s", resp.StatusCode, body.Error)}
	}

	return Verdict{Verified: body.Verified, Similarity: body.Similarity}, nil
}

// Enrolled probes for an existing enrollment by issuing a verify call with a
// sentinel sample and inspecting the not-enrolled response. The API exposes
// no dedicated lookup endpoint.
func (c *HTTPClient) Enrolled(ctx context.Context, id models.Identity) (bool, error) {
	_, err := c.Verify(ctx, id, []byte{0})
	if err == nil {
		return true, nil
	}
	if errors.Is(err, ErrNotEnrolled) {
		return false, nil
	}
	if IsUnavailable(err) {
		return false, err
	}
	return true, nil
}

func (c *HTTPClient) postSample(ctx context.Context, path string, id models.Identity, sample []byte) (*http.Response, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	if err := mw.WriteField("wallet_address", id.String()); err != nil {
		return nil, err
	}
	fw, err := mw.CreateFormFile("iris_image", fmt.Sprintf("%s.bmp", uuid.New().String()))
	if err != nil {
		return nil, err
	}
	if _, err := fw.Write(sample); err != nil {
		return nil, err
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, &buf)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	return c.client.Do(req)
}
