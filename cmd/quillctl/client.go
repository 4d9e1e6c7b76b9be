package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/spf13/cobra"
)

const defaultAPIURL = "http://localhost:8080"

// apiClient sends authenticated requests to the QuillForge API.
type apiClient struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// newAPIClient builds an apiClient from flags or env vars.
func newAPIClient(cmd *cobra.Command) (*apiClient, error) {
	apiURL, _ := cmd.Flags().GetString("api-url")
	apiKey, _ := cmd.Flags().GetString("api-key")

	if apiURL == "" {
		apiURL = os.Getenv("QUILLFORGE_API_URL")
	}
	if apiKey == "" {
		apiKey = os.Getenv("QUILLFORGE_API_KEY")
	}

	if apiURL == "" {
		apiURL = defaultAPIURL
	}
	if apiKey == "" {
		return nil, fmt.Errorf("no API key: pass --api-key or set QUILLFORGE_API_KEY")
	}

	return &apiClient{
		baseURL: apiURL,
		apiKey:  apiKey,
		http:    &http.Client{},
	}, nil
}

func (c *apiClient) do(method, path string, body any, out any) error {
	var buf io.Reader
	if body != nil {
		var b bytes.Buffer
		if err := json.NewEncoder(&b).Encode(body); err != nil {
			return err
		}
		buf = &b
	}

	req, err := http.NewRequest(method, c.baseURL+path, buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 400 {
		var errResp struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(respBody, &errResp) == nil && errResp.Error.Message != "" {
			return fmt.Errorf("%s: %s", errResp.Error.Code, errResp.Error.Message)
		}
		return fmt.Errorf("api error %d: %s", resp.StatusCode, string(respBody))
	}

	if out != nil {
		return json.Unmarshal(respBody, out)
	}
	return nil
}

func (c *apiClient) get(path string, out any) error {
	return c.do(http.MethodGet, path, nil, out)
}

func (c *apiClient) post(path string, body, out any) error {
	return c.do(http.MethodPost, path, body, out)
}

// printJSON pretty-prints an API response envelope.
func printJSON(v any) {
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
}
