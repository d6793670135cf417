package tools

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cloudwego/eino/components/tool/utils"

	"github.com/ushercli/usher/internal/policy"
)

const (
	webFetchTimeout  = 30 * time.Second
	webFetchMaxBytes = 512 * 1024
)

// WebFetchInput parameters for web_fetch tool.
type WebFetchInput struct {
	URL string `json:"url" jsonschema:"required,description=HTTP or HTTPS URL to fetch"`
}

// WebFetchOutput result of web_fetch tool.
type WebFetchOutput struct {
	Status    int    `json:"status"`
	Body      string `json:"body"`
	Truncated bool   `json:"truncated"`
}

type webFetchToolImpl struct {
	client *http.Client
}

func (t *webFetchToolImpl) execute(ctx context.Context, input *WebFetchInput) (*WebFetchOutput, error) {
	url := strings.TrimSpace(input.URL)
	if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
		return nil, fmt.Errorf("url must start with http:// or https://")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", "usher/1.0")

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, webFetchMaxBytes+1))
	if err != nil {
		return nil, err
	}

	truncated := false
	if len(body) > webFetchMaxBytes {
		body = body[:webFetchMaxBytes]
		truncated = true
	}

	return &WebFetchOutput{
		Status:    resp.StatusCode,
		Body:      string(body),
		Truncated: truncated,
	}, nil
}

// NewWebFetchTool creates the web_fetch tool definition.
func NewWebFetchTool() (Definition, error) {
	impl := &webFetchToolImpl{client: &http.Client{Timeout: webFetchTimeout}}
	t, err := utils.InferTool("web_fetch", "Fetch the contents of a web page", impl.execute)
	if err != nil {
		return Definition{}, err
	}
	return Definition{
		Tool:     t,
		Category: policy.CategoryNetwork,
		Params: map[string]Param{
			"url": {Type: "string", Required: true},
		},
	}, nil
}
