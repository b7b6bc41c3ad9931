// Package extraction talks to the external image-extraction service. The
// service is treated as slow and untrusted: every reply is schema-checked and
// every failure comes back as an upstream error. Nothing here retries.
package extraction

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"catalog-pipeline/internal/apperr"
	"catalog-pipeline/internal/models"
	"catalog-pipeline/internal/telemetry"
)

const maxResponseBytes = 1 << 20

// Resolver turns a stored image reference into a URL the service can fetch.
type Resolver interface {
	Resolve(ctx context.Context, ref string) (string, error)
}

type Client struct {
	endpoint   string
	httpClient *http.Client
	resolver   Resolver
	schemaMap  map[string]any
	schema     *jsonschema.Schema
	log        *slog.Logger
}

type Option func(*Client)

func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.httpClient = c }
}

func WithLogger(l *slog.Logger) Option {
	return func(cl *Client) { cl.log = l }
}

func NewClient(endpoint string, resolver Resolver, opts ...Option) (*Client, error) {
	if endpoint == "" {
		return nil, errors.New("extraction endpoint is required")
	}
	c := &Client{
		endpoint:   endpoint,
		httpClient: &http.Client{},
		resolver:   resolver,
		schemaMap:  MetadataSchema(),
		log:        slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	schema, err := compileSchema(c.schemaMap)
	if err != nil {
		return nil, err
	}
	c.schema = schema
	c.log = c.log.With("component", "extraction")
	return c, nil
}

type imagePayload struct {
	Slot models.ImageSlot `json:"slot"`
	URL  string           `json:"url"`
}

type requestBody struct {
	Prompt string         `json:"prompt"`
	Schema map[string]any `json:"schema"`
	Images []imagePayload `json:"images"`
}

type responseBody struct {
	Metadata json.RawMessage `json:"metadata"`
	Error    *struct {
		Message string `json:"message"`
	} `json:"error"`
}

type wireMetadata struct {
	Title            string   `json:"title"`
	Subtitle         *string  `json:"subtitle"`
	Authors          []string `json:"authors"`
	Publisher        *string  `json:"publisher"`
	Year             *int     `json:"year"`
	EditionStatement *string  `json:"edition_statement"`
	DustJacket       *bool    `json:"dust_jacket"`
	ISBN             *string  `json:"isbn"`
}

// Extract sends the images and returns the parsed metadata. The caller bounds
// the call with ctx; a deadline surfaces as an upstream error wrapping
// context.DeadlineExceeded.
func (c *Client) Extract(ctx context.Context, images []models.ImageRef) (models.Metadata, error) {
	ctx, span := telemetry.Tracer("extraction").Start(ctx, "extraction.extract")
	defer span.End()
	span.SetAttributes(attribute.Int("images", len(images)))

	rid := uuid.NewString()
	start := time.Now()

	md, err := c.extract(ctx, rid, images)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "extraction failed")
		c.log.Warn("extraction.failed", "req_id", rid, "error", err, "elapsed_ms", time.Since(start).Milliseconds())
		return models.Metadata{}, err
	}
	c.log.Info("extraction.ok", "req_id", rid, "authors", len(md.Authors), "has_isbn", md.ISBN != "",
		"elapsed_ms", time.Since(start).Milliseconds())
	return md, nil
}

func (c *Client) extract(ctx context.Context, rid string, images []models.ImageRef) (models.Metadata, error) {
	body := requestBody{Prompt: Prompt, Schema: c.schemaMap}
	for _, img := range images {
		u, err := c.resolver.Resolve(ctx, img.Ref)
		if err != nil {
			return models.Metadata{}, apperr.Upstream("could not prepare image "+string(img.Slot), err)
		}
		body.Images = append(body.Images, imagePayload{Slot: img.Slot, URL: u})
	}

	raw, status, err := c.post(ctx, rid, body)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return models.Metadata{}, apperr.Upstream("extraction timed out", context.DeadlineExceeded)
		}
		return models.Metadata{}, apperr.Upstream("extraction service unreachable", err)
	}

	var resp responseBody
	decodeErr := json.Unmarshal(raw, &resp)
	if resp.Error != nil && strings.TrimSpace(resp.Error.Message) != "" {
		return models.Metadata{}, apperr.Upstream(apperr.Sanitize(resp.Error.Message), fmt.Errorf("status %d", status))
	}
	if status/100 != 2 {
		return models.Metadata{}, apperr.Upstream(fmt.Sprintf("extraction service returned status %d", status), nil)
	}
	if decodeErr != nil {
		return models.Metadata{}, apperr.Upstream("extraction returned malformed output", decodeErr)
	}
	if len(resp.Metadata) == 0 || string(resp.Metadata) == "null" {
		return models.Metadata{}, apperr.Upstream("extraction returned no metadata", nil)
	}
	if err := validate(c.schema, resp.Metadata); err != nil {
		return models.Metadata{}, apperr.Upstream("extraction returned invalid metadata", err)
	}

	var wm wireMetadata
	if err := json.Unmarshal(resp.Metadata, &wm); err != nil {
		return models.Metadata{}, apperr.Upstream("extraction returned invalid metadata", err)
	}
	return wm.toModel(), nil
}

func (c *Client) post(ctx context.Context, rid string, body requestBody) ([]byte, int, error) {
	b, err := json.Marshal(body)
	if err != nil {
		return nil, 0, fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(b))
	if err != nil {
		return nil, 0, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Request-ID", rid)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer func(Body io.ReadCloser) {
		if err := Body.Close(); err != nil {
			c.log.Warn("extraction.response_body_close_error", "req_id", rid, "error", err)
		}
	}(resp.Body)

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("read response: %w", err)
	}
	return raw, resp.StatusCode, nil
}

func (w wireMetadata) toModel() models.Metadata {
	deref := func(s *string) string {
		if s == nil {
			return ""
		}
		return strings.TrimSpace(*s)
	}
	md := models.Metadata{
		Title:            strings.TrimSpace(w.Title),
		Subtitle:         deref(w.Subtitle),
		Publisher:        deref(w.Publisher),
		EditionStatement: deref(w.EditionStatement),
		ISBN:             deref(w.ISBN),
	}
	for _, a := range w.Authors {
		if a = strings.TrimSpace(a); a != "" {
			md.Authors = append(md.Authors, a)
		}
	}
	if w.Year != nil {
		md.Year = *w.Year
	}
	if w.DustJacket != nil {
		md.DustJacket = *w.DustJacket
	}
	return md
}
