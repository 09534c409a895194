// Package attachment fetches referenced files and converts them into the
// inline representation a target provider accepts: an inline image, an
// inline document, or extracted text.
package attachment

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/ledongthuc/pdf"

	"github.com/workmesh/aigate/pkg/types"
)

// Default budgets. The PDF budget is larger than the plain-text budget
// because PDFs carry denser content per attachment.
const (
	DefaultTextBudget    = 8_000
	DefaultPDFTextBudget = 20_000
	DefaultMaxFetchBytes = 20 << 20 // 20 MiB
	defaultFetchTimeout  = 30 * time.Second
)

// Normalizer converts attachment references into normalized parts.
// A failed fetch skips that attachment and continues; a single bad
// attachment never aborts the whole request.
type Normalizer struct {
	client        *http.Client
	textBudget    int
	pdfTextBudget int
	maxFetchBytes int64
	logger        *slog.Logger
}

// Option configures a Normalizer.
type Option func(*Normalizer)

// WithHTTPClient overrides the fetch client.
func WithHTTPClient(c *http.Client) Option {
	return func(n *Normalizer) {
		if c != nil {
			n.client = c
		}
	}
}

// WithTextBudget sets the character budget for plain-text extraction.
func WithTextBudget(chars int) Option {
	return func(n *Normalizer) {
		if chars > 0 {
			n.textBudget = chars
		}
	}
}

// WithPDFTextBudget sets the character budget for PDF text extraction.
func WithPDFTextBudget(chars int) Option {
	return func(n *Normalizer) {
		if chars > 0 {
			n.pdfTextBudget = chars
		}
	}
}

// WithMaxFetchBytes caps the size of any single fetched attachment.
func WithMaxFetchBytes(limit int64) Option {
	return func(n *Normalizer) {
		if limit > 0 {
			n.maxFetchBytes = limit
		}
	}
}

// WithLogger sets the normalizer logger.
func WithLogger(l *slog.Logger) Option {
	return func(n *Normalizer) {
		if l != nil {
			n.logger = l
		}
	}
}

// New creates a Normalizer with default budgets.
func New(opts ...Option) *Normalizer {
	n := &Normalizer{
		client:        &http.Client{Timeout: defaultFetchTimeout},
		textBudget:    DefaultTextBudget,
		pdfTextBudget: DefaultPDFTextBudget,
		maxFetchBytes: DefaultMaxFetchBytes,
		logger:        slog.Default(),
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Normalize converts the attachments for a target provider.
// nativeDocuments reports whether the target family accepts inline PDF.
func (n *Normalizer) Normalize(ctx context.Context, attachments []types.Attachment, nativeDocuments bool) []types.NormalizedPart {
	parts := make([]types.NormalizedPart, 0, len(attachments))

	for _, att := range attachments {
		part, err := n.normalizeOne(ctx, att, nativeDocuments)
		if err != nil {
			n.logger.Warn("attachment skipped", "url", att.URL, "error", err)
			continue
		}
		if part == nil {
			continue
		}
		parts = append(parts, *part)
	}
	return parts
}

func (n *Normalizer) normalizeOne(ctx context.Context, att types.Attachment, nativeDocuments bool) (*types.NormalizedPart, error) {
	data, err := n.fetch(ctx, att.URL)
	if err != nil {
		return nil, err
	}

	mime := strings.ToLower(strings.TrimSpace(att.ContentType))
	if idx := strings.Index(mime, ";"); idx >= 0 {
		mime = strings.TrimSpace(mime[:idx])
	}
	if mime == "" || mime == "application/octet-stream" {
		mime = mimetype.Detect(data).String()
		if idx := strings.Index(mime, ";"); idx >= 0 {
			mime = strings.TrimSpace(mime[:idx])
		}
	}

	switch {
	case strings.HasPrefix(mime, "image/"):
		return &types.NormalizedPart{
			Kind:     types.PartInlineImage,
			MimeType: mime,
			Data:     base64.StdEncoding.EncodeToString(data),
			Name:     att.Name,
		}, nil

	case mime == "application/pdf" && nativeDocuments:
		return &types.NormalizedPart{
			Kind:     types.PartInlineDocument,
			MimeType: mime,
			Data:     base64.StdEncoding.EncodeToString(data),
			Name:     att.Name,
		}, nil

	case mime == "application/pdf":
		text, err := extractPDFText(data)
		if err != nil {
			return nil, fmt.Errorf("extract pdf text: %w", err)
		}
		return &types.NormalizedPart{
			Kind: types.PartExtractedText,
			Text: truncate(text, n.pdfTextBudget),
			Name: att.Name,
		}, nil

	case strings.HasPrefix(mime, "text/"):
		return &types.NormalizedPart{
			Kind: types.PartExtractedText,
			Text: truncate(string(data), n.textBudget),
			Name: att.Name,
		}, nil

	default:
		n.logger.Warn("unsupported attachment kind", "url", att.URL, "mime", mime)
		return nil, nil
	}
}

func (n *Normalizer) fetch(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch: unexpected status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, n.maxFetchBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if int64(len(data)) > n.maxFetchBytes {
		return nil, fmt.Errorf("attachment exceeds %d byte limit", n.maxFetchBytes)
	}
	return data, nil
}

func extractPDFText(data []byte) (string, error) {
	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	plain, err := reader.GetPlainText()
	if err != nil {
		return "", err
	}
	if _, err := buf.ReadFrom(plain); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// truncate cuts s to at most budget characters without splitting a rune.
func truncate(s string, budget int) string {
	if budget <= 0 || len(s) <= budget {
		return s
	}
	runes := []rune(s)
	if len(runes) <= budget {
		return s
	}
	return string(runes[:budget])
}
