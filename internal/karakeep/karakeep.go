// Package karakeep ingests bookmark webhooks: verify the signature,
// dedup the delivery, fetch the bookmark, optionally summarise it and
// compose a document into the configured folder.
package karakeep

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/workspace/affine-gateway/internal/backoff"
	"github.com/workspace/affine-gateway/internal/composer"
	"github.com/workspace/affine-gateway/internal/persistence"
)

const (
	// SignatureHeader carries the hex HMAC-SHA256 of the raw body.
	SignatureHeader = "X-Signature"

	maxWebhookBody = 1 << 20

	defaultGeminiAPIURL = "https://generativelanguage.googleapis.com/v1beta"
	geminiModel         = "gemini-2.0-flash"
)

// Operations Karakeep delivers. Created bookmarks become documents in
// the bookmarks folder; crawled content becomes a zettel note. The
// rest are acknowledged and skipped.
const (
	OpCreated = "created"
	OpCrawled = "crawled"
)

// Event is the webhook payload.
type Event struct {
	JobID      string `json:"jobId"`
	BookmarkID string `json:"bookmarkId"`
	UserID     string `json:"userId"`
	URL        string `json:"url"`
	Operation  string `json:"operation"`
}

// Bookmark is the slice of the Karakeep bookmark resource the pipeline
// reads.
type Bookmark struct {
	ID      string `json:"id"`
	Title   string `json:"title"`
	Summary string `json:"summary"`
	Note    string `json:"note"`
	Tags    []struct {
		Name string `json:"name"`
	} `json:"tags"`
	Content struct {
		Type        string `json:"type"`
		URL         string `json:"url"`
		Title       string `json:"title"`
		Description string `json:"description"`
		HTMLContent string `json:"htmlContent"`
		Text        string `json:"text"`
	} `json:"content"`
	CreatedAt string `json:"createdAt"`
}

// Config wires the pipeline to the outside world.
type Config struct {
	APIURL        string // Karakeep API base, no trailing slash
	APIKey        string
	WebhookSecret string
	GeminiAPIKey  string // optional; empty disables summaries
	GeminiAPIURL  string // defaults to the public endpoint

	WorkspaceID   string
	FolderID      string // bookmark documents
	ZettelsFolder string // crawled-content notes; falls back to FolderID
}

// Compose creates one document; the server binds this to a fresh
// upstream session per delivery.
type Compose func(ctx context.Context, workspaceID string, spec composer.CreateSpec) (*composer.CreateResult, error)

// Service is the webhook pipeline.
type Service struct {
	cfg     Config
	store   *persistence.Store
	compose Compose
	client  *http.Client
	retry   backoff.Config

	// launch runs the pipeline after the webhook response is sent.
	// Tests replace it to process inline.
	launch func(fn func())
}

func NewService(cfg Config, store *persistence.Store, compose Compose) *Service {
	if cfg.GeminiAPIURL == "" {
		cfg.GeminiAPIURL = defaultGeminiAPIURL
	}
	return &Service{
		cfg:     cfg,
		store:   store,
		compose: compose,
		client:  &http.Client{Timeout: 30 * time.Second},
		retry:   backoff.DefaultConfig(),
		launch:  func(fn func()) { go fn() },
	}
}

// VerifySignature checks the hex HMAC-SHA256 of the body, with or
// without a "sha256=" prefix.
func (s *Service) VerifySignature(body []byte, header string) bool {
	header = strings.TrimPrefix(strings.TrimSpace(header), "sha256=")
	sig, err := hex.DecodeString(header)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(s.cfg.WebhookSecret))
	mac.Write(body)
	return hmac.Equal(sig, mac.Sum(nil))
}

// Handler accepts webhook deliveries. It answers before the pipeline
// runs; the ledger carries the outcome.
func (s *Service) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
		if err != nil {
			http.Error(w, "read body", http.StatusBadRequest)
			return
		}
		if !s.VerifySignature(body, r.Header.Get(SignatureHeader)) {
			slog.Warn("Webhook signature rejected")
			http.Error(w, "invalid signature", http.StatusUnauthorized)
			return
		}

		var event Event
		if err := json.Unmarshal(body, &event); err != nil || event.BookmarkID == "" || event.Operation == "" {
			http.Error(w, "malformed event", http.StatusBadRequest)
			return
		}

		if event.Operation != OpCreated && event.Operation != OpCrawled {
			if err := s.markSkipped(event); err != nil {
				slog.Warn("Recording skipped delivery failed", "error", err)
			}
			respond(w, http.StatusOK, map[string]string{"status": "skipped"})
			return
		}

		fresh, err := s.store.Begin(event.BookmarkID, event.Operation)
		if err != nil {
			http.Error(w, "ledger unavailable", http.StatusInternalServerError)
			return
		}
		if !fresh {
			respond(w, http.StatusOK, map[string]string{"status": "duplicate"})
			return
		}

		s.launch(func() { s.process(event) })
		respond(w, http.StatusAccepted, map[string]string{"status": "accepted"})
	}
}

func (s *Service) markSkipped(event Event) error {
	fresh, err := s.store.Begin(event.BookmarkID, event.Operation)
	if err != nil {
		return err
	}
	if !fresh {
		return nil
	}
	return s.store.Skip(event.BookmarkID, event.Operation)
}

func respond(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

// process runs the pipeline with retries and records the outcome.
func (s *Service) process(event Event) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	var docID string
	err := backoff.Do(ctx, s.retry, "karakeep ingest", func(ctx context.Context) error {
		id, err := s.ingest(ctx, event)
		if err != nil {
			return err
		}
		docID = id
		return nil
	})
	if err != nil {
		slog.Error("Bookmark ingest failed",
			"bookmark", event.BookmarkID, "operation", event.Operation, "error", err)
		if ferr := s.store.Fail(event.BookmarkID, event.Operation, err); ferr != nil {
			slog.Warn("Recording failed delivery failed", "error", ferr)
		}
		return
	}

	slog.Info("Bookmark ingested",
		"bookmark", event.BookmarkID, "operation", event.Operation, "doc", docID)
	if err := s.store.Finish(event.BookmarkID, event.Operation, docID); err != nil {
		slog.Warn("Recording finished delivery failed", "error", err)
	}
}

func (s *Service) ingest(ctx context.Context, event Event) (string, error) {
	bookmark, err := s.fetchBookmark(ctx, event.BookmarkID)
	if err != nil {
		return "", err
	}

	spec := composer.CreateSpec{
		Title:    bookmarkTitle(bookmark),
		Tags:     bookmarkTags(bookmark),
		FolderID: s.cfg.FolderID,
	}

	switch event.Operation {
	case OpCrawled:
		if s.cfg.ZettelsFolder != "" {
			spec.FolderID = s.cfg.ZettelsFolder
		}
		summary := s.summarise(ctx, bookmark)
		spec.Markdown = zettelMarkdown(bookmark, summary)
	default:
		spec.Markdown = bookmarkMarkdown(bookmark)
	}

	result, err := s.compose(ctx, s.cfg.WorkspaceID, spec)
	if err != nil {
		return "", err
	}
	return result.DocID, nil
}

func (s *Service) fetchBookmark(ctx context.Context, id string) (*Bookmark, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.cfg.APIURL+"/bookmarks/"+id, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+s.cfg.APIKey)

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch bookmark: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusUnauthorized:
		return nil, backoff.Permanent(fmt.Errorf("fetch bookmark %s: status %d", id, resp.StatusCode))
	default:
		return nil, fmt.Errorf("fetch bookmark %s: status %d", id, resp.StatusCode)
	}

	var bookmark Bookmark
	if err := json.NewDecoder(resp.Body).Decode(&bookmark); err != nil {
		return nil, fmt.Errorf("decode bookmark: %w", err)
	}
	return &bookmark, nil
}

// summarise asks Gemini for a short summary of the crawled content.
// Missing key or any failure degrades to no summary.
func (s *Service) summarise(ctx context.Context, bookmark *Bookmark) string {
	if s.cfg.GeminiAPIKey == "" {
		return ""
	}
	text := bookmark.Content.Text
	if text == "" {
		text = bookmark.Content.Description
	}
	if text == "" {
		return ""
	}
	if len(text) > 30000 {
		text = text[:30000]
	}

	payload := map[string]interface{}{
		"contents": []map[string]interface{}{{
			"parts": []map[string]string{{
				"text": "Summarise the following article in at most three sentences.\n\n" + text,
			}},
		}},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return ""
	}

	url := fmt.Sprintf("%s/models/%s:generateContent?key=%s", s.cfg.GeminiAPIURL, geminiModel, s.cfg.GeminiAPIKey)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return ""
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		slog.Warn("Summary request failed", "bookmark", bookmark.ID, "error", err)
		return ""
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		slog.Warn("Summary request rejected", "bookmark", bookmark.ID, "status", resp.StatusCode)
		return ""
	}

	var out struct {
		Candidates []struct {
			Content struct {
				Parts []struct {
					Text string `json:"text"`
				} `json:"parts"`
			} `json:"content"`
		} `json:"candidates"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return ""
	}
	if len(out.Candidates) == 0 || len(out.Candidates[0].Content.Parts) == 0 {
		return ""
	}
	return strings.TrimSpace(out.Candidates[0].Content.Parts[0].Text)
}

func bookmarkTitle(b *Bookmark) string {
	switch {
	case b.Title != "":
		return b.Title
	case b.Content.Title != "":
		return b.Content.Title
	case b.Content.URL != "":
		return b.Content.URL
	default:
		return "Untitled bookmark"
	}
}

func bookmarkTags(b *Bookmark) []string {
	tags := []string{"karakeep"}
	for _, t := range b.Tags {
		if t.Name != "" {
			tags = append(tags, t.Name)
		}
	}
	return tags
}

func bookmarkMarkdown(b *Bookmark) string {
	var sb strings.Builder
	if b.Content.URL != "" {
		fmt.Fprintf(&sb, "[%s](%s)\n\n", bookmarkTitle(b), b.Content.URL)
	}
	if b.Content.Description != "" {
		sb.WriteString(b.Content.Description + "\n\n")
	}
	if b.Note != "" {
		sb.WriteString("> " + b.Note + "\n")
	}
	return strings.TrimRight(sb.String(), "\n")
}

func zettelMarkdown(b *Bookmark, summary string) string {
	var sb strings.Builder
	if b.Content.URL != "" {
		fmt.Fprintf(&sb, "Source: [%s](%s)\n\n", bookmarkTitle(b), b.Content.URL)
	}
	if summary != "" {
		sb.WriteString("## Summary\n\n" + summary + "\n\n")
	} else if b.Summary != "" {
		sb.WriteString("## Summary\n\n" + b.Summary + "\n\n")
	}
	if b.Content.Text != "" {
		sb.WriteString("## Content\n\n" + b.Content.Text + "\n")
	} else if b.Content.Description != "" {
		sb.WriteString("## Content\n\n" + b.Content.Description + "\n")
	}
	return strings.TrimRight(sb.String(), "\n")
}
