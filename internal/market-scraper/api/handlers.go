package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/retailmon/market-scraper/internal/browser"
	"github.com/retailmon/market-scraper/internal/connector"
	"github.com/retailmon/market-scraper/internal/database"
	"github.com/retailmon/market-scraper/internal/market-scraper/events"
	"github.com/retailmon/market-scraper/internal/market-scraper/jobs"
	"github.com/retailmon/market-scraper/internal/market-scraper/scraper"
	"github.com/retailmon/market-scraper/internal/models"
	"github.com/retailmon/market-scraper/internal/sentiment"
	"github.com/retailmon/market-scraper/internal/storage"
)

// defaultScrapeReviews caps one-shot review collection when the caller
// asks for reviews without a count.
const defaultScrapeReviews = 10

type Handlers struct {
	db        *database.DB
	scraper   *scraper.Service
	jobs      *jobs.Manager
	publisher *events.Publisher
	store     *storage.SessionStore
	logger    *slog.Logger
}

func NewHandlers(db *database.DB, scraper *scraper.Service, jobs *jobs.Manager, publisher *events.Publisher, store *storage.SessionStore, logger *slog.Logger) *Handlers {
	return &Handlers{
		db:        db,
		scraper:   scraper,
		jobs:      jobs,
		publisher: publisher,
		store:     store,
		logger:    logger,
	}
}

type CreateListingRequest struct {
	URL string `json:"url"`
}

type ScrapeURLRequest struct {
	URL         string `json:"url"`
	WithReviews bool   `json:"with_reviews"`
	MaxReviews  int    `json:"max_reviews"`
}

type ScrapeListingRequest struct {
	JobType string `json:"job_type,omitempty"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

// ListingResponse flattens nullable listing columns for JSON clients.
type ListingResponse struct {
	ID           string     `json:"id"`
	Retailer     string     `json:"retailer"`
	ExternalID   string     `json:"external_id"`
	URL          string     `json:"url"`
	Title        string     `json:"title,omitempty"`
	Brand        string     `json:"brand,omitempty"`
	Rating       *float64   `json:"rating,omitempty"`
	ReviewsCount *int       `json:"reviews_count,omitempty"`
	InStock      bool       `json:"in_stock"`
	Currency     string     `json:"currency"`
	Status       string     `json:"status"`
	ErrorKind    string     `json:"error_kind,omitempty"`
	ErrorMessage string     `json:"error_message,omitempty"`
	ScrapedAt    *time.Time `json:"scraped_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

func listingResponse(l *database.Listing) ListingResponse {
	resp := ListingResponse{
		ID:           l.ID.String(),
		Retailer:     l.Retailer,
		ExternalID:   l.ExternalID,
		URL:          l.URL,
		Title:        l.Title,
		Brand:        l.Brand.String,
		Rating:       l.Rating,
		ReviewsCount: l.ReviewsCount,
		InStock:      l.InStock,
		Currency:     l.Currency,
		Status:       string(l.Status),
		ErrorKind:    l.ErrorKind.String,
		ErrorMessage: l.ErrorMessage.String,
		CreatedAt:    l.CreatedAt,
		UpdatedAt:    l.UpdatedAt,
	}
	if l.ScrapedAt.Valid {
		t := l.ScrapedAt.Time
		resp.ScrapedAt = &t
	}
	return resp
}

type ReviewResponse struct {
	ID          string     `json:"id"`
	ExternalID  string     `json:"external_id"`
	Author      string     `json:"author,omitempty"`
	Rating      int        `json:"rating"`
	Text        string     `json:"text,omitempty"`
	Pros        string     `json:"pros,omitempty"`
	Cons        string     `json:"cons,omitempty"`
	Sentiment   string     `json:"sentiment"`
	PublishedAt *time.Time `json:"published_at,omitempty"`
	CollectedAt time.Time  `json:"collected_at"`
}

func reviewResponse(row *database.ReviewRow) ReviewResponse {
	resp := ReviewResponse{
		ID:          row.ID.String(),
		ExternalID:  row.ExternalID,
		Author:      row.Author.String,
		Rating:      row.Rating,
		Text:        row.Text,
		Pros:        row.Pros.String,
		Cons:        row.Cons.String,
		Sentiment:   row.Sentiment,
		CollectedAt: row.CollectedAt,
	}
	if row.PublishedAt.Valid {
		t := row.PublishedAt.Time
		resp.PublishedAt = &t
	}
	return resp
}

type InsightsResponse struct {
	ListingID string                                    `json:"listing_id"`
	Reviews   int                                       `json:"reviews"`
	Summary   sentiment.Summary                         `json:"summary"`
	Topics    map[sentiment.Topic]*sentiment.TopicStats `json:"topics"`
	Histogram map[int]int                               `json:"histogram,omitempty"`
}

// CreateListing registers a product URL for monitoring and queues its
// first scrape.
func (h *Handlers) CreateListing(w http.ResponseWriter, r *http.Request) {
	var req CreateListingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.URL == "" {
		h.respondError(w, http.StatusBadRequest, "url is required")
		return
	}

	retailer, ok := connector.DetectRetailer(req.URL)
	if !ok {
		h.respondError(w, http.StatusBadRequest, "no connector supports this url")
		return
	}

	conn, _ := connector.Get(retailer, connector.Options{Logger: h.logger})
	externalID, ok := conn.ParseProductID(req.URL)
	if !ok {
		h.respondError(w, http.StatusBadRequest, "could not extract a product id from url")
		return
	}

	listing := &database.Listing{
		Retailer:   retailer,
		ExternalID: externalID,
		URL:        req.URL,
	}
	if err := h.db.UpsertListing(r.Context(), listing); err != nil {
		h.logger.Error("failed to upsert listing", "error", err)
		h.respondError(w, http.StatusInternalServerError, "failed to create listing")
		return
	}

	err := h.publisher.PublishListingDiscovered(r.Context(), &events.ListingDiscoveredPayload{
		ListingID:  listing.ID.String(),
		Retailer:   retailer,
		ExternalID: externalID,
		URL:        req.URL,
		Title:      listing.Title,
	})
	if err != nil {
		h.logger.Error("failed to publish listing discovered event", "error", err)
	}

	if _, err := h.jobs.EnqueueJob(r.Context(), listing.ID, h.jobs.DefaultJobType()); err != nil {
		h.logger.Error("failed to queue initial scrape", "listing_id", listing.ID, "error", err)
	}

	h.respondJSON(w, http.StatusCreated, listingResponse(listing))
}

func (h *Handlers) ListListings(w http.ResponseWriter, r *http.Request) {
	retailer := r.URL.Query().Get("retailer")
	limit := queryInt(r, "limit", 50)
	offset := queryInt(r, "offset", 0)

	listings, err := h.db.ListListings(r.Context(), retailer, limit, offset)
	if err != nil {
		h.logger.Error("failed to list listings", "error", err)
		h.respondError(w, http.StatusInternalServerError, "failed to list listings")
		return
	}

	resp := make([]ListingResponse, 0, len(listings))
	for _, l := range listings {
		resp = append(resp, listingResponse(l))
	}
	h.respondJSON(w, http.StatusOK, resp)
}

func (h *Handlers) GetListing(w http.ResponseWriter, r *http.Request) {
	listing, ok := h.listingFromPath(w, r)
	if !ok {
		return
	}
	h.respondJSON(w, http.StatusOK, listingResponse(listing))
}

func (h *Handlers) DeleteListing(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "listingID"))
	if err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid listing id")
		return
	}

	if err := h.db.DeleteListing(r.Context(), id); err != nil {
		h.logger.Error("failed to delete listing", "listing_id", id, "error", err)
		h.respondError(w, http.StatusInternalServerError, "failed to delete listing")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListingSnapshots returns the price history, newest first.
func (h *Handlers) ListingSnapshots(w http.ResponseWriter, r *http.Request) {
	listing, ok := h.listingFromPath(w, r)
	if !ok {
		return
	}

	limit := queryInt(r, "limit", 100)
	snapshots, err := h.db.SnapshotHistory(r.Context(), listing.ID, limit)
	if err != nil {
		h.logger.Error("failed to load snapshots", "listing_id", listing.ID, "error", err)
		h.respondError(w, http.StatusInternalServerError, "failed to load snapshots")
		return
	}
	if snapshots == nil {
		snapshots = []*database.PriceSnapshot{}
	}
	h.respondJSON(w, http.StatusOK, snapshots)
}

func (h *Handlers) ListingReviews(w http.ResponseWriter, r *http.Request) {
	listing, ok := h.listingFromPath(w, r)
	if !ok {
		return
	}

	limit := queryInt(r, "limit", 100)
	rows, err := h.db.ReviewsForListing(r.Context(), listing.ID, limit)
	if err != nil {
		h.logger.Error("failed to load reviews", "listing_id", listing.ID, "error", err)
		h.respondError(w, http.StatusInternalServerError, "failed to load reviews")
		return
	}

	resp := make([]ReviewResponse, 0, len(rows))
	for _, row := range rows {
		resp = append(resp, reviewResponse(row))
	}
	h.respondJSON(w, http.StatusOK, resp)
}

// ListingInsights aggregates stored reviews into sentiment and topic
// breakdowns.
func (h *Handlers) ListingInsights(w http.ResponseWriter, r *http.Request) {
	listing, ok := h.listingFromPath(w, r)
	if !ok {
		return
	}

	rows, err := h.db.ReviewsForListing(r.Context(), listing.ID, 500)
	if err != nil {
		h.logger.Error("failed to load reviews", "listing_id", listing.ID, "error", err)
		h.respondError(w, http.StatusInternalServerError, "failed to load reviews")
		return
	}

	reviews := make([]models.ReviewData, 0, len(rows))
	for _, row := range rows {
		review := models.ReviewData{
			ExternalID: row.ExternalID,
			Rating:     row.Rating,
			Text:       row.Text,
			Pros:       row.Pros.String,
			Cons:       row.Cons.String,
			AuthorName: row.Author.String,
		}
		if row.PublishedAt.Valid {
			t := row.PublishedAt.Time
			review.PublishedAt = &t
		}
		reviews = append(reviews, review)
	}

	insights := sentiment.Analyze(reviews)

	histogram, err := h.db.RatingHistogram(r.Context(), listing.ID)
	if err != nil {
		h.logger.Error("failed to load rating histogram", "listing_id", listing.ID, "error", err)
		h.respondError(w, http.StatusInternalServerError, "failed to load rating histogram")
		return
	}

	h.respondJSON(w, http.StatusOK, InsightsResponse{
		ListingID: listing.ID.String(),
		Reviews:   len(rows),
		Summary:   insights.Summary,
		Topics:    insights.Topics,
		Histogram: histogram,
	})
}

// ScrapeListing queues a scrape job for a listing.
func (h *Handlers) ScrapeListing(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "listingID"))
	if err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid listing id")
		return
	}

	jobType := h.jobs.DefaultJobType()
	var req ScrapeListingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err == nil && req.JobType != "" {
		switch jobs.JobType(req.JobType) {
		case jobs.JobTypePrice, jobs.JobTypeReviews:
			jobType = jobs.JobType(req.JobType)
		default:
			h.respondError(w, http.StatusBadRequest, "job_type must be price or reviews")
			return
		}
	}

	listing, err := h.db.GetListing(r.Context(), id)
	if err != nil {
		h.logger.Error("failed to get listing", "listing_id", id, "error", err)
		h.respondError(w, http.StatusInternalServerError, "failed to get listing")
		return
	}
	if listing == nil {
		h.respondError(w, http.StatusNotFound, "listing not found")
		return
	}

	job, err := h.jobs.EnqueueJob(r.Context(), id, jobType)
	if err != nil {
		h.logger.Error("failed to enqueue job", "listing_id", id, "error", err)
		h.respondError(w, http.StatusInternalServerError, "failed to enqueue job")
		return
	}
	h.respondJSON(w, http.StatusAccepted, job)
}

// ScrapeURL runs a one-shot scrape without persisting anything. Scrape
// failures are reported in the response body, not as HTTP errors.
func (h *Handlers) ScrapeURL(w http.ResponseWriter, r *http.Request) {
	var req ScrapeURLRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.URL == "" {
		h.respondError(w, http.StatusBadRequest, "url is required")
		return
	}

	maxReviews := 0
	if req.WithReviews {
		maxReviews = req.MaxReviews
		if maxReviews <= 0 {
			maxReviews = defaultScrapeReviews
		}
	}

	outcome, err := h.scraper.ScrapeURL(r.Context(), req.URL, maxReviews)
	if errors.Is(err, scraper.ErrUnsupportedURL) {
		h.respondError(w, http.StatusBadRequest, "no connector supports this url")
		return
	}
	if err != nil {
		h.logger.Error("one-shot scrape failed", "url", req.URL, "error", err)
		h.respondError(w, http.StatusInternalServerError, "scrape failed")
		return
	}
	h.respondJSON(w, http.StatusOK, outcome)
}

func (h *Handlers) ListJobs(w http.ResponseWriter, r *http.Request) {
	status := r.URL.Query().Get("status")
	limit := queryInt(r, "limit", 50)

	list, err := h.jobs.ListJobs(r.Context(), status, limit)
	if err != nil {
		h.logger.Error("failed to list jobs", "error", err)
		h.respondError(w, http.StatusInternalServerError, "failed to list jobs")
		return
	}
	if list == nil {
		list = []*jobs.Job{}
	}
	h.respondJSON(w, http.StatusOK, list)
}

func (h *Handlers) GetJob(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "jobID"))
	if err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid job id")
		return
	}

	job, err := h.jobs.GetJob(r.Context(), id)
	if err != nil {
		h.logger.Error("failed to get job", "job_id", id, "error", err)
		h.respondError(w, http.StatusInternalServerError, "failed to get job")
		return
	}
	if job == nil {
		h.respondError(w, http.StatusNotFound, "job not found")
		return
	}
	h.respondJSON(w, http.StatusOK, job)
}

func (h *Handlers) GetStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.jobs.GetStats(r.Context())
	if err != nil {
		h.logger.Error("failed to collect stats", "error", err)
		h.respondError(w, http.StatusInternalServerError, "failed to collect stats")
		return
	}
	h.respondJSON(w, http.StatusOK, stats)
}

// GetSessions reports cookie counts per retailer without exposing the
// cookie values.
func (h *Handlers) GetSessions(w http.ResponseWriter, r *http.Request) {
	h.respondJSON(w, http.StatusOK, h.store.Stats())
}

// PutSession stores authenticated cookies for a retailer.
func (h *Handlers) PutSession(w http.ResponseWriter, r *http.Request) {
	retailer := chi.URLParam(r, "retailer")
	conn, ok := connector.Get(retailer, connector.Options{Logger: h.logger})
	if !ok {
		h.respondError(w, http.StatusBadRequest, "unknown retailer")
		return
	}

	var cookies []browser.Cookie
	if err := json.NewDecoder(r.Body).Decode(&cookies); err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(cookies) == 0 {
		h.respondError(w, http.StatusBadRequest, "at least one cookie is required")
		return
	}

	if err := h.store.Set(conn.Slug(), cookies); err != nil {
		h.logger.Error("failed to store session", "retailer", conn.Slug(), "error", err)
		h.respondError(w, http.StatusInternalServerError, "failed to store session")
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]any{
		"retailer": conn.Slug(),
		"cookies":  len(cookies),
	})
}

func (h *Handlers) DeleteSession(w http.ResponseWriter, r *http.Request) {
	retailer := chi.URLParam(r, "retailer")
	if err := h.store.Delete(retailer); err != nil {
		h.logger.Error("failed to delete session", "retailer", retailer, "error", err)
		h.respondError(w, http.StatusInternalServerError, "failed to delete session")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) listingFromPath(w http.ResponseWriter, r *http.Request) (*database.Listing, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "listingID"))
	if err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid listing id")
		return nil, false
	}

	listing, err := h.db.GetListing(r.Context(), id)
	if err != nil {
		h.logger.Error("failed to get listing", "listing_id", id, "error", err)
		h.respondError(w, http.StatusInternalServerError, "failed to get listing")
		return nil, false
	}
	if listing == nil {
		h.respondError(w, http.StatusNotFound, "listing not found")
		return nil, false
	}
	return listing, true
}

func queryInt(r *http.Request, name string, defaultValue int) int {
	if value := r.URL.Query().Get(name); value != "" {
		if n, err := strconv.Atoi(value); err == nil && n >= 0 {
			return n
		}
	}
	return defaultValue
}

func (h *Handlers) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to encode response", "error", err)
	}
}

func (h *Handlers) respondError(w http.ResponseWriter, status int, message string) {
	h.respondJSON(w, status, ErrorResponse{Error: message})
}
