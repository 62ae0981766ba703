package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hexleaf/wechat-ai-platform/internal/agents"
	"github.com/hexleaf/wechat-ai-platform/internal/conversation"
	"github.com/hexleaf/wechat-ai-platform/internal/store"
	"github.com/hexleaf/wechat-ai-platform/internal/wechat"
	"github.com/hexleaf/wechat-ai-platform/pkg/logging"
)

const defaultListLimit = 20

// DraftLister reads recent content drafts.
type DraftLister interface {
	ListRecent(ctx context.Context, limit int) ([]store.DraftRecord, error)
}

// SnapshotLister reads stored analytics snapshots.
type SnapshotLister interface {
	ListRecentSnapshots(ctx context.Context, limit int) ([]store.SnapshotRecord, error)
}

// ConversationReader reads a user's archived conversation.
type ConversationReader interface {
	RecentTurns(ctx context.Context, openID string, limit int) ([]conversation.Turn, error)
}

// JobLister reads publish jobs that have not completed yet.
type JobLister interface {
	Pending(ctx context.Context) ([]agents.PublishJob, error)
}

// FAQWriter inserts curated answers.
type FAQWriter interface {
	Insert(ctx context.Context, entry store.FAQEntry) (uuid.UUID, error)
}

// MenuManager drives the account's custom menu on the platform.
type MenuManager interface {
	CreateMenu(ctx context.Context, buttons []wechat.MenuButton) error
	GetMenu(ctx context.Context) ([]wechat.MenuButton, error)
	DeleteMenu(ctx context.Context) error
}

// AdminHandler exposes the operator API behind the admin JWT.
type AdminHandler struct {
	drafts        DraftLister
	snapshots     SnapshotLister
	conversations ConversationReader
	jobs          JobLister
	faqs          FAQWriter
	menus         MenuManager
	logger        *logging.Logger
}

func NewAdminHandler(drafts DraftLister, snapshots SnapshotLister, conversations ConversationReader, jobs JobLister, faqs FAQWriter, menus MenuManager, logger *logging.Logger) *AdminHandler {
	if logger == nil {
		logger = logging.Default()
	}
	return &AdminHandler{
		drafts:        drafts,
		snapshots:     snapshots,
		conversations: conversations,
		jobs:          jobs,
		faqs:          faqs,
		menus:         menus,
		logger:        logger,
	}
}

type draftView struct {
	ID              string    `json:"id"`
	Topic           string    `json:"topic"`
	Title           string    `json:"title"`
	Outline         []string  `json:"outline,omitempty"`
	AltTitles       []string  `json:"alt_titles,omitempty"`
	PlatformMediaID string    `json:"platform_media_id,omitempty"`
	ArchiveKey      string    `json:"archive_key,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}

type snapshotView struct {
	ID             string    `json:"id"`
	PeriodStart    time.Time `json:"period_start"`
	PeriodEnd      time.Time `json:"period_end"`
	NewFollowers   int       `json:"new_followers"`
	Churned        int       `json:"churned_followers"`
	NetGrowth      int       `json:"net_growth"`
	ChurnRate      float64   `json:"churn_rate"`
	TotalReads     int       `json:"total_reads"`
	TotalShares    int       `json:"total_shares"`
	EngagementRate float64   `json:"engagement_rate"`
	Insights       string    `json:"insights,omitempty"`
}

type jobView struct {
	ID      string    `json:"id"`
	DraftID string    `json:"draft_id"`
	Title   string    `json:"title"`
	RunAt   time.Time `json:"run_at"`
	Status  string    `json:"status"`
}

type turnView struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// HandleListDrafts returns recent content drafts, newest first.
func (h *AdminHandler) HandleListDrafts(w http.ResponseWriter, r *http.Request) {
	limit := listLimit(r)
	drafts, err := h.drafts.ListRecent(r.Context(), limit)
	if err != nil {
		h.logger.Error("admin: list drafts failed", "error", err)
		http.Error(w, "failed to list drafts", http.StatusInternalServerError)
		return
	}
	views := make([]draftView, 0, len(drafts))
	for _, d := range drafts {
		views = append(views, draftView{
			ID:              d.ID.String(),
			Topic:           d.Topic,
			Title:           d.Title,
			Outline:         d.Outline,
			AltTitles:       d.AltTitles,
			PlatformMediaID: d.PlatformMediaID,
			ArchiveKey:      d.ArchiveKey,
			CreatedAt:       d.CreatedAt,
		})
	}
	writeJSON(w, map[string]any{"drafts": views})
}

// HandleListSnapshots returns stored analytics snapshots, newest first.
func (h *AdminHandler) HandleListSnapshots(w http.ResponseWriter, r *http.Request) {
	limit := listLimit(r)
	snapshots, err := h.snapshots.ListRecentSnapshots(r.Context(), limit)
	if err != nil {
		h.logger.Error("admin: list snapshots failed", "error", err)
		http.Error(w, "failed to list snapshots", http.StatusInternalServerError)
		return
	}
	views := make([]snapshotView, 0, len(snapshots))
	for _, s := range snapshots {
		views = append(views, snapshotView{
			ID:             s.ID.String(),
			PeriodStart:    s.PeriodStart,
			PeriodEnd:      s.PeriodEnd,
			NewFollowers:   s.NewFollowers,
			Churned:        s.ChurnedFollowers,
			NetGrowth:      s.NetGrowth,
			ChurnRate:      s.ChurnRate,
			TotalReads:     s.TotalReads,
			TotalShares:    s.TotalShares,
			EngagementRate: s.EngagementRate,
			Insights:       s.Insights,
		})
	}
	writeJSON(w, map[string]any{"snapshots": views})
}

// HandleListJobs returns publish jobs still waiting to run.
func (h *AdminHandler) HandleListJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := h.jobs.Pending(r.Context())
	if err != nil {
		h.logger.Error("admin: list jobs failed", "error", err)
		http.Error(w, "failed to list jobs", http.StatusInternalServerError)
		return
	}
	views := make([]jobView, 0, len(jobs))
	for _, j := range jobs {
		views = append(views, jobView{
			ID:      j.ID,
			DraftID: j.DraftID.String(),
			Title:   j.Title,
			RunAt:   j.RunAt,
			Status:  j.Status,
		})
	}
	writeJSON(w, map[string]any{"jobs": views})
}

// HandleConversation returns the archived conversation for one open id.
func (h *AdminHandler) HandleConversation(w http.ResponseWriter, r *http.Request) {
	openID := strings.TrimSpace(r.URL.Query().Get("open_id"))
	if openID == "" {
		http.Error(w, "open_id parameter required", http.StatusBadRequest)
		return
	}
	turns, err := h.conversations.RecentTurns(r.Context(), openID, listLimit(r))
	if err != nil {
		h.logger.Error("admin: load conversation failed", "open_id", openID, "error", err)
		http.Error(w, "failed to load conversation", http.StatusInternalServerError)
		return
	}
	views := make([]turnView, 0, len(turns))
	for _, t := range turns {
		views = append(views, turnView{Role: t.Role, Content: t.Content, CreatedAt: t.CreatedAt})
	}
	writeJSON(w, map[string]any{"open_id": openID, "turns": views})
}

// HandleCreateFAQ inserts a curated answer served ahead of the LLM.
func (h *AdminHandler) HandleCreateFAQ(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Question string   `json:"question"`
		Answer   string   `json:"answer"`
		Keywords []string `json:"keywords"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.Question) == "" || strings.TrimSpace(req.Answer) == "" {
		http.Error(w, "question and answer are required", http.StatusBadRequest)
		return
	}
	id, err := h.faqs.Insert(r.Context(), store.FAQEntry{
		Question: req.Question,
		Answer:   req.Answer,
		Keywords: req.Keywords,
		Enabled:  true,
	})
	if err != nil {
		h.logger.Error("admin: create faq failed", "error", err)
		http.Error(w, "failed to create faq", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(map[string]string{"id": id.String()})
}

// HandleGetMenu returns the menu currently installed on the account.
func (h *AdminHandler) HandleGetMenu(w http.ResponseWriter, r *http.Request) {
	if h.menus == nil {
		http.Error(w, "menu management unavailable", http.StatusServiceUnavailable)
		return
	}
	buttons, err := h.menus.GetMenu(r.Context())
	if err != nil {
		h.logger.Error("admin: get menu failed", "error", err)
		http.Error(w, "failed to load menu", http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]any{"buttons": buttons})
}

// HandleUpdateMenu replaces the account's custom menu.
func (h *AdminHandler) HandleUpdateMenu(w http.ResponseWriter, r *http.Request) {
	if h.menus == nil {
		http.Error(w, "menu management unavailable", http.StatusServiceUnavailable)
		return
	}
	var req struct {
		Buttons []wechat.MenuButton `json:"buttons"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if len(req.Buttons) == 0 {
		http.Error(w, "at least one button is required", http.StatusBadRequest)
		return
	}
	if err := h.menus.CreateMenu(r.Context(), req.Buttons); err != nil {
		h.logger.Error("admin: update menu failed", "error", err)
		http.Error(w, "failed to update menu", http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]string{"status": "ok"})
}

// HandleDeleteMenu removes the account's custom menu.
func (h *AdminHandler) HandleDeleteMenu(w http.ResponseWriter, r *http.Request) {
	if h.menus == nil {
		http.Error(w, "menu management unavailable", http.StatusServiceUnavailable)
		return
	}
	if err := h.menus.DeleteMenu(r.Context()); err != nil {
		h.logger.Error("admin: delete menu failed", "error", err)
		http.Error(w, "failed to delete menu", http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]string{"status": "ok"})
}

func listLimit(r *http.Request) int {
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 && n <= 100 {
			return n
		}
	}
	return defaultListLimit
}

func writeJSON(w http.ResponseWriter, payload any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(payload)
}
