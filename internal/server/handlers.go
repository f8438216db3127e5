package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/unipass/backend/internal/domain"
	"github.com/unipass/backend/internal/meetup"
	"github.com/unipass/backend/internal/observe"
	"github.com/unipass/backend/internal/service"
)

// Engine is the service surface the API drives.
type Engine interface {
	State() *observe.Store
	Refresh(ctx context.Context) error
	UpdateProfile(ctx context.Context, in service.ProfileInput) (domain.Profile, error)
	CompleteOnboarding(ctx context.Context, in service.ProfileInput) (domain.Profile, error)
	CreateMeetup(ctx context.Context, d meetup.Draft, force bool) (meetup.JoinResult, error)
	JoinMeetup(ctx context.Context, id string, force bool) (meetup.JoinResult, error)
	LeaveMeetup(ctx context.Context, id string) (meetup.LeaveResult, error)
	Meetups(ctx context.Context) ([]domain.Meetup, error)
	InteractionLog(ctx context.Context) ([]domain.InteractionEntry, error)
}

// APIHandlers exposes HTTP handlers for the REST API.
type APIHandlers struct {
	logger *slog.Logger
	engine Engine
}

// NewAPIHandlers constructs an APIHandlers instance.
func NewAPIHandlers(logger *slog.Logger, engine Engine) *APIHandlers {
	return &APIHandlers{
		logger: logger,
		engine: engine,
	}
}

func (h *APIHandlers) getState(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.engine.State().Snapshot())
}

func (h *APIHandlers) refresh(w http.ResponseWriter, r *http.Request) {
	if err := h.engine.Refresh(r.Context()); err != nil {
		h.writeServiceError(w, "refresh failed", err)
		return
	}
	respondJSON(w, http.StatusOK, h.engine.State().Snapshot())
}

func (h *APIHandlers) updateProfile(w http.ResponseWriter, r *http.Request) {
	var req profileRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	p, err := h.engine.UpdateProfile(r.Context(), req.toServiceInput())
	if err != nil {
		h.writeServiceError(w, "failed to update profile", err)
		return
	}
	respondJSON(w, http.StatusOK, toProfileResponse(p))
}

func (h *APIHandlers) completeOnboarding(w http.ResponseWriter, r *http.Request) {
	var req profileRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	p, err := h.engine.CompleteOnboarding(r.Context(), req.toServiceInput())
	if err != nil {
		h.writeServiceError(w, "failed to complete onboarding", err)
		return
	}
	respondJSON(w, http.StatusOK, toProfileResponse(p))
}

func (h *APIHandlers) listMeetups(w http.ResponseWriter, r *http.Request) {
	ms, err := h.engine.Meetups(r.Context())
	if err != nil {
		h.writeServiceError(w, "failed to list meetups", err)
		return
	}
	if ms == nil {
		ms = []domain.Meetup{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"items": ms})
}

func (h *APIHandlers) createMeetup(w http.ResponseWriter, r *http.Request) {
	var req meetupRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	draft, err := req.toDraft()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	res, err := h.engine.CreateMeetup(r.Context(), draft, parseBool(r.URL.Query().Get("force")))
	if err != nil {
		h.writeServiceError(w, "failed to create meetup", err)
		return
	}
	h.writeJoinResult(w, http.StatusCreated, res)
}

func (h *APIHandlers) joinMeetup(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.PathValue("id"))
	if id == "" {
		writeError(w, http.StatusBadRequest, "meetup ID is required")
		return
	}
	res, err := h.engine.JoinMeetup(r.Context(), id, parseBool(r.URL.Query().Get("force")))
	if err != nil {
		h.writeServiceError(w, "failed to join meetup", err)
		return
	}
	h.writeJoinResult(w, http.StatusOK, res)
}

func (h *APIHandlers) leaveMeetup(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.PathValue("id"))
	if id == "" {
		writeError(w, http.StatusBadRequest, "meetup ID is required")
		return
	}
	res, err := h.engine.LeaveMeetup(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, "failed to leave meetup", err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

func (h *APIHandlers) listInteractions(w http.ResponseWriter, r *http.Request) {
	entries, err := h.engine.InteractionLog(r.Context())
	if err != nil {
		h.writeServiceError(w, "failed to load interactions", err)
		return
	}
	items := make([]interactionResponse, 0, len(entries))
	for _, e := range entries {
		item := interactionResponse{
			ID:        e.Interaction.ID,
			Peer:      e.Interaction.Peer,
			Timestamp: formatTime(e.Interaction.Timestamp),
			Degree:    e.Degree,
		}
		if e.Peer != nil {
			p := toProfileResponse(*e.Peer)
			item.Profile = &p
		}
		items = append(items, item)
	}
	respondJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (h *APIHandlers) writeJoinResult(w http.ResponseWriter, okStatus int, res meetup.JoinResult) {
	if res.Status == meetup.StatusConfirmationRequired {
		respondJSON(w, http.StatusConflict, confirmationResponse{
			ConfirmationRequired: true,
			Blocking:             res.Blocking,
		})
		return
	}
	respondJSON(w, okStatus, res)
}

// writeServiceError maps the error taxonomy onto status codes.
func (h *APIHandlers) writeServiceError(w http.ResponseWriter, msg string, err error) {
	var verr *domain.ValidationError
	switch {
	case errors.As(err, &verr):
		respondJSON(w, http.StatusBadRequest, map[string]string{
			"error": verr.Message,
			"field": verr.Field,
		})
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, domain.ErrConflict):
		writeError(w, http.StatusConflict, "concurrent update, retry")
	case errors.Is(err, domain.ErrPermanentFailure), errors.Is(err, domain.ErrTransient):
		h.logger.Warn(msg, "error", err)
		writeError(w, http.StatusServiceUnavailable, "store unavailable")
	default:
		h.logger.Error(msg, "error", err)
		writeError(w, http.StatusInternalServerError, msg)
	}
}

type profileRequest struct {
	Name         string   `json:"name"`
	FieldOfStudy string   `json:"fieldOfStudy"`
	Year         string   `json:"year"`
	Bio          string   `json:"bio"`
	Hometown     string   `json:"hometown"`
	Tags         []string `json:"tags"`
	// Photo is base64 in JSON.
	Photo []byte `json:"photo,omitempty"`
}

func (req profileRequest) toServiceInput() service.ProfileInput {
	return service.ProfileInput{
		Name:         req.Name,
		FieldOfStudy: req.FieldOfStudy,
		Year:         req.Year,
		Bio:          req.Bio,
		Hometown:     req.Hometown,
		Tags:         req.Tags,
		Photo:        req.Photo,
	}
}

type meetupRequest struct {
	Title         string `json:"title"`
	Description   string `json:"description"`
	Location      string `json:"location"`
	ScheduledTime string `json:"scheduledTime"`
}

func (req meetupRequest) toDraft() (meetup.Draft, error) {
	d := meetup.Draft{
		Title:       req.Title,
		Description: req.Description,
		Location:    req.Location,
	}
	if req.ScheduledTime == "" {
		return d, nil
	}
	ts, err := time.Parse(time.RFC3339, req.ScheduledTime)
	if err != nil {
		return d, fmtError("scheduledTime must be RFC3339")
	}
	d.ScheduledTime = ts
	return d, nil
}

type profileResponse struct {
	Identity     string   `json:"identity"`
	Name         string   `json:"name"`
	FieldOfStudy string   `json:"fieldOfStudy"`
	Year         string   `json:"year"`
	Bio          string   `json:"bio"`
	Hometown     string   `json:"hometown"`
	Tags         []string `json:"tags"`
	Friends      []string `json:"friends"`
	SocialScore  int      `json:"socialScore"`
	PhotoURL     string   `json:"photoUrl,omitempty"`
}

func toProfileResponse(p domain.Profile) profileResponse {
	resp := profileResponse{
		Identity:     p.Identity,
		Name:         p.DisplayName,
		FieldOfStudy: p.FieldOfStudy,
		Year:         p.YearLabel,
		Bio:          p.Bio,
		Hometown:     p.Hometown,
		Tags:         p.Tags,
		Friends:      p.Friends,
		SocialScore:  p.SocialScore(),
	}
	if p.Photo != nil {
		resp.PhotoURL = p.Photo.URL
	}
	return resp
}

type interactionResponse struct {
	ID        string           `json:"id"`
	Peer      string           `json:"peer"`
	Timestamp string           `json:"timestamp"`
	Degree    string           `json:"degree,omitempty"`
	Profile   *profileResponse `json:"profile,omitempty"`
}

type confirmationResponse struct {
	ConfirmationRequired bool            `json:"confirmationRequired"`
	Blocking             []domain.Meetup `json:"blocking,omitempty"`
}

func decodeJSON(r *http.Request, dst any) error {
	if r.Body == nil {
		return errors.New("request body is required")
	}
	defer r.Body.Close()

	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		return err
	}
	return nil
}

func parseBool(value string) bool {
	v, err := strconv.ParseBool(value)
	return err == nil && v
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, map[string]string{
		"error": msg,
	})
}

func fmtError(msg string) error {
	return errors.New(msg)
}
