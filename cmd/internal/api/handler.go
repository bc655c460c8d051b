// Package api is the HTTP/JSON boundary of the tontine service.
package api

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"tontine/cmd/internal/feed"
	"tontine/cmd/internal/tontine"
)

const defaultMaxBodyBytes = 16 << 10

// Config holds HTTP boundary limits.
type Config struct {
	MaxBodyBytes int64
}

// Handler maps HTTP requests onto engine operations.
type Handler struct {
	log      *slog.Logger
	cfg      Config
	engine   *tontine.Engine
	verifier *TokenVerifier
	feed     *feed.Gateway
}

// HandlerOption configures optional handler dependencies.
type HandlerOption func(*Handler)

// WithFeed enables GET /v1/groups/{groupID}/feed.
func WithFeed(gw *feed.Gateway) HandlerOption {
	return func(h *Handler) {
		if gw != nil {
			h.feed = gw
		}
	}
}

// NewHandler constructs a Handler. engine and verifier are required.
func NewHandler(log *slog.Logger, engine *tontine.Engine, verifier *TokenVerifier, cfg Config, opts ...HandlerOption) (*Handler, error) {
	if engine == nil {
		return nil, errors.New("api: nil engine")
	}
	if verifier == nil {
		return nil, errors.New("api: nil token verifier")
	}
	if log == nil {
		log = slog.Default()
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = defaultMaxBodyBytes
	}
	h := &Handler{log: log, cfg: cfg, engine: engine, verifier: verifier}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h, nil
}

// Mount registers the /v1 routes on r.
func (h *Handler) Mount(r chi.Router) {
	r.Route("/v1", func(r chi.Router) {
		r.Use(RequireAuth(h.verifier))

		r.Post("/groups", h.handleCreateGroup)
		r.Get("/groups", h.handleListGroups)
		r.Post("/groups/join", h.handleJoinGroup)

		r.Route("/groups/{groupID}", func(r chi.Router) {
			r.Get("/", h.handleGetGroup)
			r.Delete("/", h.handleDeleteGroup)
			r.Post("/start", h.handleStartGroup)
			r.Post("/cancel", h.handleCancelGroup)
			r.Post("/leave", h.handleLeaveGroup)
			r.Put("/members/order", h.handleReorder)
			r.Post("/contributions/{contributionID}/paid", h.handleMarkPaid)
			r.Post("/rounds/{roundID}/payout", h.handleConfirmPayout)
			r.Post("/advance", h.handleAdvance)
			r.Post("/overdue", h.handleMarkOverdue)
			if h.feed != nil {
				r.Get("/feed", h.handleFeed)
			}
		})
	})
}

// ---- handlers ----

func (h *Handler) handleCreateGroup(w http.ResponseWriter, r *http.Request) {
	userID, _ := UserID(r.Context())

	var req createGroupRequest
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req, false); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
		return
	}

	view, err := h.engine.CreateGroup(r.Context(), tontine.CreateGroupInput{
		CreatorID:    userID,
		Name:         req.Name,
		Description:  req.Description,
		Amount:       req.Amount,
		Currency:     req.Currency,
		Frequency:    tontine.Frequency(strings.ToUpper(strings.TrimSpace(req.Frequency))),
		IntervalDays: req.IntervalDays,
		MaxMembers:   req.MaxMembers,
	})
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toGroupViewResponse(view))
}

func (h *Handler) handleListGroups(w http.ResponseWriter, r *http.Request) {
	userID, _ := UserID(r.Context())

	groups, err := h.engine.ListGroups(r.Context(), userID)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	out := groupsResponse{Groups: make([]groupResponse, 0, len(groups))}
	for _, g := range groups {
		out.Groups = append(out.Groups, toGroupResponse(g))
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) handleJoinGroup(w http.ResponseWriter, r *http.Request) {
	userID, _ := UserID(r.Context())

	var req joinGroupRequest
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req, false); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
		return
	}

	res, err := h.engine.JoinGroup(r.Context(), req.InviteCode, userID)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, joinResponse{
		Member: toMemberResponse(res.Member),
		View:   toGroupViewResponse(res.View),
	})
}

func (h *Handler) handleGetGroup(w http.ResponseWriter, r *http.Request) {
	userID, _ := UserID(r.Context())

	view, err := h.engine.GetGroup(r.Context(), chi.URLParam(r, "groupID"), userID)
	h.writeView(w, r, view, err)
}

func (h *Handler) handleDeleteGroup(w http.ResponseWriter, r *http.Request) {
	userID, _ := UserID(r.Context())

	if err := h.engine.DeleteGroup(r.Context(), chi.URLParam(r, "groupID"), userID); err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleStartGroup(w http.ResponseWriter, r *http.Request) {
	userID, _ := UserID(r.Context())

	view, err := h.engine.StartGroup(r.Context(), chi.URLParam(r, "groupID"), userID)
	h.writeView(w, r, view, err)
}

func (h *Handler) handleCancelGroup(w http.ResponseWriter, r *http.Request) {
	userID, _ := UserID(r.Context())

	view, err := h.engine.CancelGroup(r.Context(), chi.URLParam(r, "groupID"), userID)
	h.writeView(w, r, view, err)
}

func (h *Handler) handleLeaveGroup(w http.ResponseWriter, r *http.Request) {
	userID, _ := UserID(r.Context())

	view, err := h.engine.LeaveGroup(r.Context(), chi.URLParam(r, "groupID"), userID)
	h.writeView(w, r, view, err)
}

func (h *Handler) handleReorder(w http.ResponseWriter, r *http.Request) {
	userID, _ := UserID(r.Context())

	var req reorderRequest
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req, false); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
		return
	}

	view, err := h.engine.ReorderMembers(r.Context(), tontine.ReorderInput{
		GroupID:     chi.URLParam(r, "groupID"),
		RequesterID: userID,
		MemberIDs:   req.MemberIDs,
	})
	h.writeView(w, r, view, err)
}

func (h *Handler) handleMarkPaid(w http.ResponseWriter, r *http.Request) {
	userID, _ := UserID(r.Context())

	res, err := h.engine.MarkContributionPaid(r.Context(), chi.URLParam(r, "groupID"), chi.URLParam(r, "contributionID"), userID)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, paymentResponse{
		Contribution: toContributionResponse(res.Contribution),
		Round:        toRoundResponse(res.Round, nil),
		View:         toGroupViewResponse(res.View),
	})
}

func (h *Handler) handleConfirmPayout(w http.ResponseWriter, r *http.Request) {
	userID, _ := UserID(r.Context())

	var req payoutRequest
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req, true); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
		return
	}

	res, err := h.engine.ConfirmPayout(r.Context(), tontine.ConfirmPayoutInput{
		GroupID:         chi.URLParam(r, "groupID"),
		RoundID:         chi.URLParam(r, "roundID"),
		ActorID:         userID,
		AcceptShortfall: req.AcceptShortfall,
	})
	h.writeAdvance(w, r, res, err)
}

func (h *Handler) handleAdvance(w http.ResponseWriter, r *http.Request) {
	userID, _ := UserID(r.Context())
	groupID := chi.URLParam(r, "groupID")

	// Advance itself is actor-less; only the creator may trigger it over HTTP.
	view, err := h.engine.GetGroup(r.Context(), groupID, userID)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	if view.Group.CreatorID != userID {
		writeError(w, http.StatusForbidden, "forbidden", "only the creator can advance the group")
		return
	}

	res, err := h.engine.Advance(r.Context(), groupID)
	h.writeAdvance(w, r, res, err)
}

func (h *Handler) handleMarkOverdue(w http.ResponseWriter, r *http.Request) {
	userID, _ := UserID(r.Context())

	view, err := h.engine.MarkOverdue(r.Context(), chi.URLParam(r, "groupID"), userID)
	h.writeView(w, r, view, err)
}

func (h *Handler) handleFeed(w http.ResponseWriter, r *http.Request) {
	userID, _ := UserID(r.Context())
	groupID := chi.URLParam(r, "groupID")

	// GetGroup enforces membership before the upgrade.
	if _, err := h.engine.GetGroup(r.Context(), groupID, userID); err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	h.feed.Serve(w, r, groupID, userID)
}

// ---- response helpers ----

func (h *Handler) writeView(w http.ResponseWriter, r *http.Request, view tontine.GroupView, err error) {
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toGroupViewResponse(view))
}

func (h *Handler) writeAdvance(w http.ResponseWriter, r *http.Request, res tontine.AdvanceResult, err error) {
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	out := advanceResponse{
		Advanced:  res.Advanced,
		Completed: res.Completed,
		View:      toGroupViewResponse(res.View),
	}
	if res.Round != nil {
		next := toRoundResponse(*res.Round, nil)
		out.NextRound = &next
	}
	writeJSON(w, http.StatusOK, out)
}

// writeEngineError maps engine error kinds onto HTTP statuses. Internal errors are logged and not echoed.
func (h *Handler) writeEngineError(w http.ResponseWriter, r *http.Request, err error) {
	kind := tontine.ErrorKind(err)
	status := statusForKind(kind)
	if status == http.StatusInternalServerError {
		h.log.Error("api.request.fail", "method", r.Method, "path", r.URL.Path, "err", err)
		writeError(w, status, kind, "internal error")
		return
	}
	writeError(w, status, kind, publicMessage(err))
}

func statusForKind(kind string) int {
	switch kind {
	case "invalid_input":
		return http.StatusBadRequest
	case "forbidden":
		return http.StatusForbidden
	case "not_found":
		return http.StatusNotFound
	case "invalid_state", "conflict":
		return http.StatusConflict
	case "resource_exhausted":
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func publicMessage(err error) string {
	var opErr tontine.OpError
	if errors.As(err, &opErr) {
		if opErr.Msg != "" {
			return opErr.Msg
		}
		return opErr.Kind.Error()
	}
	var nf tontine.NotFoundError
	if errors.As(err, &nf) && nf.Resource != "" {
		return nf.Resource + " not found"
	}
	return err.Error()
}
