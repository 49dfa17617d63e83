package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/nidhogg/overseer/internal/audit"
	"github.com/nidhogg/overseer/internal/delegate"
	"github.com/nidhogg/overseer/internal/escalation"
	"github.com/nidhogg/overseer/internal/fleet"
	"github.com/nidhogg/overseer/internal/health"
	"github.com/nidhogg/overseer/internal/notify"
	"github.com/nidhogg/overseer/internal/orchestrator"
	"github.com/nidhogg/overseer/internal/team"
	"go.uber.org/zap"
)

// Pinger is the optional connectivity probe a backend may expose.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	repo        fleet.Repository
	registry    *orchestrator.Registry
	coordinator *team.Coordinator
	escalator   *escalation.Manager
	monitor     *health.Monitor
	summarizer  *orchestrator.Summarizer
	senders     *notify.Registry
	events      audit.Reader
	feed        audit.Feed
	repoKind    string
	auditKind   string
	logger      *zap.Logger
}

// NewHandler creates the API handler. events and feed may point at the same
// audit backend; repoKind and auditKind name the wired backends for the
// status endpoint.
func NewHandler(
	repo fleet.Repository,
	registry *orchestrator.Registry,
	coordinator *team.Coordinator,
	escalator *escalation.Manager,
	monitor *health.Monitor,
	summarizer *orchestrator.Summarizer,
	senders *notify.Registry,
	events audit.Reader,
	feed audit.Feed,
	repoKind, auditKind string,
	logger *zap.Logger,
) *Handler {
	return &Handler{
		repo:        repo,
		registry:    registry,
		coordinator: coordinator,
		escalator:   escalator,
		monitor:     monitor,
		summarizer:  summarizer,
		senders:     senders,
		events:      events,
		feed:        feed,
		repoKind:    repoKind,
		auditKind:   auditKind,
		logger:      logger,
	}
}

// Router builds the chi router with all routes.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PATCH", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Route("/api", func(r chi.Router) {
		// Project routes
		r.Post("/projects", h.createProject)
		r.Get("/projects", h.listProjects)
		r.Get("/projects/{id}", h.getProject)
		r.Get("/projects/{id}/tasks", h.listProjectTasks)
		r.Post("/projects/{id}/cancel", h.cancelProject)

		// Task routes
		r.Get("/tasks/{id}", h.getTask)
		r.Post("/tasks/{id}/progress", h.reportProgress)
		r.Post("/tasks/{id}/result", h.reportResult)

		// Agent routes
		r.Post("/agents", h.createAgent)
		r.Get("/agents", h.listAgents)
		r.Get("/agents/{id}", h.getAgent)
		r.Patch("/agents/{id}", h.patchAgent)
		r.Post("/agents/{id}/heartbeat", h.agentHeartbeat)

		// Team routes
		r.Post("/teams", h.createTeam)
		r.Get("/teams", h.listTeams)
		r.Get("/teams/{id}", h.getTeam)
		r.Get("/teams/{id}/messages", h.listTeamMessages)
		r.Post("/teams/{id}/propose", h.propose)
		r.Post("/teams/{id}/vote", h.vote)
		r.Post("/teams/{id}/confirm", h.confirm)
		r.Get("/teams/{id}/proposals/{proposalID}", h.proposalStatus)
		r.Post("/teams/{id}/crosstalk", h.crosstalk)
		r.Post("/teams/{id}/handoff", h.offerHandoff)
		r.Get("/handoffs", h.listHandoffs)
		r.Post("/handoffs/{id}/ack", h.ackHandoff)

		// Escalation routes
		r.Get("/escalations", h.listEscalations)
		r.Post("/escalations/{id}/resolve", h.resolveEscalation)

		// Health routes
		r.Get("/health", h.healthCheck)
		r.Post("/health/run", h.runHealthCycle)
		r.Get("/health/status", h.healthStatus)
		r.Get("/health/tasks", h.healthTasks)
		r.Get("/health/agents", h.healthAgents)
		r.Get("/health/metrics", h.healthMetrics)

		// Summary and events
		r.Get("/summary/daily", h.dailySummary)
		r.Get("/events", h.listEvents)
		r.Get("/events/ws", h.eventsWS)
	})

	return r
}

func (h *Handler) healthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": "overseer"})
}

// --- projects ---

func (h *Handler) createProject(w http.ResponseWriter, r *http.Request) {
	var req orchestrator.ProjectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	p, err := h.registry.CreateProject(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

func (h *Handler) listProjects(w http.ResponseWriter, r *http.Request) {
	projects, err := h.repo.ListProjects(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, projects)
}

func (h *Handler) getProject(w http.ResponseWriter, r *http.Request) {
	p, err := h.repo.GetProject(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (h *Handler) listProjectTasks(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := h.repo.GetProject(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	tasks, err := h.repo.ListProjectTasks(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tasks)
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

func (h *Handler) cancelProject(w http.ResponseWriter, r *http.Request) {
	var req cancelRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
	}
	if req.Reason == "" {
		req.Reason = "cancelled by operator"
	}
	if err := h.registry.CancelProject(r.Context(), chi.URLParam(r, "id"), req.Reason); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

// --- tasks ---

func (h *Handler) getTask(w http.ResponseWriter, r *http.Request) {
	t, err := h.repo.GetTask(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

type progressRequest struct {
	Percent int    `json:"percent"`
	Note    string `json:"note,omitempty"`
}

func (h *Handler) reportProgress(w http.ResponseWriter, r *http.Request) {
	var req progressRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if req.Percent < 0 || req.Percent > 100 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "percent must be 0..100"})
		return
	}
	if err := h.registry.ReportProgress(r.Context(), chi.URLParam(r, "id"), req.Percent, req.Note); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "recorded"})
}

type resultRequest struct {
	Success bool   `json:"success"`
	Output  string `json:"output,omitempty"`
	Failure string `json:"failure,omitempty"`
}

func (h *Handler) reportResult(w http.ResponseWriter, r *http.Request) {
	var req resultRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if err := h.registry.ReportResult(r.Context(), chi.URLParam(r, "id"), req.Success, req.Output, req.Failure); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "recorded"})
}

// --- agents ---

func (h *Handler) createAgent(w http.ResponseWriter, r *http.Request) {
	var a fleet.Agent
	if err := json.NewDecoder(r.Body).Decode(&a); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if a.Name == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "name is required"})
		return
	}
	if a.LastHeartbeat.IsZero() {
		a.LastHeartbeat = time.Now()
	}
	if err := h.repo.CreateAgent(r.Context(), &a); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, a)
}

func (h *Handler) listAgents(w http.ResponseWriter, r *http.Request) {
	f := fleet.AgentFilter{
		Status: fleet.AgentStatus(r.URL.Query().Get("status")),
		Limit:  queryInt(r, "limit", 0),
		Offset: queryInt(r, "offset", 0),
	}
	agents, err := h.repo.ListAgents(r.Context(), f)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, agents)
}

func (h *Handler) getAgent(w http.ResponseWriter, r *http.Request) {
	a, err := h.repo.GetAgent(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

type agentPatch struct {
	Name        *string   `json:"name,omitempty"`
	Role        *string   `json:"role,omitempty"`
	SkillTags   *[]string `json:"skill_tags,omitempty"`
	Permissions *[]string `json:"permissions,omitempty"`
	MaxTasks    *int      `json:"max_tasks,omitempty"`
	TeamID      *string   `json:"team_id,omitempty"`
	Status      *string   `json:"status,omitempty"`
}

func (h *Handler) patchAgent(w http.ResponseWriter, r *http.Request) {
	var req agentPatch
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	a, err := h.repo.GetAgent(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	if req.Name != nil {
		a.Name = *req.Name
	}
	if req.Role != nil {
		a.Role = *req.Role
	}
	if req.SkillTags != nil {
		a.SkillTags = *req.SkillTags
	}
	if req.Permissions != nil {
		a.Permissions = *req.Permissions
	}
	if req.MaxTasks != nil {
		a.MaxTasks = *req.MaxTasks
	}
	if req.TeamID != nil {
		a.TeamID = *req.TeamID
	}
	if req.Status != nil {
		switch s := fleet.AgentStatus(*req.Status); s {
		case fleet.AgentIdle, fleet.AgentWorking, fleet.AgentError, fleet.AgentDisabled:
			a.Status = s
		default:
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unknown status " + *req.Status})
			return
		}
	}
	if err := h.repo.UpdateAgent(r.Context(), a); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (h *Handler) agentHeartbeat(w http.ResponseWriter, r *http.Request) {
	var report orchestrator.HeartbeatReport
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&report); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
	}
	a, err := h.registry.Heartbeat(r.Context(), chi.URLParam(r, "id"), report)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

// --- teams ---

func (h *Handler) createTeam(w http.ResponseWriter, r *http.Request) {
	var t fleet.Team
	if err := json.NewDecoder(r.Body).Decode(&t); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if t.Name == "" || t.LeaderID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "name and leader_id are required"})
		return
	}
	if err := h.repo.CreateTeam(r.Context(), &t); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, t)
}

func (h *Handler) listTeams(w http.ResponseWriter, r *http.Request) {
	teams, err := h.repo.ListTeams(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, teams)
}

func (h *Handler) getTeam(w http.ResponseWriter, r *http.Request) {
	t, err := h.repo.GetTeam(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (h *Handler) listTeamMessages(w http.ResponseWriter, r *http.Request) {
	msgs, err := h.repo.ListMessages(r.Context(), chi.URLParam(r, "id"), queryInt(r, "limit", 100))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, msgs)
}

type proposeRequest struct {
	AgentID string `json:"agent_id"`
	Payload string `json:"payload"`
}

func (h *Handler) propose(w http.ResponseWriter, r *http.Request) {
	var req proposeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if req.AgentID == "" || req.Payload == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "agent_id and payload are required"})
		return
	}
	msg, err := h.coordinator.Propose(r.Context(), chi.URLParam(r, "id"), req.AgentID, req.Payload)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, msg)
}

type voteRequest struct {
	AgentID    string `json:"agent_id"`
	ProposalID string `json:"proposal_id"`
	Vote       string `json:"vote"`
}

func (h *Handler) vote(w http.ResponseWriter, r *http.Request) {
	var req voteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	out, err := h.coordinator.Vote(r.Context(), chi.URLParam(r, "id"),
		req.AgentID, req.ProposalID, fleet.Vote(req.Vote))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

type confirmRequest struct {
	LeaderID   string `json:"leader_id"`
	ProposalID string `json:"proposal_id"`
	Adopt      bool   `json:"adopt"`
}

func (h *Handler) confirm(w http.ResponseWriter, r *http.Request) {
	var req confirmRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	out, err := h.coordinator.Confirm(r.Context(), chi.URLParam(r, "id"),
		req.LeaderID, req.ProposalID, req.Adopt)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) proposalStatus(w http.ResponseWriter, r *http.Request) {
	out, err := h.coordinator.Status(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "proposalID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

type crosstalkRequest struct {
	AgentID  string `json:"agent_id"`
	ToTeamID string `json:"to_team_id"`
	Question string `json:"question"`
}

func (h *Handler) crosstalk(w http.ResponseWriter, r *http.Request) {
	var req crosstalkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	reply, err := h.coordinator.Crosstalk(r.Context(), chi.URLParam(r, "id"),
		req.ToTeamID, req.AgentID, req.Question)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, reply)
}

type handoffRequest struct {
	AgentID  string              `json:"agent_id"`
	ToTeamID string              `json:"to_team_id"`
	TaskID   string              `json:"task_id"`
	Payload  team.HandoffPayload `json:"payload"`
}

func (h *Handler) offerHandoff(w http.ResponseWriter, r *http.Request) {
	var req handoffRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	off, err := h.coordinator.OfferHandoff(r.Context(), chi.URLParam(r, "id"),
		req.ToTeamID, req.AgentID, req.TaskID, req.Payload)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, off)
}

func (h *Handler) listHandoffs(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.coordinator.PendingHandoffs(r.URL.Query().Get("to")))
}

type ackRequest struct {
	AgentID string `json:"agent_id"`
}

func (h *Handler) ackHandoff(w http.ResponseWriter, r *http.Request) {
	var req ackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if err := h.coordinator.AcknowledgeHandoff(r.Context(), chi.URLParam(r, "id"), req.AgentID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "transferred"})
}

// --- escalations ---

func (h *Handler) listEscalations(w http.ResponseWriter, r *http.Request) {
	status := fleet.EscalationStatus(r.URL.Query().Get("status"))
	if status == "" {
		status = fleet.EscalationOpen
	}
	list, err := h.repo.ListEscalations(r.Context(), status)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

type resolveRequest struct {
	Resolution string `json:"resolution"`
}

func (h *Handler) resolveEscalation(w http.ResponseWriter, r *http.Request) {
	var req resolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if req.Resolution == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "resolution is required"})
		return
	}
	e, err := h.escalator.Resolve(r.Context(), chi.URLParam(r, "id"), req.Resolution)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

// --- health ---

func (h *Handler) runHealthCycle(w http.ResponseWriter, r *http.Request) {
	report, err := h.monitor.RunNow(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (h *Handler) healthStatus(w http.ResponseWriter, r *http.Request) {
	status := map[string]interface{}{
		"repository": map[string]string{"backend": h.repoKind, "state": "ok"},
		"audit":      map[string]string{"backend": h.auditKind},
		"notifiers":  h.senders.Senders(),
	}
	if p, ok := h.repo.(Pinger); ok {
		if err := p.Ping(r.Context()); err != nil {
			status["repository"] = map[string]string{"backend": h.repoKind, "state": "unreachable: " + err.Error()}
		}
	}
	writeJSON(w, http.StatusOK, status)
}

func (h *Handler) healthTasks(w http.ResponseWriter, r *http.Request) {
	counts, err := h.repo.CountTasksByStatus(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	active := counts[fleet.TaskAssigned] + counts[fleet.TaskInProgress]
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"counts": counts,
		"active": active,
	})
}

func (h *Handler) healthAgents(w http.ResponseWriter, r *http.Request) {
	counts, err := h.repo.CountAgentsByStatus(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"counts":  counts,
		"working": counts[fleet.AgentWorking],
	})
}

func (h *Handler) healthMetrics(w http.ResponseWriter, r *http.Request) {
	summary, err := h.summarizer.Generate(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"tasks_completed":  summary.TasksCompleted,
		"tasks_failed":     summary.TasksFailed,
		"success_rate":     summary.SuccessRate,
		"open_escalations": summary.OpenEscalations,
	})
}

func (h *Handler) dailySummary(w http.ResponseWriter, r *http.Request) {
	summary, err := h.summarizer.Generate(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// --- helpers ---

func queryInt(r *http.Request, key string, fallback int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}

// writeError maps domain errors onto HTTP statuses.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	var decompErr *orchestrator.DecompositionError
	switch {
	case errors.Is(err, fleet.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, fleet.ErrVersionConflict):
		status = http.StatusConflict
	case errors.As(err, &decompErr):
		status = http.StatusBadRequest
	case errors.Is(err, team.ErrNotMember), errors.Is(err, team.ErrNotLeader),
		errors.Is(err, team.ErrPermitMissing):
		status = http.StatusForbidden
	case errors.Is(err, team.ErrRateLimited):
		status = http.StatusTooManyRequests
	case errors.Is(err, team.ErrProposalClosed), errors.Is(err, delegate.ErrNoEligibleAgent):
		status = http.StatusConflict
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
