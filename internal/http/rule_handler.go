package http

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/tagflow/tagflow/internal/domain"
	"github.com/tagflow/tagflow/internal/service"
	"github.com/tagflow/tagflow/pkg/logger"
)

// RuleHandler handles HTTP requests for rule management and execution
// visibility
type RuleHandler struct {
	rules    *service.RuleService
	execRepo domain.ExecutionRepository
	logger   logger.Logger
}

// NewRuleHandler creates a new RuleHandler
func NewRuleHandler(rules *service.RuleService, execRepo domain.ExecutionRepository, logger logger.Logger) *RuleHandler {
	return &RuleHandler{
		rules:    rules,
		execRepo: execRepo,
		logger:   logger,
	}
}

// RegisterRoutes registers the rule routes on the given mux
func (h *RuleHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/api/rules.create", h.handleCreate)
	mux.HandleFunc("/api/rules.get", h.handleGet)
	mux.HandleFunc("/api/rules.list", h.handleList)
	mux.HandleFunc("/api/rules.update", h.handleUpdate)
	mux.HandleFunc("/api/rules.enable", h.handleSetEnabled(true))
	mux.HandleFunc("/api/rules.disable", h.handleSetEnabled(false))
	mux.HandleFunc("/api/rules.delete", h.handleDelete)

	mux.HandleFunc("/api/executions.list", h.handleListExecutions)
	mux.HandleFunc("/api/executions.audit", h.handleAuditTrail)
}

func (h *RuleHandler) handleCreate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		WriteJSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var rule domain.AutomationRule
	if err := json.NewDecoder(r.Body).Decode(&rule); err != nil {
		WriteJSONError(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	if err := h.rules.CreateRule(r.Context(), &rule); err != nil {
		h.logger.WithField("error", err.Error()).Error("Failed to create rule")
		WriteJSONError(w, err.Error(), http.StatusBadRequest)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]interface{}{"rule": rule})
}

func (h *RuleHandler) handleGet(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		WriteJSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	id := r.URL.Query().Get("id")
	if id == "" {
		WriteJSONError(w, "id is required", http.StatusBadRequest)
		return
	}

	rule, err := h.rules.GetRule(r.Context(), id)
	if err != nil {
		if domain.IsNotFound(err) {
			WriteJSONError(w, err.Error(), http.StatusNotFound)
			return
		}
		h.logger.WithField("error", err.Error()).Error("Failed to get rule")
		WriteJSONError(w, "Failed to get rule", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"rule": rule})
}

func (h *RuleHandler) handleList(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		WriteJSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	filter := domain.RuleFilter{
		TriggerTag: r.URL.Query().Get("trigger_tag"),
		Limit:      queryInt(r, "limit"),
		Offset:     queryInt(r, "offset"),
	}
	if enabled := r.URL.Query().Get("enabled"); enabled != "" {
		value := enabled == "true"
		filter.Enabled = &value
	}

	rules, total, err := h.rules.ListRules(r.Context(), filter)
	if err != nil {
		h.logger.WithField("error", err.Error()).Error("Failed to list rules")
		WriteJSONError(w, "Failed to list rules", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"rules": rules,
		"total": total,
	})
}

func (h *RuleHandler) handleUpdate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		WriteJSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var rule domain.AutomationRule
	if err := json.NewDecoder(r.Body).Decode(&rule); err != nil {
		WriteJSONError(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if rule.ID == "" {
		WriteJSONError(w, "id is required", http.StatusBadRequest)
		return
	}

	if err := h.rules.UpdateRule(r.Context(), &rule); err != nil {
		if domain.IsNotFound(err) {
			WriteJSONError(w, err.Error(), http.StatusNotFound)
			return
		}
		WriteJSONError(w, err.Error(), http.StatusBadRequest)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"rule": rule})
}

func (h *RuleHandler) handleSetEnabled(enabled bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			WriteJSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}

		id := r.URL.Query().Get("id")
		if id == "" {
			WriteJSONError(w, "id is required", http.StatusBadRequest)
			return
		}

		if err := h.rules.SetRuleEnabled(r.Context(), id, enabled); err != nil {
			if domain.IsNotFound(err) {
				WriteJSONError(w, err.Error(), http.StatusNotFound)
				return
			}
			h.logger.WithField("error", err.Error()).Error("Failed to change rule enabled state")
			WriteJSONError(w, "Failed to change rule state", http.StatusInternalServerError)
			return
		}

		writeJSON(w, http.StatusOK, map[string]interface{}{"id": id, "enabled": enabled})
	}
}

func (h *RuleHandler) handleDelete(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		WriteJSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	id := r.URL.Query().Get("id")
	if id == "" {
		WriteJSONError(w, "id is required", http.StatusBadRequest)
		return
	}

	// Deleting with reversal also undoes the rule's net tag changes
	if r.URL.Query().Get("reverse") == "true" {
		result, err := h.rules.DeleteRuleWithReversal(r.Context(), id)
		if err != nil {
			if domain.IsNotFound(err) {
				WriteJSONError(w, err.Error(), http.StatusNotFound)
				return
			}
			h.logger.WithField("error", err.Error()).Error("Failed to delete rule with reversal")
			WriteJSONError(w, "Failed to delete rule", http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"id": id, "reversal": result})
		return
	}

	if err := h.rules.DeleteRule(r.Context(), id); err != nil {
		if domain.IsNotFound(err) {
			WriteJSONError(w, err.Error(), http.StatusNotFound)
			return
		}
		h.logger.WithField("error", err.Error()).Error("Failed to delete rule")
		WriteJSONError(w, "Failed to delete rule", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"id": id, "deleted": true})
}

func (h *RuleHandler) handleListExecutions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		WriteJSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	filter := domain.ExecutionFilter{
		RuleID:    r.URL.Query().Get("rule_id"),
		ContactID: r.URL.Query().Get("contact_id"),
		Limit:     queryInt(r, "limit"),
		Offset:    queryInt(r, "offset"),
	}

	executions, total, err := h.execRepo.ListExecutions(r.Context(), filter)
	if err != nil {
		h.logger.WithField("error", err.Error()).Error("Failed to list executions")
		WriteJSONError(w, "Failed to list executions", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"executions": executions,
		"total":      total,
	})
}

func (h *RuleHandler) handleAuditTrail(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		WriteJSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	executionID := r.URL.Query().Get("execution_id")
	if executionID == "" {
		WriteJSONError(w, "execution_id is required", http.StatusBadRequest)
		return
	}

	entries, err := h.execRepo.ListAuditEntries(r.Context(), executionID)
	if err != nil {
		h.logger.WithField("error", err.Error()).Error("Failed to list audit entries")
		WriteJSONError(w, "Failed to list audit entries", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"entries": entries})
}

func queryInt(r *http.Request, key string) int {
	value, err := strconv.Atoi(r.URL.Query().Get(key))
	if err != nil {
		return 0
	}
	return value
}
