// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/noaione/vthell/internal/log"
	"github.com/noaione/vthell/internal/store"
)

// ruleResponse is the wire shape of one autoscheduler rule.
type ruleResponse struct {
	ID     uint64            `json:"id"`
	Type   store.RuleType    `json:"type"`
	Data   string            `json:"data"`
	Chains []store.RuleChain `json:"chains"`
}

func ruleToResponse(rule *store.AutoRule) ruleResponse {
	return ruleResponse{ID: rule.ID, Type: rule.Type, Data: rule.Data, Chains: rule.Chains}
}

func (s *Server) handleRuleList(w http.ResponseWriter, r *http.Request) {
	rules, err := s.store.ListRules(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, "Store lookup failed")
		return
	}

	include := make([]ruleResponse, 0)
	exclude := make([]ruleResponse, 0)
	for _, rule := range rules {
		if rule.Include {
			include = append(include, ruleToResponse(rule))
		} else {
			exclude = append(exclude, ruleToResponse(rule))
		}
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"include": include,
		"exclude": exclude,
	})
}

// chainsAllowed limits chain conditions to the rule types that match on
// titles; channel and group rules are already exact.
func chainsAllowed(t store.RuleType) bool {
	return t == store.RuleWord || t == store.RuleRegexWord
}

type chainPayload struct {
	Type *store.RuleType `json:"type"`
	Data *string         `json:"data"`
}

func (c chainPayload) validate(label string) (store.RuleChain, error) {
	if c.Type == nil {
		return store.RuleChain{}, fmt.Errorf("Missing type for %s", label)
	}
	if c.Data == nil {
		return store.RuleChain{}, fmt.Errorf("Missing data for %s", label)
	}
	if !store.ValidRuleType(*c.Type) {
		return store.RuleChain{}, fmt.Errorf("Invalid type for %s", label)
	}
	return store.RuleChain{Type: *c.Type, Data: *c.Data}, nil
}

// parseChains accepts either a single chain object or a list of them.
func parseChains(raw json.RawMessage) ([]store.RuleChain, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, nil
	}

	if trimmed[0] == '{' {
		var single chainPayload
		if err := json.Unmarshal(trimmed, &single); err != nil {
			return nil, fmt.Errorf("Invalid chains format")
		}
		chain, err := single.validate("single chains")
		if err != nil {
			return nil, err
		}
		return []store.RuleChain{chain}, nil
	}

	var many []chainPayload
	if err := json.Unmarshal(trimmed, &many); err != nil {
		return nil, fmt.Errorf("Invalid chains format")
	}
	chains := make([]store.RuleChain, 0, len(many))
	for i, c := range many {
		chain, err := c.validate(fmt.Sprintf("chains.%d", i))
		if err != nil {
			return nil, err
		}
		chains = append(chains, chain)
	}
	return chains, nil
}

type ruleCreateRequest struct {
	Type    store.RuleType  `json:"type"`
	Data    string          `json:"data"`
	Include *bool           `json:"include"`
	Chains  json.RawMessage `json:"chains"`
}

func (s *Server) handleRuleCreate(w http.ResponseWriter, r *http.Request) {
	var req ruleCreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid JSON")
		return
	}
	if req.Type == "" {
		respondError(w, http.StatusBadRequest, "Missing type")
		return
	}
	req.Data = strings.TrimSpace(req.Data)
	if req.Data == "" {
		respondError(w, http.StatusBadRequest, "Missing data")
		return
	}
	if !store.ValidRuleType(req.Type) {
		respondError(w, http.StatusBadRequest, "Invalid type, must be `channel`, `group`, `word`, `regex_word`")
		return
	}

	var chains []store.RuleChain
	if chainsAllowed(req.Type) {
		parsed, err := parseChains(req.Chains)
		if err != nil {
			respondError(w, http.StatusBadRequest, err.Error())
			return
		}
		chains = parsed
	}

	include := true
	if req.Include != nil {
		include = *req.Include
	}

	rule := &store.AutoRule{
		Type:    req.Type,
		Data:    req.Data,
		Include: include,
		Chains:  chains,
	}
	if err := s.store.PutRule(r.Context(), rule); err != nil {
		respondError(w, http.StatusInternalServerError, "Store write failed")
		return
	}
	s.logger.Info().
		Uint64(log.FieldRuleID, rule.ID).
		Str("rule_type", string(rule.Type)).
		Msg("autoscheduler rule added")
	respondJSON(w, http.StatusOK, ruleToResponse(rule))
}

type rulePatchRequest struct {
	Type    *store.RuleType `json:"type"`
	Data    *string         `json:"data"`
	Include *bool           `json:"include"`
	Chains  json.RawMessage `json:"chains"`
}

func parseRuleID(r *http.Request) (uint64, error) {
	return strconv.ParseUint(chi.URLParam(r, "id"), 10, 64)
}

func (s *Server) handleRulePatch(w http.ResponseWriter, r *http.Request) {
	id, err := parseRuleID(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid rule id")
		return
	}
	var req rulePatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid JSON")
		return
	}

	hasChains := len(bytes.TrimSpace(req.Chains)) > 0 && !bytes.Equal(bytes.TrimSpace(req.Chains), []byte("null"))
	if req.Type == nil && req.Data == nil && req.Include == nil && !hasChains {
		respondError(w, http.StatusBadRequest,
			"No data will be changed, please make sure you're providing the correct data")
		return
	}
	if req.Type != nil && !store.ValidRuleType(*req.Type) {
		respondError(w, http.StatusBadRequest, "Invalid type, must be `channel`, `group`, `word`, `regex_word`")
		return
	}

	rule, err := s.store.GetRule(r.Context(), id)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "Store lookup failed")
		return
	}
	if rule == nil {
		respondError(w, http.StatusNotFound, "Auto Scheduler not found")
		return
	}

	chainOnly := req.Type == nil && req.Data == nil && req.Include == nil && hasChains

	newType := rule.Type
	if req.Type != nil {
		newType = *req.Type
	}

	var chains []store.RuleChain
	chainsUpdated := false
	if hasChains && chainsAllowed(newType) {
		parsed, perr := parseChains(req.Chains)
		if perr != nil {
			respondError(w, http.StatusBadRequest, perr.Error())
			return
		}
		if len(parsed) > 0 {
			chains = parsed
			chainsUpdated = true
		}
	}
	if chainOnly && !chainsUpdated {
		respondError(w, http.StatusBadRequest, "No valid chains can be used to update")
		return
	}

	if _, err := s.store.UpdateRule(r.Context(), id, func(rule *store.AutoRule) error {
		if req.Type != nil {
			rule.Type = *req.Type
		}
		if req.Data != nil {
			rule.Data = *req.Data
		}
		if req.Include != nil {
			rule.Include = *req.Include
		}
		if chainsUpdated {
			rule.Chains = chains
		}
		return nil
	}); err != nil {
		respondError(w, http.StatusInternalServerError, "Store update failed")
		return
	}
	s.logger.Info().Uint64(log.FieldRuleID, id).Msg("autoscheduler rule updated")
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRuleDelete(w http.ResponseWriter, r *http.Request) {
	id, err := parseRuleID(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid rule id")
		return
	}

	rule, err := s.store.GetRule(r.Context(), id)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "Store lookup failed")
		return
	}
	if rule == nil {
		respondError(w, http.StatusNotFound, "Auto Scheduler not found")
		return
	}

	if err := s.store.DeleteRule(r.Context(), id); err != nil {
		respondError(w, http.StatusInternalServerError, "Store delete failed")
		return
	}
	s.logger.Info().Uint64(log.FieldRuleID, id).Msg("autoscheduler rule deleted")
	respondJSON(w, http.StatusOK, map[string]any{
		"id":   rule.ID,
		"data": rule.Data,
		"type": rule.Type,
	})
}
