// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package scheduler matches discovered broadcasts against the operator's
// include/exclude rules and inserts waiting jobs for the winners.
package scheduler

import (
	"regexp"
	"strings"

	"github.com/noaione/vthell/internal/discovery"
	"github.com/noaione/vthell/internal/log"
	"github.com/noaione/vthell/internal/store"
)

// compiledRule is an AutoRule with its regex pattern prebuilt. Rules with
// invalid patterns are dropped at compile time.
type compiledRule struct {
	rule    *store.AutoRule
	pattern *regexp.Regexp
}

func compileRules(rules []*store.AutoRule) []compiledRule {
	out := make([]compiledRule, 0, len(rules))
	for _, rule := range rules {
		c := compiledRule{rule: rule}
		if rule.Type == store.RuleRegexWord {
			pattern, err := regexp.Compile("(?i)" + rule.Data)
			if err != nil {
				clog := log.WithComponent("scheduler")
				clog.Warn().
					Err(err).
					Uint64(log.FieldRuleID, rule.ID).
					Msg("invalid regex rule, skipping")
				continue
			}
			c.pattern = pattern
		}
		out = append(out, c)
	}
	return out
}

// matches reports whether the base condition of a rule applies to the
// video. Channel ids compare exactly; everything else is case-insensitive.
func (c compiledRule) matches(video discovery.Video) bool {
	switch c.rule.Type {
	case store.RuleChannel:
		return c.rule.Data == video.ChannelID
	case store.RuleGroup:
		return video.Org != "" && strings.EqualFold(c.rule.Data, video.Org)
	case store.RuleWord:
		return strings.Contains(strings.ToLower(video.Title), strings.ToLower(c.rule.Data))
	case store.RuleRegexWord:
		return c.pattern != nil && c.pattern.MatchString(video.Title)
	}
	return false
}

// chainsMatch reports whether every chained condition also holds. Only
// word and regex rules carry chains; an empty chain list always holds.
func chainsMatch(chains []store.RuleChain, video discovery.Video) bool {
	for _, chain := range chains {
		switch chain.Type {
		case store.RuleWord:
			if !strings.Contains(strings.ToLower(video.Title), strings.ToLower(chain.Data)) {
				return false
			}
		case store.RuleRegexWord:
			pattern, err := regexp.Compile("(?i)" + chain.Data)
			if err != nil || !pattern.MatchString(video.Title) {
				return false
			}
		case store.RuleGroup:
			if video.Org == "" || !strings.EqualFold(chain.Data, video.Org) {
				return false
			}
		case store.RuleChannel:
			if chain.Data != video.ChannelID {
				return false
			}
		default:
			return false
		}
	}
	return true
}

// shouldSchedule applies the exclude pass then the include pass. A video
// matching both an exclude and an include rule is dropped.
func shouldSchedule(video discovery.Video, includes, excludes []compiledRule) bool {
	for _, exclude := range excludes {
		if exclude.matches(video) {
			return false
		}
	}
	for _, include := range includes {
		if !include.matches(video) {
			continue
		}
		switch include.rule.Type {
		case store.RuleWord, store.RuleRegexWord:
			if chainsMatch(include.rule.Chains, video) {
				return true
			}
		default:
			return true
		}
	}
	return false
}
