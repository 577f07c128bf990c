package chat

import "strings"

// Known action wrappers and the renderer types they carry. Anything
// outside these sets is logged and skipped rather than failing the loop.
var (
	knownItemActions = map[string]bool{
		"addLiveChatTickerItemAction": true,
		"addChatItemAction":           true,
	}
	knownRemoveActions = map[string]string{
		"markChatItemsByAuthorAsDeletedAction": "banUser",
		"markChatItemAsDeletedAction":          "deletedMessage",
	}
	knownReplaceActions = map[string]bool{
		"replaceChatItemAction": true,
	}
	knownBannerActions = map[string]bool{
		"addBannerToLiveChatCommand": true,
	}
	knownRemoveBannerActions = map[string]bool{
		"removeBannerForLiveChatCommand": true,
	}
	knownTooltipActions = map[string]bool{
		"showLiveChatTooltipCommand": true,
	}
	knownIgnoreActions = map[string]bool{
		"showLiveChatActionPanelAction":  true,
		"updateLiveChatPollAction":       true,
		"closeLiveChatActionPanelAction": true,
	}

	// Placeholder rows carry no content worth archiving.
	ignoredMessageTypes = map[string]bool{
		"liveChatPlaceholderItemRenderer": true,
	}

	knownChatContinuations = map[string]bool{
		"invalidationContinuationData":     true,
		"timedContinuationData":            true,
		"liveChatReplayContinuationData":   true,
		"reloadContinuationData":           true,
	}
	knownSeekContinuations = map[string]bool{
		"playerSeekContinuationData": true,
	}
)

// ParseAction turns one raw action into a transcript message. The second
// return is false for placeholder, ignored and unrecognized actions.
func ParseAction(action map[string]any, offset float64) (map[string]any, bool) {
	data := map[string]any{}

	// Replay actions wrap the real action together with a video offset.
	if replay, ok := action["replayChatItemAction"].(map[string]any); ok {
		if ms, ok := asFloat(replay["videoOffsetTimeMsec"]); ok {
			data["time_in_seconds"] = ms / 1000
		}
		inner, _ := replay["actions"].([]any)
		if len(inner) == 0 {
			return nil, false
		}
		action, ok = inner[0].(map[string]any)
		if !ok {
			return nil, false
		}
	}

	delete(action, "clickTrackingParams")
	actionType := firstKey(action)
	if actionType == "" {
		return nil, false
	}
	data["action_type"] = camelToSnake(trimSuffixes(actionType, "Action", "Command"))

	var messageType string
	switch {
	case knownItemActions[actionType]:
		item := walkMap(action, actionType+".item")
		messageType = firstKey(item)
		data = ParseItem(item, data, offset)
	case knownReplaceActions[actionType]:
		item := walkMap(action, actionType+".replacementItem")
		messageType = firstKey(item)
		data = ParseItem(item, data, offset)
	case knownTooltipActions[actionType]:
		item := walkMap(action, actionType+".tooltip")
		messageType = firstKey(item)
		data = ParseItem(item, data, offset)
	case knownBannerActions[actionType]:
		banner := walkMap(action, actionType+".bannerRenderer")
		if banner == nil {
			return nil, false
		}
		messageType = firstKey(banner)
		header := walkMap(banner, messageType+".header")
		if header != nil {
			parsedHeader := ParseItem(header, nil, offset)
			headerMessage := parsedHeader["message"]
			for k, v := range parsedHeader {
				data[k] = v
			}
			data["header_message"] = headerMessage
		}
		if contents := walkMap(banner, messageType+".contents"); contents != nil {
			for k, v := range ParseItem(contents, nil, offset) {
				data[k] = v
			}
		}
	case knownRemoveBannerActions[actionType]:
		messageType = "removeBanner"
		data = ParseItem(action, data, offset)
	case knownIgnoreActions[actionType]:
		return nil, false
	default:
		if mt, ok := knownRemoveActions[actionType]; ok {
			messageType = mt
			data = ParseItem(action, data, offset)
			break
		}
		return nil, false
	}

	if messageType == "" || ignoredMessageTypes[messageType] {
		return nil, false
	}
	shortType := trimSuffixes(messageType, "Renderer")
	data["message_type"] = camelToSnake(strings.TrimPrefix(shortType, "liveChat"))
	return data, true
}
