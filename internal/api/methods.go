package api

import "github.com/mark3labs/mcp-go/mcp"

// Request methods routed or answered by the aggregator.
const (
	MethodInitialize             = string(mcp.MethodInitialize)
	MethodPing                   = string(mcp.MethodPing)
	MethodToolsList              = string(mcp.MethodToolsList)
	MethodToolsCall              = string(mcp.MethodToolsCall)
	MethodResourcesList          = string(mcp.MethodResourcesList)
	MethodResourcesTemplatesList = string(mcp.MethodResourcesTemplatesList)
	MethodResourcesRead          = string(mcp.MethodResourcesRead)
	MethodPromptsList            = string(mcp.MethodPromptsList)
	MethodPromptsGet             = string(mcp.MethodPromptsGet)
	MethodResourcesSubscribe     = "resources/subscribe"
	MethodResourcesUnsubscribe   = "resources/unsubscribe"
	MethodCompletionComplete     = "completion/complete"
	MethodLoggingSetLevel        = "logging/setLevel"
)

// Notification methods.
const (
	NotificationInitialized          = "notifications/initialized"
	NotificationCancelled            = "notifications/cancelled"
	NotificationProgress             = "notifications/progress"
	NotificationMessage              = "notifications/message"
	NotificationResourceUpdated      = "notifications/resources/updated"
	NotificationToolsListChanged     = string(mcp.MethodNotificationToolsListChanged)
	NotificationPromptsListChanged   = string(mcp.MethodNotificationPromptsListChanged)
	NotificationResourcesListChanged = string(mcp.MethodNotificationResourcesListChanged)
)

// ListChangedNotification returns the list_changed notification for a
// capability kind. Resources and resource templates share one.
func ListChangedNotification(kind CapabilityKind) string {
	switch kind {
	case CapabilityTool:
		return NotificationToolsListChanged
	case CapabilityPrompt:
		return NotificationPromptsListChanged
	default:
		return NotificationResourcesListChanged
	}
}
