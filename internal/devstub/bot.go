package devstub

import "strings"

type rule struct {
	keyword string
	reply   string
}

// rules are matched in order against the lowercased message.
var rules = []rule{
	{"hello", "Hello! How can I help you with your energy monitoring?"},
	{"help", "You can ask about 'consumption', 'devices', or 'alerts'."},
	{"consumption", "You can view consumption on the dashboard charts."},
	{"devices", "Manage your devices in the 'Devices' tab."},
	{"bill", "We do not handle billing directly, please contact your provider."},
	{"error", "If you see an error, please try refreshing the page."},
	{"contact", "You can reach support at support@example.com."},
	{"login", "Use your email and password to log in."},
	{"password", "You can reset your password on the login screen."},
	{"tariff", "Tariffs are updated hourly based on market rates."},
}

const fallbackReply = "I didn't understand that. Try asking about 'help', 'consumption', or 'devices'."

// Reply returns the assistant's answer to a customer message.
func Reply(text string) string {
	lower := strings.ToLower(text)
	for _, r := range rules {
		if strings.Contains(lower, r.keyword) {
			return r.reply
		}
	}
	return fallbackReply
}

// System notices pushed into a conversation.
const (
	noticeAdminRequested = "An agent has been requested. Please wait."
	noticeAdminJoined    = "An administrator has joined the chat."
)
