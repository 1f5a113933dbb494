package execution

// SendEmailArgs delivers one templated email.
type SendEmailArgs struct {
	To      string `json:"to"`
	Subject string `json:"subject"`
	Title   string `json:"title"`
	Intro   string `json:"intro"`
	// Highlight is shown prominently, e.g. a reset code.
	Highlight string   `json:"highlight,omitempty"`
	Lines     []string `json:"lines,omitempty"`
	Footer    string   `json:"footer,omitempty"`
}

func (SendEmailArgs) Kind() string { return "send_email" }

// SendPushArgs delivers one push message to a set of device tokens.
type SendPushArgs struct {
	Tokens []string          `json:"tokens"`
	Title  string            `json:"title"`
	Body   string            `json:"body"`
	Data   map[string]string `json:"data,omitempty"`
}

func (SendPushArgs) Kind() string { return "send_push" }

// WeeklyReportArgs emails per-agent redemption counts.
type WeeklyReportArgs struct{}

func (WeeklyReportArgs) Kind() string { return "weekly_report" }

// CleanupDevicesArgs removes stale push registrations.
type CleanupDevicesArgs struct{}

func (CleanupDevicesArgs) Kind() string { return "cleanup_devices" }
