package opensway

type submitOptions struct {
	taskID     string
	webhookURL string
}

// Option configures task behavior during Submit.
type Option func(*submitOptions)

// TaskID sets a custom ID for the task. If not provided, a random UUID is generated.
func TaskID(id string) Option {
	return func(o *submitOptions) {
		o.taskID = id
	}
}

// WithWebhook overrides the webhook URL carried in the descriptor.
func WithWebhook(url string) Option {
	return func(o *submitOptions) {
		o.webhookURL = url
	}
}
