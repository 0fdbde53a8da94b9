package config

const (
	// TopicJobDispatch is the NSQ topic carrying ids of jobs ready to be claimed.
	TopicJobDispatch = "jobs.dispatch"

	// ChannelWorker is the NSQ channel the job worker consumes from.
	ChannelWorker = "worker"
)
