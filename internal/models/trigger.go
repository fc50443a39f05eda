package models

// TriggerDescriptor is the live configuration of one recurring job.
type TriggerDescriptor struct {
	JobID    string `json:"jobId" mapstructure:"job_id"`
	Enabled  bool   `json:"enabled" mapstructure:"enabled"`
	Schedule string `json:"schedule" mapstructure:"schedule"`
	Timezone string `json:"timezone,omitempty" mapstructure:"timezone"`
}
