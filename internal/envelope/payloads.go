package envelope

// EventPayload is the data shape for Type = event.
type EventPayload struct {
	Level string                 `json:"level"`
	Msg   string                 `json:"msg"`
	Ctx   map[string]interface{} `json:"ctx,omitempty"`
}

// MetricPayload is the data shape for Type = metric.
type MetricPayload struct {
	Name  string                 `json:"name"`
	Value float64                `json:"value"`
	Unit  string                 `json:"unit"`
	Tags  map[string]interface{} `json:"tags,omitempty"`
}

// ProgressPayload is the data shape for Type = progress.
type ProgressPayload struct {
	JobID   string `json:"job_id"`
	Percent int    `json:"percent"`
	Status  string `json:"status"`
}

// ResourcePayload is the data shape for Type = resource.
type ResourcePayload struct {
	CPU  float64 `json:"cpu"`
	Mem  float64 `json:"mem"`
	Disk float64 `json:"disk"`
	Net  float64 `json:"net"`
}

// SpanPayload is the data shape for Type = span.
type SpanPayload struct {
	Name   string                 `json:"name"`
	Start  int64                  `json:"start"`
	End    *int64                 `json:"end,omitempty"`
	Status string                 `json:"status"`
	Tags   map[string]interface{} `json:"tags,omitempty"`
}

// EntityRef carries the job/subjob projection hint an application-level
// job-event may attach to an envelope's data payload (spec.md §3.3).
type EntityRef struct {
	Type     string `json:"type"`
	ID       string `json:"id"`
	ParentID string `json:"parent_id,omitempty"`
}

// JobEventPayload is the extended payload C7 decodes to materialize job
// and subjob projection rows.
type JobEventPayload struct {
	IdempotencyKey string                 `json:"idempotency_key"`
	Entity         EntityRef              `json:"entity"`
	Status         string                 `json:"status"`
	AppID          string                 `json:"app_id"`
	SiteID         string                 `json:"site_id"`
	JobKey         string                 `json:"job_key,omitempty"`
	StartedAt      int64                  `json:"started_at,omitempty"`
	EndedAt        int64                  `json:"ended_at,omitempty"`
	Metrics        map[string]float64     `json:"metrics,omitempty"`
	Metadata       map[string]interface{} `json:"metadata,omitempty"`
}
