package domain

// AlertRecord is a persisted governance alert.
type AlertRecord struct {
	ID          int64  `json:"id"`
	EventID     string `json:"event_id"`
	EventType   string `json:"event_type"`
	Source      string `json:"source"`
	Level       string `json:"level"`
	Reason      string `json:"reason"`
	PayloadJSON string `json:"payload_json"`
	CreatedAt   int64  `json:"created_at"` // unix millis
}

// AuditRecord is a persisted permission decision.
type AuditRecord struct {
	ID        string `json:"id"`
	EngineID  string `json:"engine_id"`
	Privilege string `json:"privilege"`
	Category  string `json:"category"`
	Subject   string `json:"subject"`
	Reason    string `json:"reason"`
	Severity  string `json:"severity"`
	CreatedAt int64  `json:"created_at"` // unix millis
}
