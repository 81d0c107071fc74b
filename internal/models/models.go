package models

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"time"
)

type AnomalyStatus string

const (
	AnomalyStatusOpen   AnomalyStatus = "open"
	AnomalyStatusClosed AnomalyStatus = "closed"
)

// Well-known activity type codes. The set is open: ingestion registers new
// codes on first sight.
const (
	ActivityLoginSuccess = "login_success"
	ActivityLoginFailed  = "login_failed"
)

type JSONB map[string]interface{}

func (j JSONB) Value() (driver.Value, error) {
	if j == nil {
		return nil, nil
	}
	return json.Marshal(j)
}

func (j *JSONB) Scan(value interface{}) error {
	if value == nil {
		*j = nil
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		return errors.New("type assertion to []byte failed")
	}
	return json.Unmarshal(bytes, j)
}

// User is a monitored identity. The engine mutates only RiskScore and
// AnomalyCount; everything else belongs to the directory that feeds
// ingestion. RiskScore is a 0-100 high-water mark, never lowered here.
type User struct {
	ID           int64     `json:"id" db:"id"`
	UID          string    `json:"uid" db:"uid"`
	Username     string    `json:"username,omitempty" db:"username"`
	Email        string    `json:"email,omitempty" db:"email"`
	Role         string    `json:"role" db:"role"`
	RiskScore    float64   `json:"risk_score" db:"risk_score"`
	AnomalyCount int       `json:"anomaly_count" db:"anomaly_count"`
	CreatedAt    time.Time `json:"created_at" db:"created_at"`
}

// ActivityType maps an activity code to a stable numeric id.
type ActivityType struct {
	ID   int64  `json:"id" db:"id"`
	Code string `json:"code" db:"code"`
	Name string `json:"name" db:"name"`
}

// AnomalyType maps a detector code to a stable numeric id. Rows are
// append-only; code is globally unique.
type AnomalyType struct {
	ID   int64  `json:"id" db:"id"`
	Code string `json:"code" db:"code"`
	Name string `json:"name" db:"name"`
}

// ActivityEvent is one row of the activity log. Hour, IsWeekend and IsNight
// are derived once at ingestion and never recomputed by detectors.
type ActivityEvent struct {
	ID             int64     `json:"id" db:"id"`
	UserID         int64     `json:"user_id" db:"user_id"`
	Timestamp      time.Time `json:"ts" db:"ts"`
	ActivityTypeID int64     `json:"activity_type_id" db:"activity_type_id"`
	SourceIP       *string   `json:"source_ip,omitempty" db:"source_ip"`
	Params         JSONB     `json:"params,omitempty" db:"params_json"`
	Hour           int       `json:"hour" db:"hour"`
	IsWeekend      bool      `json:"is_weekend" db:"is_weekend"`
	IsNight        bool      `json:"is_night" db:"is_night"`
}

// Anomaly is the engine's output. Score is the raw detector confidence in
// [0,1], Risk the normalized 0-100 severity, Confidence the detector's
// self-reported reliability. Only Status ever changes after insert.
type Anomaly struct {
	ID            int64         `json:"id" db:"id"`
	UserID        int64         `json:"user_id" db:"user_id"`
	AnomalyTypeID int64         `json:"anomaly_type_id" db:"anomaly_type_id"`
	Score         float64       `json:"score" db:"score"`
	Risk          float64       `json:"risk" db:"risk"`
	Confidence    float64       `json:"confidence" db:"confidence"`
	Status        AnomalyStatus `json:"status" db:"status"`
	DetectedAt    time.Time     `json:"detected_at" db:"detected_at"`
	Evidence      JSONB         `json:"evidence,omitempty" db:"evidence_json"`
}

// FeatureRow is one user's aggregated behavior over a trailing window, the
// unit of input to scoring-model detectors. Fields default to zero when the
// user has no matching events; rows are never sparse.
type FeatureRow struct {
	UserID            int64   `json:"user_id" db:"user_id"`
	LoginSuccessCount float64 `json:"login_success_count" db:"login_success_count"`
	LoginFailedCount  float64 `json:"login_failed_count" db:"login_failed_count"`
	TotalEvents       float64 `json:"total_events" db:"total_events"`
	UniqueIPs24h      float64 `json:"unique_ips_24h" db:"unique_ips_24h"`
	AfterHoursCount   float64 `json:"after_hours_count" db:"after_hours_count"`
	LastLoginHour     float64 `json:"last_login_hour" db:"last_login_hour"`
}

// FeatureNames is the canonical column order for feature rows, used when a
// model artifact does not declare its own expected feature set.
var FeatureNames = []string{
	"login_success_count",
	"login_failed_count",
	"total_events",
	"unique_ips_24h",
	"after_hours_count",
	"last_login_hour",
}

// Values returns the row's features keyed by canonical column name.
func (f FeatureRow) Values() map[string]float64 {
	return map[string]float64{
		"login_success_count": f.LoginSuccessCount,
		"login_failed_count":  f.LoginFailedCount,
		"total_events":        f.TotalEvents,
		"unique_ips_24h":      f.UniqueIPs24h,
		"after_hours_count":   f.AfterHoursCount,
		"last_login_hour":     f.LastLoginHour,
	}
}
