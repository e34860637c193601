package progress

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Stage denotes the milestone represented by an Event.
type Stage string

// Session stages.
const (
	StageSessionStart Stage = "SESSION_START"
	StageSiteSelected Stage = "SITE_SELECTED"
	StageSiteDone     Stage = "SITE_DONE"
	StageSiteError    Stage = "SITE_ERROR"
	StageJobFound     Stage = "JOB_FOUND"
	StageSessionDone  Stage = "SESSION_DONE"
)

// Event is one milestone of an exploration session.
type Event struct {
	// SessionID is the UUID string of the run.
	SessionID string `json:"session_id"`
	TS        time.Time `json:"ts"`
	Stage     Stage     `json:"stage"`
	// Site is the site URL for site and job stages.
	Site string `json:"site,omitempty"`
	// URL is the listing URL of a found job.
	URL   string `json:"url,omitempty"`
	Title string `json:"title,omitempty"`
	// Score is the relevance score of a found job.
	Score int `json:"score,omitempty"`
	// Outcome is the success score recorded for the site.
	Outcome float64       `json:"outcome,omitempty"`
	Dur     time.Duration `json:"dur,omitempty"`
	// Note carries low-volume context such as an error text or the stop reason.
	Note string `json:"note,omitempty"`
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if _, err := uuid.Parse(e.SessionID); err != nil {
		return fmt.Errorf("session id: %w", err)
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageSessionStart, StageSessionDone:
	case StageSiteSelected, StageSiteDone, StageSiteError:
		if e.Site == "" {
			return fmt.Errorf("%s requires site", e.Stage)
		}
	case StageJobFound:
		if e.URL == "" {
			return errors.New("job found requires url")
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}
