// Package models contains shared data structures for the operator autopilot.
package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// ExternalID identifies a profile, counterparty or site object on the
// external site. The site sends ids both as JSON numbers and as strings.
type ExternalID string

// UnmarshalJSON accepts numbers, strings and null
func (id *ExternalID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*id = ""
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = ExternalID(strings.TrimSpace(s))
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("external id: %w", err)
	}
	*id = ExternalID(n.String())
	return nil
}

func (id ExternalID) String() string { return string(id) }

// IsZero reports whether the id is empty
func (id ExternalID) IsZero() bool { return id == "" }

// Profile is an operator-controlled persona
type Profile struct {
	ExternalID ExternalID `json:"external_id" yaml:"external_id"`
	Name       string     `json:"name" yaml:"name"`
	PhotoURL   string     `json:"photo_link,omitempty" yaml:"photo_link,omitempty"`
	SiteID     int        `json:"site_id,omitempty" yaml:"site_id,omitempty"`
}

// ProfileList is the cached response of the profile listing
type ProfileList struct {
	Profiles  []Profile `json:"profiles"`
	FetchedAt time.Time `json:"fetched_at"`
}

// Find returns the profile with the given external id
func (l ProfileList) Find(id ExternalID) (Profile, bool) {
	for _, p := range l.Profiles {
		if p.ExternalID == id {
			return p, true
		}
	}
	return Profile{}, false
}

// ChatTarget is one (profile, counterparty) pair a message can be sent to
type ChatTarget struct {
	ProfileID      ExternalID `json:"profile_id"`
	CounterpartyID ExternalID `json:"counterparty_id"`
}

func (t ChatTarget) String() string {
	return fmt.Sprintf("%s->%s", t.ProfileID, t.CounterpartyID)
}
