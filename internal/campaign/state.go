package campaign

import (
	"errors"
	"fmt"

	"github.com/castlegate/outreach/internal/db"
)

// ErrIllegalTransition means the requested state change is not allowed
// from the campaign's current state.
var ErrIllegalTransition = errors.New("illegal campaign state transition")

// transitions is the campaign lifecycle. Completed, cancelled, and
// failed are terminal.
var transitions = map[string][]string{
	db.CampaignDraft:     {db.CampaignScheduled, db.CampaignCancelled},
	db.CampaignScheduled: {db.CampaignSending, db.CampaignCancelled},
	db.CampaignSending:   {db.CampaignCompleted, db.CampaignPaused, db.CampaignCancelled, db.CampaignFailed},
	db.CampaignPaused:    {db.CampaignSending, db.CampaignCancelled},
}

// CanTransition reports whether from -> to is a legal lifecycle move.
func CanTransition(from, to string) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

func illegal(from, to string) error {
	return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, from, to)
}
