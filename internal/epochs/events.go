// Package epochs segments continuous recordings around stimulus events and
// derives averaged evoked responses and their measures.
package epochs

import (
	"fmt"
	"math"

	"github.com/rewired-gh/eegscope/internal/logger"
	"github.com/rewired-gh/eegscope/internal/models"
)

// FindEvents returns the onsets on a trigger channel. An event is reported at
// every sample where the channel steps up to a new positive value; steps down
// (including back to zero) only end the previous trigger. A trigger already
// active on the first sample has no onset and is not reported.
func FindEvents(rec *models.Recording, stimChannel string) ([]models.Event, error) {
	row := rec.Info.ChannelIndex(stimChannel)
	if row < 0 {
		return nil, fmt.Errorf("stim channel %q not found", stimChannel)
	}
	x := rec.Channel(row)

	var events []models.Event
	for i := 1; i < len(x); i++ {
		prev, cur := trigger(x[i-1]), trigger(x[i])
		if cur > 0 && cur > prev {
			events = append(events, models.Event{Sample: i, Code: cur})
		}
	}
	if len(x) > 0 && trigger(x[0]) > 0 {
		logger.Warn("Trigger channel %s starts active (code %d); the initial event is ignored", stimChannel, trigger(x[0]))
	}

	logger.Debug("Found %d event(s) on %s", len(events), stimChannel)
	return events, nil
}

// trigger rounds a stored trigger sample back to its integer code.
func trigger(v float64) int {
	return int(math.Round(v))
}
