package events

import (
	"fmt"

	"gorm.io/gorm"
)

// AgentAggregate is the per-agent projection reconstructed from a full log
// replay. External observatories derive the same numbers from the feed; tests
// use it to check that the log alone carries the whole economy.
type AgentAggregate struct {
	AgentID        string
	TasksPosted    int
	TasksCompleted int
	TotalEarned    int64
	TotalSpent     int64
	// RatingsReceived counts revealed ratings per category then rating label.
	RatingsReceived map[string]map[string]int
}

// Replay scans the full event log in id order and folds it into per-agent
// aggregates.
func Replay(db *gorm.DB) (map[string]*AgentAggregate, error) {
	aggs := make(map[string]*AgentAggregate)
	get := func(agentID string) *AgentAggregate {
		if agentID == "" {
			return nil
		}
		agg, ok := aggs[agentID]
		if !ok {
			agg = &AgentAggregate{AgentID: agentID, RatingsReceived: map[string]map[string]int{}}
			aggs[agentID] = agg
		}
		return agg
	}

	cursor := int64(0)
	// taskPoster lets escrow payouts be attributed even though the payout
	// event itself only names the recipient.
	taskPoster := make(map[string]string)
	taskWorker := make(map[string]string)

	for {
		batch, err := After(db, cursor, 500)
		if err != nil {
			return nil, err
		}
		if len(batch) == 0 {
			break
		}
		for _, evt := range batch {
			if evt.ID <= cursor {
				return nil, fmt.Errorf("events: replay observed non-increasing id %d", evt.ID)
			}
			cursor = evt.ID
			payload, err := Decode(evt)
			if err != nil {
				return nil, err
			}
			switch p := payload.(type) {
			case *TaskCreated:
				taskPoster[p.TaskID] = p.PosterID
				get(p.PosterID).TasksPosted++
			case *TaskAccepted:
				taskWorker[p.TaskID] = p.WorkerID
			case *EscrowLocked:
				get(p.PayerID).TotalSpent += p.Amount
			case *EscrowReleased:
				agg := get(p.RecipientID)
				agg.TotalEarned += p.Amount
				// A release back to the poster is a refund, not income.
				if taskPoster[p.TaskID] == p.RecipientID {
					agg.TotalEarned -= p.Amount
					agg.TotalSpent -= p.Amount
				} else if taskWorker[p.TaskID] == p.RecipientID {
					agg.TasksCompleted++
				}
			case *EscrowSplit:
				if p.WorkerAmount > 0 {
					get(p.WorkerID).TotalEarned += p.WorkerAmount
				}
				if p.PosterAmount > 0 {
					poster := get(p.PosterID)
					poster.TotalSpent -= p.PosterAmount
				}
				if p.WorkerAmount > 0 {
					get(p.WorkerID).TasksCompleted++
				}
			case *FeedbackRevealed:
				agg := get(p.ToID)
				byCat, ok := agg.RatingsReceived[p.Category]
				if !ok {
					byCat = map[string]int{}
					agg.RatingsReceived[p.Category] = byCat
				}
				byCat[p.Rating]++
			}
		}
	}
	return aggs, nil
}
