package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"agora/events"
	"agora/observability"
	"agora/services/courtd/models"
)

// Bundle is the case file handed to every judge.
type Bundle struct {
	TaskID        string      `json:"task_id"`
	Title         string      `json:"title"`
	Specification string      `json:"specification"`
	Assets        []AssetView `json:"assets"`
	ClaimReason   string      `json:"claim_reason"`
	Rebuttal      string      `json:"rebuttal"`
}

// Vote is one judge's assessment.
type Vote struct {
	SpecQualityPct     int    `json:"spec_quality_pct"`
	DeliveryQualityPct int    `json:"delivery_quality_pct"`
	BriefReason        string `json:"brief_reason"`
}

// JudgePanel produces the votes for one case. Judges that fail or exceed
// their deadline abstain; only the returned votes count.
type JudgePanel interface {
	Judge(ctx context.Context, bundle Bundle) ([]Vote, error)
}

// HTTPPanel fans one bundle out to a fixed set of judge endpoints. Each judge
// gets its own wall-clock budget; a slow or failing judge abstains.
type HTTPPanel struct {
	URLs    []string
	Timeout time.Duration
	Client  *http.Client
}

// Judge posts the bundle to every judge concurrently and collects the votes
// that arrive in time.
func (p *HTTPPanel) Judge(ctx context.Context, bundle Bundle) ([]Vote, error) {
	client := p.Client
	if client == nil {
		client = http.DefaultClient
	}
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	payload, err := json.Marshal(bundle)
	if err != nil {
		return nil, err
	}

	votes := make([]*Vote, len(p.URLs))
	var wg sync.WaitGroup
	for i, url := range p.URLs {
		wg.Add(1)
		go func(i int, url string) {
			defer wg.Done()
			judgeCtx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			req, err := http.NewRequestWithContext(judgeCtx, http.MethodPost, url, bytes.NewReader(payload))
			if err != nil {
				return
			}
			req.Header.Set("Content-Type", "application/json")
			resp, err := client.Do(req)
			if err != nil {
				return
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				return
			}
			var vote Vote
			if err := json.NewDecoder(resp.Body).Decode(&vote); err != nil {
				return
			}
			votes[i] = &vote
		}(i, url)
	}
	wg.Wait()

	out := make([]Vote, 0, len(votes))
	for _, vote := range votes {
		if vote != nil {
			out = append(out, *vote)
		}
	}
	return out, nil
}

// aggregateWorkerPct folds the per-judge votes into the ruled percentage:
// each vote contributes delivery/(spec+delivery) scaled to 100, a zero
// denominator counts as 100, the median decides odd panels and the rounded
// mean even ones. No votes at all default to 100; ambiguity favors the
// worker.
func aggregateWorkerPct(votes []Vote) int {
	if len(votes) == 0 {
		return 100
	}
	ratios := make([]float64, 0, len(votes))
	for _, vote := range votes {
		denom := float64(vote.SpecQualityPct + vote.DeliveryQualityPct)
		if denom == 0 {
			ratios = append(ratios, 100)
			continue
		}
		ratios = append(ratios, float64(vote.DeliveryQualityPct)/denom*100)
	}
	sort.Float64s(ratios)

	var pct float64
	if len(ratios)%2 == 1 {
		pct = ratios[len(ratios)/2]
	} else {
		var sum float64
		for _, ratio := range ratios {
			sum += ratio
		}
		pct = sum / float64(len(ratios))
	}
	rounded := int(math.Round(pct))
	if rounded < 0 {
		return 0
	}
	if rounded > 100 {
		return 100
	}
	return rounded
}

// judgeClaim runs a judging claim to its ruling: assemble the bundle, collect
// votes, persist the ruling, split the escrow and write the verdict back to
// the board.
func (s *Server) judgeClaim(ctx context.Context, claim models.Claim, rebuttalContent string) error {
	task, err := s.board.GetTask(ctx, claim.TaskID)
	if err != nil {
		return fmt.Errorf("load task %s: %w", claim.TaskID, err)
	}
	assets, err := s.board.ListAssets(ctx, claim.TaskID)
	if err != nil {
		s.logger.Warn("asset listing failed, judging without artifacts", "task_id", claim.TaskID, "error", err)
		assets = nil
	}

	bundle := Bundle{
		TaskID:        claim.TaskID,
		Title:         task.Title,
		Specification: task.Specification,
		Assets:        assets,
		ClaimReason:   claim.Reason,
		Rebuttal:      rebuttalContent,
	}
	var votes []Vote
	if s.panel != nil {
		votes, err = s.panel.Judge(ctx, bundle)
		if err != nil {
			s.logger.Error("judge panel failed, treating as full abstention", "claim_id", claim.ID, "error", err)
			votes = nil
		}
	}

	workerPct := aggregateWorkerPct(votes)
	votesJSON, err := json.Marshal(votes)
	if err != nil {
		votesJSON = []byte("[]")
	}
	summary := fmt.Sprintf("panel of %d ruled %d%% in the worker's favor", len(votes), workerPct)
	if len(votes) == 0 {
		summary = "all judges abstained; default ruling favors the worker"
	}

	ruling := models.Ruling{
		ID:        "rul-" + uuid.NewString(),
		ClaimID:   claim.ID,
		TaskID:    claim.TaskID,
		WorkerPct: workerPct,
		Summary:   summary,
		Votes:     string(votesJSON),
		CreatedAt: s.Now(),
	}

	// The split and the board callback both tolerate replays, so a crash
	// between these steps is safe to re-run.
	if err := s.bank.SplitEscrow(ctx, task.EscrowID, workerPct, task.WorkerID, task.PosterID); err != nil {
		return fmt.Errorf("split escrow %s: %w", task.EscrowID, err)
	}
	if err := s.board.ApplyRuling(ctx, claim.TaskID, ruling.ID, workerPct, summary); err != nil {
		return fmt.Errorf("apply ruling to board: %w", err)
	}

	err = s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&ruling).Error; err != nil {
			return err
		}
		now := s.Now()
		res := tx.Model(&models.Claim{}).
			Where("id = ? AND status = ?", claim.ID, models.StatusJudging).
			Updates(map[string]any{"status": models.StatusRuled, "ruled_at": now})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected != 1 {
			return errClaimClosed
		}
		_, err := events.Append(tx, events.SourceCourt, &events.RulingDelivered{
			ClaimID:   claim.ID,
			RulingID:  ruling.ID,
			TaskID:    claim.TaskID,
			WorkerPct: workerPct,
		})
		return err
	})
	if err != nil {
		return err
	}
	observability.Economy().RecordRuling(workerPct, len(votes) == 0)
	return nil
}
