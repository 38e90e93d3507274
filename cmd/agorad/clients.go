package main

import (
	"context"

	"agora/api"
	sdkbank "agora/sdk/bank"
	sdkboard "agora/sdk/board"
	sdkcourt "agora/sdk/court"
	sdkidentity "agora/sdk/identity"
	courtsrv "agora/services/courtd/server"
	repsrv "agora/services/reputationd/server"
)

// The services accept narrow interfaces; these adapters bind them to the SDK
// clients so every cross-service call goes over HTTP like it would in a
// multi-process deployment.

type identityVerifier struct {
	client *sdkidentity.Client
}

func (v identityVerifier) VerifySignature(ctx context.Context, agentID string, message, signature []byte) (bool, error) {
	return v.client.VerifySignature(ctx, agentID, message, signature)
}

type identityBank struct {
	client *sdkbank.Client
}

func (b identityBank) OpenAccount(ctx context.Context, agentID string) error {
	return b.client.OpenAccount(ctx, agentID)
}

type boardBank struct {
	client *sdkbank.Client
}

func (b boardBank) LockEscrow(ctx context.Context, payerID string, amount int64, taskID string) (string, error) {
	return b.client.LockEscrow(ctx, payerID, amount, taskID)
}

func (b boardBank) ReleaseEscrow(ctx context.Context, escrowID, recipientID string) error {
	return b.client.ReleaseEscrow(ctx, escrowID, recipientID)
}

type boardCourt struct {
	client *sdkcourt.Client
}

func (c boardCourt) FileClaim(ctx context.Context, taskID, claimantID, respondentID, reason string) (string, error) {
	return c.client.FileClaim(ctx, taskID, claimantID, respondentID, reason)
}

type reputationBoard struct {
	client *sdkboard.Client
}

func (b reputationBoard) GetTask(ctx context.Context, taskID string) (repsrv.TaskView, error) {
	task, err := b.client.GetTask(ctx, taskID)
	if err != nil {
		return repsrv.TaskView{}, err
	}
	return repsrv.TaskView{
		TaskID:   task.TaskID,
		Status:   task.Status,
		PosterID: task.PosterID,
		WorkerID: task.WorkerID,
	}, nil
}

type courtBoard struct {
	client *sdkboard.Client
}

func (b courtBoard) GetTask(ctx context.Context, taskID string) (courtsrv.TaskView, error) {
	task, err := b.client.GetTask(ctx, taskID)
	if err != nil {
		return courtsrv.TaskView{}, err
	}
	return courtsrv.TaskView{
		TaskID:        task.TaskID,
		Status:        task.Status,
		PosterID:      task.PosterID,
		WorkerID:      task.WorkerID,
		EscrowID:      task.EscrowID,
		Title:         task.Title,
		Specification: task.Specification,
	}, nil
}

func (b courtBoard) ListAssets(ctx context.Context, taskID string) ([]courtsrv.AssetView, error) {
	assets, err := b.client.ListAssets(ctx, taskID)
	if err != nil {
		return nil, err
	}
	out := make([]courtsrv.AssetView, 0, len(assets))
	for _, a := range assets {
		out = append(out, courtsrv.AssetView{
			AssetID:     a.AssetID,
			Filename:    a.Filename,
			ContentType: a.ContentType,
			SizeBytes:   a.SizeBytes,
		})
	}
	return out, nil
}

func (b courtBoard) ApplyRuling(ctx context.Context, taskID, rulingID string, workerPct int, summary string) error {
	err := b.client.ApplyRuling(ctx, taskID, rulingID, workerPct, summary)
	// A conflict means the task already left disputed, i.e. a crash-rerun of
	// a ruling that was applied. Safe to treat as done.
	if api.KindOf(err) == api.KindConflict {
		return nil
	}
	return err
}

type courtBank struct {
	client *sdkbank.Client
}

func (b courtBank) SplitEscrow(ctx context.Context, escrowID string, workerPct int, workerID, posterID string) error {
	err := b.client.SplitEscrow(ctx, escrowID, workerPct, workerID, posterID)
	// An already-resolved escrow is a replayed split.
	if api.KindOf(err) == api.KindConflict {
		return nil
	}
	return err
}
