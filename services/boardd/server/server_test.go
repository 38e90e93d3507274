package server

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"agora/api"
	"agora/events"
	"agora/services/boardd/models"
)

type fakeEscrow struct {
	payerID   string
	taskID    string
	amount    int64
	status    string
	recipient string
}

type fakeBank struct {
	mu       sync.Mutex
	escrows  map[string]*fakeEscrow
	byTask   map[string]string
	balances map[string]int64
	seq      int

	failLock    error
	failRelease error
}

func newFakeBank() *fakeBank {
	return &fakeBank{
		escrows:  map[string]*fakeEscrow{},
		byTask:   map[string]string{},
		balances: map[string]int64{},
	}
}

func (b *fakeBank) LockEscrow(_ context.Context, payerID string, amount int64, taskID string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failLock != nil {
		return "", b.failLock
	}
	if _, exists := b.byTask[taskID]; exists {
		return "", &api.Error{Kind: api.KindEscrowExists, Status: http.StatusConflict}
	}
	if b.balances[payerID] < amount {
		return "", &api.Error{Kind: api.KindInsufficientFunds, Status: http.StatusConflict}
	}
	b.seq++
	id := fmt.Sprintf("esc-%d", b.seq)
	b.escrows[id] = &fakeEscrow{payerID: payerID, taskID: taskID, amount: amount, status: "locked"}
	b.byTask[taskID] = id
	b.balances[payerID] -= amount
	return id, nil
}

func (b *fakeBank) ReleaseEscrow(_ context.Context, escrowID, recipientID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failRelease != nil {
		return b.failRelease
	}
	esc, ok := b.escrows[escrowID]
	if !ok {
		return &api.Error{Kind: api.KindNotFound, Status: http.StatusNotFound}
	}
	if esc.status != "locked" {
		return &api.Error{Kind: api.KindConflict, Status: http.StatusConflict}
	}
	esc.status = "released"
	esc.recipient = recipientID
	b.balances[recipientID] += esc.amount
	return nil
}

func (b *fakeBank) escrowStatus(taskID string) (string, string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id, ok := b.byTask[taskID]
	if !ok {
		return "", ""
	}
	return b.escrows[id].status, b.escrows[id].recipient
}

type fakeCourt struct {
	mu     sync.Mutex
	claims []string
	fail   error
}

func (c *fakeCourt) FileClaim(_ context.Context, taskID, claimantID, respondentID, reason string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail != nil {
		return "", c.fail
	}
	id := fmt.Sprintf("clm-%d", len(c.claims)+1)
	c.claims = append(c.claims, taskID)
	return id, nil
}

type boardFixture struct {
	srv   *Server
	db    *gorm.DB
	bank  *fakeBank
	court *fakeCourt
	now   time.Time
}

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file::memory:?cache=shared&_pragma=busy_timeout(5000)"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, models.AutoMigrate(db))
	require.NoError(t, events.AutoMigrate(db))
	t.Cleanup(func() {
		sqlDB, err := db.DB()
		require.NoError(t, err)
		require.NoError(t, sqlDB.Close())
	})
	return db
}

func newFixture(t *testing.T) *boardFixture {
	t.Helper()
	db := setupTestDB(t)
	bank := newFakeBank()
	bank.balances["a-alice"] = 100
	bank.balances["a-bob"] = 50
	court := &fakeCourt{}
	srv := New(Config{
		DB:    db,
		Bank:  bank,
		Court: court,
		Defaults: Defaults{
			BiddingSeconds:   600,
			ExecutionSeconds: 1800,
			ReviewSeconds:    600,
		},
		AssetDir:     t.TempDir(),
		MaxAssetSize: 1 << 20,
	})
	f := &boardFixture{srv: srv, db: db, bank: bank, court: court, now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	srv.Now = func() time.Time { return f.now }
	return f
}

func (f *boardFixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		require.NoError(t, err)
	}
	req := httptest.NewRequest(method, path, bytes.NewReader(payload))
	rec := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func (f *boardFixture) createTask(t *testing.T, poster string, reward int64) string {
	t.Helper()
	rec := f.do(t, http.MethodPost, "/tasks", map[string]any{
		"poster_id":     poster,
		"title":         "build a parser",
		"specification": "parse the things",
		"reward":        reward,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var resp struct {
		TaskID string `json:"task_id"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp.TaskID
}

func (f *boardFixture) submitBid(t *testing.T, taskID, bidder string) string {
	t.Helper()
	rec := f.do(t, http.MethodPost, "/tasks/"+taskID+"/bids", map[string]any{
		"bidder_id": bidder,
		"proposal":  "I will do it",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var resp struct {
		BidID string `json:"bid_id"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp.BidID
}

func (f *boardFixture) acceptBid(t *testing.T, taskID, poster, bidID string) {
	t.Helper()
	rec := f.do(t, http.MethodPost, "/tasks/"+taskID+"/accept", map[string]any{
		"poster_id": poster,
		"bid_id":    bidID,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func (f *boardFixture) submitTask(t *testing.T, taskID, worker string) {
	t.Helper()
	rec := f.do(t, http.MethodPost, "/tasks/"+taskID+"/submit", map[string]any{"worker_id": worker})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func (f *boardFixture) taskStatus(t *testing.T, taskID string) string {
	t.Helper()
	var task models.Task
	require.NoError(t, f.db.First(&task, "id = ?", taskID).Error)
	return task.Status
}

func (f *boardFixture) eventTypes(t *testing.T) []string {
	t.Helper()
	evts, err := events.After(f.db, 0, 100)
	require.NoError(t, err)
	types := make([]string, 0, len(evts))
	for _, evt := range evts {
		types = append(types, evt.Type)
	}
	return types
}

func TestCreateTaskLocksEscrow(t *testing.T) {
	f := newFixture(t)
	taskID := f.createTask(t, "a-alice", 10)

	require.Equal(t, models.StatusOpen, f.taskStatus(t, taskID))
	status, _ := f.bank.escrowStatus(taskID)
	require.Equal(t, "locked", status)
	require.EqualValues(t, 90, f.bank.balances["a-alice"])
	require.Contains(t, f.eventTypes(t), events.TypeTaskCreated)
}

func TestCreateTaskInsufficientFunds(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodPost, "/tasks", map[string]any{
		"poster_id": "a-alice", "title": "x", "specification": "y", "reward": int64(500),
	})
	require.Equal(t, http.StatusConflict, rec.Code)
	var envelope struct {
		Error string `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envelope))
	require.Equal(t, "insufficient_funds", envelope.Error)

	var count int64
	require.NoError(t, f.db.Model(&models.Task{}).Count(&count).Error)
	require.Zero(t, count)
}

func TestCreateTaskValidation(t *testing.T) {
	f := newFixture(t)
	cases := []map[string]any{
		{"poster_id": "a-alice", "title": "", "reward": int64(5)},
		{"poster_id": "a-alice", "title": "x", "reward": int64(0)},
		{"poster_id": "a-alice", "title": "x", "reward": int64(5), "bidding_deadline_seconds": int64(-1)},
		{"poster_id": "alice", "title": "x", "reward": int64(5)},
	}
	for i, body := range cases {
		rec := f.do(t, http.MethodPost, "/tasks", body)
		require.Equal(t, http.StatusBadRequest, rec.Code, "case %d: %s", i, rec.Body.String())
	}
}

func TestBidRules(t *testing.T) {
	f := newFixture(t)
	taskID := f.createTask(t, "a-alice", 10)

	// Poster may not bid on own task.
	rec := f.do(t, http.MethodPost, "/tasks/"+taskID+"/bids", map[string]any{"bidder_id": "a-alice"})
	require.Equal(t, http.StatusForbidden, rec.Code)

	bidID := f.submitBid(t, taskID, "a-bob")
	require.NotEmpty(t, bidID)

	// One bid per (task, bidder).
	rec = f.do(t, http.MethodPost, "/tasks/"+taskID+"/bids", map[string]any{"bidder_id": "a-bob"})
	require.Equal(t, http.StatusConflict, rec.Code)

	f.acceptBid(t, taskID, "a-alice", bidID)

	// No bids once the task left open.
	rec = f.do(t, http.MethodPost, "/tasks/"+taskID+"/bids", map[string]any{"bidder_id": "a-carol"})
	require.Equal(t, http.StatusConflict, rec.Code)
}

func TestBidsSealedWhileOpen(t *testing.T) {
	f := newFixture(t)
	taskID := f.createTask(t, "a-alice", 10)
	f.submitBid(t, taskID, "a-bob")
	f.submitBid(t, taskID, "a-carol")

	fetch := func(query string) (bids []bidResponse, count int, sealed bool) {
		rec := f.do(t, http.MethodGet, "/tasks/"+taskID+query, nil)
		require.Equal(t, http.StatusOK, rec.Code)
		var resp struct {
			Bids       []bidResponse `json:"bids"`
			BidCount   int           `json:"bid_count"`
			BidsSealed bool          `json:"bids_sealed"`
		}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		return resp.Bids, resp.BidCount, resp.BidsSealed
	}

	bids, count, sealed := fetch("")
	require.Empty(t, bids)
	require.Equal(t, 2, count)
	require.True(t, sealed)

	bids, _, _ = fetch("?agent_id=a-alice")
	require.Len(t, bids, 2)

	bids, _, _ = fetch("?agent_id=a-bob")
	require.Len(t, bids, 1)
	require.Equal(t, "a-bob", bids[0].BidderID)

	var bid models.Bid
	require.NoError(t, f.db.First(&bid, "task_id = ? AND bidder_id = ?", taskID, "a-bob").Error)
	f.acceptBid(t, taskID, "a-alice", bid.ID)

	bids, _, sealed = fetch("?agent_id=a-carol")
	require.Len(t, bids, 2)
	require.False(t, sealed)
}

func TestAcceptBidRules(t *testing.T) {
	f := newFixture(t)
	taskID := f.createTask(t, "a-alice", 10)
	bidID := f.submitBid(t, taskID, "a-bob")

	// Only the poster accepts.
	rec := f.do(t, http.MethodPost, "/tasks/"+taskID+"/accept", map[string]any{"poster_id": "a-bob", "bid_id": bidID})
	require.Equal(t, http.StatusForbidden, rec.Code)

	// The bid must belong to the task.
	otherTask := f.createTask(t, "a-alice", 5)
	rec = f.do(t, http.MethodPost, "/tasks/"+otherTask+"/accept", map[string]any{"poster_id": "a-alice", "bid_id": bidID})
	require.Equal(t, http.StatusNotFound, rec.Code)

	// Accept may not happen after the bidding deadline.
	f.now = f.now.Add(11 * time.Minute)
	rec = f.do(t, http.MethodPost, "/tasks/"+taskID+"/accept", map[string]any{"poster_id": "a-alice", "bid_id": bidID})
	require.Equal(t, http.StatusConflict, rec.Code)

	f.now = f.now.Add(-11 * time.Minute)
	f.acceptBid(t, taskID, "a-alice", bidID)

	var task models.Task
	require.NoError(t, f.db.First(&task, "id = ?", taskID).Error)
	require.Equal(t, models.StatusAccepted, task.Status)
	require.Equal(t, "a-bob", task.WorkerID)
	require.Equal(t, bidID, task.AcceptedBidID)
	require.NotNil(t, task.ExecutionDeadline)
	require.Contains(t, f.eventTypes(t), events.TypeTaskAccepted)
}

func TestSubmitTaskRules(t *testing.T) {
	f := newFixture(t)
	taskID := f.createTask(t, "a-alice", 10)
	bidID := f.submitBid(t, taskID, "a-bob")
	f.acceptBid(t, taskID, "a-alice", bidID)

	// Only the assigned worker submits.
	rec := f.do(t, http.MethodPost, "/tasks/"+taskID+"/submit", map[string]any{"worker_id": "a-carol"})
	require.Equal(t, http.StatusForbidden, rec.Code)

	// Not after the execution deadline.
	f.now = f.now.Add(31 * time.Minute)
	rec = f.do(t, http.MethodPost, "/tasks/"+taskID+"/submit", map[string]any{"worker_id": "a-bob"})
	require.Equal(t, http.StatusConflict, rec.Code)

	f.now = f.now.Add(-31 * time.Minute)
	f.submitTask(t, taskID, "a-bob")

	var task models.Task
	require.NoError(t, f.db.First(&task, "id = ?", taskID).Error)
	require.Equal(t, models.StatusSubmitted, task.Status)
	require.NotNil(t, task.ReviewDeadline)
}

func TestApproveReleasesEscrow(t *testing.T) {
	f := newFixture(t)
	taskID := f.createTask(t, "a-alice", 10)
	bidID := f.submitBid(t, taskID, "a-bob")
	f.acceptBid(t, taskID, "a-alice", bidID)
	f.submitTask(t, taskID, "a-bob")

	rec := f.do(t, http.MethodPost, "/tasks/"+taskID+"/approve", map[string]any{"poster_id": "a-bob"})
	require.Equal(t, http.StatusForbidden, rec.Code)

	rec = f.do(t, http.MethodPost, "/tasks/"+taskID+"/approve", map[string]any{"poster_id": "a-alice"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	require.Equal(t, models.StatusApproved, f.taskStatus(t, taskID))
	status, recipient := f.bank.escrowStatus(taskID)
	require.Equal(t, "released", status)
	require.Equal(t, "a-bob", recipient)
	require.EqualValues(t, 60, f.bank.balances["a-bob"])
	require.Contains(t, f.eventTypes(t), events.TypeTaskApproved)
}

func TestApproveRevertsWhenReleaseFails(t *testing.T) {
	f := newFixture(t)
	taskID := f.createTask(t, "a-alice", 10)
	bidID := f.submitBid(t, taskID, "a-bob")
	f.acceptBid(t, taskID, "a-alice", bidID)
	f.submitTask(t, taskID, "a-bob")

	f.bank.failRelease = &api.Error{Kind: api.KindTransient, Status: http.StatusServiceUnavailable}
	rec := f.do(t, http.MethodPost, "/tasks/"+taskID+"/approve", map[string]any{"poster_id": "a-alice"})
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	require.Equal(t, models.StatusSubmitted, f.taskStatus(t, taskID))
	require.NotContains(t, f.eventTypes(t), events.TypeTaskApproved)

	// Once the bank recovers the approval goes through.
	f.bank.failRelease = nil
	rec = f.do(t, http.MethodPost, "/tasks/"+taskID+"/approve", map[string]any{"poster_id": "a-alice"})
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, models.StatusApproved, f.taskStatus(t, taskID))
}

func TestDisputeRevertsWhenClaimFails(t *testing.T) {
	f := newFixture(t)
	taskID := f.createTask(t, "a-alice", 10)
	bidID := f.submitBid(t, taskID, "a-bob")
	f.acceptBid(t, taskID, "a-alice", bidID)
	f.submitTask(t, taskID, "a-bob")

	f.court.fail = &api.Error{Kind: api.KindTransient, Status: http.StatusServiceUnavailable}
	rec := f.do(t, http.MethodPost, "/tasks/"+taskID+"/dispute", map[string]any{"poster_id": "a-alice", "reason": "bad"})
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	require.Equal(t, models.StatusSubmitted, f.taskStatus(t, taskID))
	require.NotContains(t, f.eventTypes(t), events.TypeTaskDisputed)

	var task models.Task
	require.NoError(t, f.db.First(&task, "id = ?", taskID).Error)
	require.Empty(t, task.DisputeReason)
}

func TestDisputeOpensClaim(t *testing.T) {
	f := newFixture(t)
	taskID := f.createTask(t, "a-alice", 10)
	bidID := f.submitBid(t, taskID, "a-bob")
	f.acceptBid(t, taskID, "a-alice", bidID)
	f.submitTask(t, taskID, "a-bob")

	rec := f.do(t, http.MethodPost, "/tasks/"+taskID+"/dispute", map[string]any{"poster_id": "a-alice", "reason": ""})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPost, "/tasks/"+taskID+"/dispute", map[string]any{"poster_id": "a-alice", "reason": "not what I asked for"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	require.Equal(t, models.StatusDisputed, f.taskStatus(t, taskID))
	require.Equal(t, []string{taskID}, f.court.claims)
	require.Contains(t, f.eventTypes(t), events.TypeTaskDisputed)

	// The escrow stays locked until the ruling.
	status, _ := f.bank.escrowStatus(taskID)
	require.Equal(t, "locked", status)
}

func TestDisputeAfterReviewWindow(t *testing.T) {
	f := newFixture(t)
	taskID := f.createTask(t, "a-alice", 10)
	bidID := f.submitBid(t, taskID, "a-bob")
	f.acceptBid(t, taskID, "a-alice", bidID)
	f.submitTask(t, taskID, "a-bob")

	f.now = f.now.Add(11 * time.Minute)
	rec := f.do(t, http.MethodPost, "/tasks/"+taskID+"/dispute", map[string]any{"poster_id": "a-alice", "reason": "late"})
	require.Equal(t, http.StatusConflict, rec.Code)
}

func TestCancelTask(t *testing.T) {
	f := newFixture(t)
	taskID := f.createTask(t, "a-alice", 10)

	rec := f.do(t, http.MethodPost, "/tasks/"+taskID+"/cancel", map[string]any{"poster_id": "a-bob"})
	require.Equal(t, http.StatusForbidden, rec.Code)

	rec = f.do(t, http.MethodPost, "/tasks/"+taskID+"/cancel", map[string]any{"poster_id": "a-alice"})
	require.Equal(t, http.StatusOK, rec.Code)

	require.Equal(t, models.StatusCancelled, f.taskStatus(t, taskID))
	status, recipient := f.bank.escrowStatus(taskID)
	require.Equal(t, "released", status)
	require.Equal(t, "a-alice", recipient)
	require.EqualValues(t, 100, f.bank.balances["a-alice"])

	// Cancel is only legal from open.
	rec = f.do(t, http.MethodPost, "/tasks/"+taskID+"/cancel", map[string]any{"poster_id": "a-alice"})
	require.Equal(t, http.StatusConflict, rec.Code)
}

func TestCancelRevertsWhenReleaseFails(t *testing.T) {
	f := newFixture(t)
	taskID := f.createTask(t, "a-alice", 10)

	f.bank.failRelease = &api.Error{Kind: api.KindTransient, Status: http.StatusServiceUnavailable}
	rec := f.do(t, http.MethodPost, "/tasks/"+taskID+"/cancel", map[string]any{"poster_id": "a-alice"})
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	require.Equal(t, models.StatusOpen, f.taskStatus(t, taskID))
	require.NotContains(t, f.eventTypes(t), events.TypeTaskCancelled)
}

func TestRuledCallback(t *testing.T) {
	f := newFixture(t)
	taskID := f.createTask(t, "a-alice", 10)
	bidID := f.submitBid(t, taskID, "a-bob")
	f.acceptBid(t, taskID, "a-alice", bidID)
	f.submitTask(t, taskID, "a-bob")
	rec := f.do(t, http.MethodPost, "/tasks/"+taskID+"/dispute", map[string]any{"poster_id": "a-alice", "reason": "bad"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodPost, "/tasks/"+taskID+"/ruled", map[string]any{
		"ruling_id": "rul-1", "worker_pct": 40, "ruling_summary": "partially at fault",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var task models.Task
	require.NoError(t, f.db.First(&task, "id = ?", taskID).Error)
	require.Equal(t, models.StatusRuled, task.Status)
	require.Equal(t, "rul-1", task.RulingID)
	require.NotNil(t, task.WorkerPct)
	require.Equal(t, 40, *task.WorkerPct)
	require.Contains(t, f.eventTypes(t), events.TypeTaskRuled)

	// The ruling is final.
	rec = f.do(t, http.MethodPost, "/tasks/"+taskID+"/ruled", map[string]any{
		"ruling_id": "rul-2", "worker_pct": 10, "ruling_summary": "again",
	})
	require.Equal(t, http.StatusConflict, rec.Code)
}

func TestSweeperExpiresBidding(t *testing.T) {
	f := newFixture(t)
	taskID := f.createTask(t, "a-alice", 10)

	f.now = f.now.Add(11 * time.Minute)
	require.NoError(t, f.srv.Sweep(context.Background(), f.now))

	require.Equal(t, models.StatusExpired, f.taskStatus(t, taskID))
	status, recipient := f.bank.escrowStatus(taskID)
	require.Equal(t, "released", status)
	require.Equal(t, "a-alice", recipient)

	evts, err := events.After(f.db, 0, 100)
	require.NoError(t, err)
	var expired *events.TaskExpired
	for _, evt := range evts {
		if evt.Type == events.TypeTaskExpired {
			payload, err := events.Decode(evt)
			require.NoError(t, err)
			expired = payload.(*events.TaskExpired)
		}
	}
	require.NotNil(t, expired)
	require.Equal(t, models.ExpiryBidding, expired.Reason)

	// Re-running the sweep produces no additional effect.
	before := len(f.eventTypes(t))
	require.NoError(t, f.srv.Sweep(context.Background(), f.now))
	require.Equal(t, before, len(f.eventTypes(t)))
}

func TestSweeperExpiresExecution(t *testing.T) {
	f := newFixture(t)
	taskID := f.createTask(t, "a-alice", 10)
	bidID := f.submitBid(t, taskID, "a-bob")
	f.acceptBid(t, taskID, "a-alice", bidID)

	f.now = f.now.Add(31 * time.Minute)
	require.NoError(t, f.srv.Sweep(context.Background(), f.now))

	require.Equal(t, models.StatusExpired, f.taskStatus(t, taskID))
	_, recipient := f.bank.escrowStatus(taskID)
	require.Equal(t, "a-alice", recipient)
}

func TestSweeperAutoApproves(t *testing.T) {
	f := newFixture(t)
	taskID := f.createTask(t, "a-alice", 10)
	bidID := f.submitBid(t, taskID, "a-bob")
	f.acceptBid(t, taskID, "a-alice", bidID)
	f.submitTask(t, taskID, "a-bob")

	f.now = f.now.Add(11 * time.Minute)
	require.NoError(t, f.srv.Sweep(context.Background(), f.now))

	require.Equal(t, models.StatusApproved, f.taskStatus(t, taskID))
	_, recipient := f.bank.escrowStatus(taskID)
	require.Equal(t, "a-bob", recipient)
	require.Contains(t, f.eventTypes(t), events.TypeTaskAutoApproved)
}

func TestAssetUpload(t *testing.T) {
	f := newFixture(t)
	taskID := f.createTask(t, "a-alice", 10)
	bidID := f.submitBid(t, taskID, "a-bob")

	content := base64.StdEncoding.EncodeToString([]byte("artifact bytes"))

	// Upload requires status accepted.
	rec := f.do(t, http.MethodPost, "/tasks/"+taskID+"/assets", map[string]any{
		"uploader_id": "a-bob", "filename": "result.txt", "content_type": "text/plain", "content_b64": content,
	})
	require.Equal(t, http.StatusConflict, rec.Code)

	f.acceptBid(t, taskID, "a-alice", bidID)

	// Only the assigned worker uploads.
	rec = f.do(t, http.MethodPost, "/tasks/"+taskID+"/assets", map[string]any{
		"uploader_id": "a-carol", "filename": "result.txt", "content_b64": content,
	})
	require.Equal(t, http.StatusForbidden, rec.Code)

	rec = f.do(t, http.MethodPost, "/tasks/"+taskID+"/assets", map[string]any{
		"uploader_id": "a-bob", "filename": "result.txt", "content_type": "text/plain", "content_b64": content,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var uploaded assetResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &uploaded))
	require.Regexp(t, `^asset-`, uploaded.AssetID)
	require.EqualValues(t, len("artifact bytes"), uploaded.SizeBytes)

	var asset models.Asset
	require.NoError(t, f.db.First(&asset, "id = ?", uploaded.AssetID).Error)
	stored, err := os.ReadFile(asset.StoragePath)
	require.NoError(t, err)
	require.Equal(t, "artifact bytes", string(stored))
	require.Contains(t, f.eventTypes(t), events.TypeAssetUploaded)

	// Oversized payloads are rejected.
	huge := base64.StdEncoding.EncodeToString(bytes.Repeat([]byte{0}, int(f.srv.maxAssetSize)+1))
	rec = f.do(t, http.MethodPost, "/tasks/"+taskID+"/assets", map[string]any{
		"uploader_id": "a-bob", "filename": "big.bin", "content_b64": huge,
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAssetListing(t *testing.T) {
	f := newFixture(t)
	taskID := f.createTask(t, "a-alice", 10)
	bidID := f.submitBid(t, taskID, "a-bob")
	f.acceptBid(t, taskID, "a-alice", bidID)

	content := base64.StdEncoding.EncodeToString([]byte("x"))
	rec := f.do(t, http.MethodPost, "/tasks/"+taskID+"/assets", map[string]any{
		"uploader_id": "a-bob", "filename": "a.txt", "content_b64": content,
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	// Without service auth configured the fixture leaves listing open.
	rec = f.do(t, http.MethodGet, "/tasks/"+taskID+"/assets", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Assets []assetResponse `json:"assets"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Assets, 1)
}

func TestListTasksFilters(t *testing.T) {
	f := newFixture(t)
	first := f.createTask(t, "a-alice", 10)
	second := f.createTask(t, "a-alice", 5)
	bidID := f.submitBid(t, first, "a-bob")
	f.acceptBid(t, first, "a-alice", bidID)

	rec := f.do(t, http.MethodGet, "/tasks?status=open", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Tasks []taskResponse `json:"tasks"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Tasks, 1)
	require.Equal(t, second, resp.Tasks[0].TaskID)
}
