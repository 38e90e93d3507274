package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"agora/events"
	"agora/services/bankd/models"
)

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

func newTestServer(t *testing.T) (*Server, *gorm.DB) {
	t.Helper()
	db := setupTestDB(t)
	srv := New(Config{DB: db, SalaryAmount: 10})
	return srv, db
}

func do(t *testing.T, srv *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		require.NoError(t, err)
	}
	req := httptest.NewRequest(method, path, bytes.NewReader(payload))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func openAccount(t *testing.T, srv *Server, agentID string) {
	t.Helper()
	rec := do(t, srv, http.MethodPost, "/accounts", map[string]string{"agent_id": agentID})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
}

func creditAccountReq(t *testing.T, srv *Server, accountID string, amount int64, reference string) {
	t.Helper()
	rec := do(t, srv, http.MethodPost, "/credits", map[string]any{
		"account_id": accountID, "amount": amount, "reference": reference,
	})
	require.Contains(t, []int{http.StatusCreated, http.StatusOK}, rec.Code, rec.Body.String())
}

func balanceOf(t *testing.T, srv *Server, accountID string) int64 {
	t.Helper()
	rec := do(t, srv, http.MethodGet, "/accounts/"+accountID, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resp struct {
		Balance int64 `json:"balance"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp.Balance
}

func TestOpenAccountIsIdempotent(t *testing.T) {
	srv, db := newTestServer(t)

	first := do(t, srv, http.MethodPost, "/accounts", map[string]string{"agent_id": "a-alice"})
	require.Equal(t, http.StatusCreated, first.Code)
	second := do(t, srv, http.MethodPost, "/accounts", map[string]string{"agent_id": "a-alice"})
	require.Equal(t, http.StatusOK, second.Code)

	var count int64
	require.NoError(t, db.Model(&models.Account{}).Count(&count).Error)
	require.EqualValues(t, 1, count)

	evts, err := events.After(db, 0, 10)
	require.NoError(t, err)
	require.Len(t, evts, 1)
	require.Equal(t, events.TypeAccountCreated, evts[0].Type)
}

func TestCreditIsIdempotentPerReference(t *testing.T) {
	srv, db := newTestServer(t)
	openAccount(t, srv, "a-alice")

	first := do(t, srv, http.MethodPost, "/credits", map[string]any{
		"account_id": "a-alice", "amount": int64(25), "reference": "grant-1",
	})
	require.Equal(t, http.StatusCreated, first.Code)
	second := do(t, srv, http.MethodPost, "/credits", map[string]any{
		"account_id": "a-alice", "amount": int64(25), "reference": "grant-1",
	})
	require.Equal(t, http.StatusOK, second.Code)

	var firstTx, secondTx struct {
		TransactionID string `json:"transaction_id"`
	}
	require.NoError(t, json.Unmarshal(first.Body.Bytes(), &firstTx))
	require.NoError(t, json.Unmarshal(second.Body.Bytes(), &secondTx))
	require.Equal(t, firstTx.TransactionID, secondTx.TransactionID)

	require.EqualValues(t, 25, balanceOf(t, srv, "a-alice"))

	var count int64
	require.NoError(t, db.Model(&models.Transaction{}).Count(&count).Error)
	require.EqualValues(t, 1, count)
}

func TestCreditValidation(t *testing.T) {
	srv, _ := newTestServer(t)
	openAccount(t, srv, "a-alice")

	rec := do(t, srv, http.MethodPost, "/credits", map[string]any{"account_id": "a-alice", "amount": int64(0), "reference": "x"})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, srv, http.MethodPost, "/credits", map[string]any{"account_id": "a-missing", "amount": int64(5), "reference": "x"})
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestLockEscrow(t *testing.T) {
	srv, db := newTestServer(t)
	openAccount(t, srv, "a-alice")
	creditAccountReq(t, srv, "a-alice", 100, "seed")

	rec := do(t, srv, http.MethodPost, "/escrow", map[string]any{
		"payer_id": "a-alice", "amount": int64(10), "task_id": "t-1",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var esc struct {
		EscrowID string `json:"escrow_id"`
		Status   string `json:"status"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &esc))
	require.Regexp(t, `^esc-`, esc.EscrowID)
	require.Equal(t, models.EscrowLocked, esc.Status)
	require.EqualValues(t, 90, balanceOf(t, srv, "a-alice"))

	// Second lock for the same task conflicts.
	rec = do(t, srv, http.MethodPost, "/escrow", map[string]any{
		"payer_id": "a-alice", "amount": int64(10), "task_id": "t-1",
	})
	require.Equal(t, http.StatusConflict, rec.Code)
	var envelope struct {
		Error string `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envelope))
	require.Equal(t, "escrow_exists", envelope.Error)

	// Beyond the spendable balance.
	rec = do(t, srv, http.MethodPost, "/escrow", map[string]any{
		"payer_id": "a-alice", "amount": int64(500), "task_id": "t-2",
	})
	require.Equal(t, http.StatusConflict, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envelope))
	require.Equal(t, "insufficient_funds", envelope.Error)

	evts, err := events.After(db, 0, 10)
	require.NoError(t, err)
	var types []string
	for _, e := range evts {
		types = append(types, e.Type)
	}
	require.Contains(t, types, events.TypeEscrowLocked)
}

func lockEscrow(t *testing.T, srv *Server, payer, task string, amount int64) string {
	t.Helper()
	rec := do(t, srv, http.MethodPost, "/escrow", map[string]any{
		"payer_id": payer, "amount": amount, "task_id": task,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var esc struct {
		EscrowID string `json:"escrow_id"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &esc))
	return esc.EscrowID
}

func TestReleaseEscrow(t *testing.T) {
	srv, _ := newTestServer(t)
	openAccount(t, srv, "a-alice")
	openAccount(t, srv, "a-bob")
	creditAccountReq(t, srv, "a-alice", 100, "seed")
	escrowID := lockEscrow(t, srv, "a-alice", "t-1", 10)

	rec := do(t, srv, http.MethodPost, "/escrow/"+escrowID+"/release", map[string]string{"recipient_id": "a-bob"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.EqualValues(t, 10, balanceOf(t, srv, "a-bob"))
	require.EqualValues(t, 90, balanceOf(t, srv, "a-alice"))

	// Release is only valid from locked.
	rec = do(t, srv, http.MethodPost, "/escrow/"+escrowID+"/release", map[string]string{"recipient_id": "a-bob"})
	require.Equal(t, http.StatusConflict, rec.Code)

	rec = do(t, srv, http.MethodPost, "/escrow/esc-missing/release", map[string]string{"recipient_id": "a-bob"})
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSplitEscrow(t *testing.T) {
	srv, db := newTestServer(t)
	openAccount(t, srv, "a-alice")
	openAccount(t, srv, "a-bob")
	creditAccountReq(t, srv, "a-alice", 100, "seed")
	escrowID := lockEscrow(t, srv, "a-alice", "t-1", 10)

	rec := do(t, srv, http.MethodPost, "/escrow/"+escrowID+"/split", map[string]any{
		"worker_pct": 40, "worker_id": "a-bob", "poster_id": "a-alice",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.EqualValues(t, 4, balanceOf(t, srv, "a-bob"))
	require.EqualValues(t, 96, balanceOf(t, srv, "a-alice"))

	evts, err := events.After(db, 0, 20)
	require.NoError(t, err)
	last := evts[len(evts)-1]
	require.Equal(t, events.TypeEscrowSplit, last.Type)
	payload, err := events.Decode(last)
	require.NoError(t, err)
	split := payload.(*events.EscrowSplit)
	require.EqualValues(t, 4, split.WorkerAmount)
	require.EqualValues(t, 6, split.PosterAmount)

	rec = do(t, srv, http.MethodPost, "/escrow/"+escrowID+"/split", map[string]any{
		"worker_pct": 40, "worker_id": "a-bob", "poster_id": "a-alice",
	})
	require.Equal(t, http.StatusConflict, rec.Code)
}

func TestSplitEscrowBoundaries(t *testing.T) {
	srv, db := newTestServer(t)
	openAccount(t, srv, "a-alice")
	openAccount(t, srv, "a-bob")
	creditAccountReq(t, srv, "a-alice", 100, "seed")

	// worker_pct = 0: the poster takes everything, no worker credit row.
	zeroID := lockEscrow(t, srv, "a-alice", "t-zero", 10)
	rec := do(t, srv, http.MethodPost, "/escrow/"+zeroID+"/split", map[string]any{
		"worker_pct": 0, "worker_id": "a-bob", "poster_id": "a-alice",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.EqualValues(t, 0, balanceOf(t, srv, "a-bob"))

	var workerCredits int64
	require.NoError(t, db.Model(&models.Transaction{}).
		Where("account_id = ? AND kind = ?", "a-bob", models.KindEscrowRelease).
		Count(&workerCredits).Error)
	require.Zero(t, workerCredits)

	// worker_pct = 100: the worker takes everything, no poster credit row.
	fullID := lockEscrow(t, srv, "a-alice", "t-full", 10)
	rec = do(t, srv, http.MethodPost, "/escrow/"+fullID+"/split", map[string]any{
		"worker_pct": 100, "worker_id": "a-bob", "poster_id": "a-alice",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.EqualValues(t, 10, balanceOf(t, srv, "a-bob"))

	var posterCredits int64
	require.NoError(t, db.Model(&models.Transaction{}).
		Where("account_id = ? AND kind = ? AND reference = ?", "a-alice", models.KindEscrowRelease, fullID+":poster").
		Count(&posterCredits).Error)
	require.Zero(t, posterCredits)

	// Out-of-range percentages are rejected.
	for _, pct := range []int{-1, 101} {
		otherID := lockEscrow(t, srv, "a-alice", fmt.Sprintf("t-pct-%d", pct), 5)
		rec = do(t, srv, http.MethodPost, "/escrow/"+otherID+"/split", map[string]any{
			"worker_pct": pct, "worker_id": "a-bob", "poster_id": "a-alice",
		})
		require.Equal(t, http.StatusBadRequest, rec.Code)
	}
}

func TestPaySalaryIsIdempotentPerRound(t *testing.T) {
	srv, db := newTestServer(t)
	openAccount(t, srv, "a-alice")
	openAccount(t, srv, "a-bob")

	for i := 0; i < 3; i++ {
		rec := do(t, srv, http.MethodPost, "/salary", map[string]any{"round_id": int64(7), "amount": int64(10)})
		require.Contains(t, []int{http.StatusCreated, http.StatusOK}, rec.Code, rec.Body.String())
	}

	require.EqualValues(t, 10, balanceOf(t, srv, "a-alice"))
	require.EqualValues(t, 10, balanceOf(t, srv, "a-bob"))

	var salaryEvents int64
	require.NoError(t, db.Model(&events.Event{}).Where("type = ?", events.TypeSalaryPaid).Count(&salaryEvents).Error)
	require.EqualValues(t, 1, salaryEvents)

	// A new round pays again.
	rec := do(t, srv, http.MethodPost, "/salary", map[string]any{"round_id": int64(8), "amount": int64(10)})
	require.Equal(t, http.StatusCreated, rec.Code)
	require.EqualValues(t, 20, balanceOf(t, srv, "a-alice"))
}

func TestLedgerConservation(t *testing.T) {
	srv, db := newTestServer(t)
	openAccount(t, srv, "a-alice")
	openAccount(t, srv, "a-bob")
	creditAccountReq(t, srv, "a-alice", 100, "seed-alice")
	creditAccountReq(t, srv, "a-bob", 50, "seed-bob")

	first := lockEscrow(t, srv, "a-alice", "t-1", 10)
	second := lockEscrow(t, srv, "a-alice", "t-2", 20)
	rec := do(t, srv, http.MethodPost, "/escrow/"+first+"/release", map[string]string{"recipient_id": "a-bob"})
	require.Equal(t, http.StatusOK, rec.Code)

	var credits, locked int64
	require.NoError(t, db.Model(&models.Transaction{}).
		Where("kind IN ?", []string{models.KindCredit, models.KindEscrowRelease}).
		Select("COALESCE(SUM(amount), 0)").Scan(&credits).Error)
	require.NoError(t, db.Model(&models.Escrow{}).
		Where("status = ?", models.EscrowLocked).
		Select("COALESCE(SUM(amount), 0)").Scan(&locked).Error)

	total := balanceOf(t, srv, "a-alice") + balanceOf(t, srv, "a-bob")
	require.Equal(t, credits-locked, total)
	require.EqualValues(t, 20, locked)
	_ = second

	var rows []models.Transaction
	require.NoError(t, db.Where("account_id = ?", "a-alice").Order("created_at ASC").Find(&rows).Error)
	for _, row := range rows {
		require.Positive(t, row.Amount)
		require.GreaterOrEqual(t, row.Balance, int64(0))
	}
}

func TestListTransactions(t *testing.T) {
	srv, _ := newTestServer(t)
	openAccount(t, srv, "a-alice")
	creditAccountReq(t, srv, "a-alice", 100, "seed")
	lockEscrow(t, srv, "a-alice", "t-1", 10)

	rec := do(t, srv, http.MethodGet, "/accounts/a-alice/transactions", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Transactions []struct {
			Kind    string `json:"kind"`
			Amount  int64  `json:"amount"`
			Balance int64  `json:"balance"`
		} `json:"transactions"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Transactions, 2)

	// Newest first.
	require.Equal(t, models.KindEscrowLock, resp.Transactions[0].Kind)
	require.Equal(t, models.KindCredit, resp.Transactions[1].Kind)
	require.EqualValues(t, 90, resp.Transactions[0].Balance)

	rec = do(t, srv, http.MethodGet, "/accounts/a-alice/transactions?limit=1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	resp.Transactions = nil
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Transactions, 1)
	require.Equal(t, models.KindEscrowLock, resp.Transactions[0].Kind)

	rec = do(t, srv, http.MethodGet, "/accounts/a-alice/transactions?limit=0", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, srv, http.MethodGet, "/accounts/a-missing/transactions", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}
