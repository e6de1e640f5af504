package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"VestLedger/internal/auth"
	xerrors "VestLedger/internal/errors"
	"VestLedger/internal/ledger"
	"VestLedger/internal/vesting"
)

type adminRequest struct {
	Beneficiary     string `json:"beneficiary"`
	TotalAllocation string `json:"total_allocation"`
}

type lockedRequest struct {
	Beneficiary string `json:"beneficiary"`
	TotalAmount string `json:"total_amount"`
	CliffDays   uint32 `json:"cliff_days"`
}

type scheduleRequest struct {
	Beneficiary string `json:"beneficiary"`
	TotalAmount string `json:"total_amount"`
	CliffDays   uint32 `json:"cliff_days"`
	Months      int    `json:"months"`
	MonthlyBps  uint16 `json:"monthly_bps"`
	BurnBps     uint16 `json:"burn_bps"`
	IsAdmin     bool   `json:"is_admin"`
}

type transferRequest struct {
	To     string `json:"to"`
	Amount string `json:"amount"`
}

type transferFromRequest struct {
	From   string `json:"from"`
	To     string `json:"to"`
	Amount string `json:"amount"`
}

type batchRequest struct {
	Items []transferRequest `json:"items"`
}

type approveRequest struct {
	Spender string `json:"spender"`
	Amount  string `json:"amount"`
}

type burnRequest struct {
	Amount string `json:"amount"`
}

type scheduleView struct {
	Beneficiary             string           `json:"beneficiary"`
	Category                vesting.Category `json:"category"`
	TotalAmount             string           `json:"total_amount"`
	ReleasedAmount          string           `json:"released_amount"`
	BurnedAmount            string           `json:"burned_amount"`
	StartTime               time.Time        `json:"start_time"`
	CliffEnd                time.Time        `json:"cliff_end"`
	VestingMonths           int              `json:"vesting_months"`
	MonthlyReleaseBps       uint16           `json:"monthly_release_bps"`
	BurnBps                 uint16           `json:"burn_bps"`
	ReleasedMonths          int              `json:"released_months"`
	ImmediateAmount         string           `json:"immediate_amount,omitempty"`
	InitialReleaseProcessed *bool            `json:"initial_release_processed,omitempty"`
}

func viewSchedule(s *vesting.Schedule) scheduleView {
	v := scheduleView{
		Beneficiary:       s.Beneficiary.Hex(),
		Category:          s.Category,
		TotalAmount:       s.TotalAmount.Dec(),
		ReleasedAmount:    s.ReleasedAmount.Dec(),
		BurnedAmount:      s.BurnedAmount.Dec(),
		StartTime:         s.StartTime,
		CliffEnd:          s.CliffEnd(),
		VestingMonths:     s.VestingMonths,
		MonthlyReleaseBps: s.MonthlyReleaseBps,
		BurnBps:           s.BurnBps,
		ReleasedMonths:    s.ReleasedMonths,
	}
	if s.Admin != nil {
		processed := s.Admin.InitialReleaseProcessed
		v.ImmediateAmount = s.Admin.ImmediateAmount.Dec()
		v.InitialReleaseProcessed = &processed
	}
	return v
}

type releaseView struct {
	Sequence       uint64           `json:"sequence"`
	Beneficiary    string           `json:"beneficiary"`
	Category       vesting.Category `json:"category"`
	Initial        bool             `json:"initial"`
	Due            string           `json:"due"`
	Burn           string           `json:"burn"`
	Credit         string           `json:"credit"`
	Months         int              `json:"months"`
	TotalAmount    string           `json:"total_amount"`
	ReleasedAmount string           `json:"released_amount"`
	BurnedAmount   string           `json:"burned_amount"`
}

type quoteView struct {
	Due    string `json:"due"`
	Burn   string `json:"burn"`
	Credit string `json:"credit"`
	Months int    `json:"months"`
}

type infoView struct {
	Schedule      scheduleView  `json:"schedule"`
	Phase         vesting.Phase `json:"phase"`
	Locked        string        `json:"locked"`
	VestedMonths  int           `json:"vested_months"`
	NextReleaseAt *time.Time    `json:"next_release_at,omitempty"`
	Balance       string        `json:"balance"`
	Available     string        `json:"available"`
}

type commitView struct {
	Sequence uint64 `json:"sequence"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"sequence": s.ledger.Sequence(),
	})
}

func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	var req auth.TokenRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	pair, err := s.auth.Authenticate(r.Context(), req)
	if err != nil {
		status := http.StatusUnauthorized
		switch {
		case errors.Is(err, auth.ErrDisabled):
			status = http.StatusNotFound
		case errors.Is(err, auth.ErrUnsupportedGrant):
			status = http.StatusBadRequest
		case errors.Is(err, auth.ErrSubjectRevoked):
			status = http.StatusForbidden
		case errors.Is(err, auth.ErrTooManyAttempts):
			status = http.StatusTooManyRequests
		}
		writeJSON(w, status, errorBody{Code: string(xerrors.CodeUnauthorized), Category: string(xerrors.CategoryAuthorization), Message: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, pair)
}

func (s *Server) handleConfigureAdmin(w http.ResponseWriter, r *http.Request) {
	var req adminRequest
	caller, err := s.callerAndBody(r, &req)
	if err != nil {
		writeError(w, err)
		return
	}
	beneficiary, err := parseAddress("beneficiary", req.Beneficiary)
	if err != nil {
		writeError(w, err)
		return
	}
	total, err := parseAmount("total_allocation", req.TotalAllocation)
	if err != nil {
		writeError(w, err)
		return
	}
	sched, err := s.ledger.ConfigureAdminWallet(r.Context(), caller, beneficiary, total)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, viewSchedule(sched))
}

func (s *Server) handleCreateLocked(w http.ResponseWriter, r *http.Request) {
	var req lockedRequest
	caller, err := s.callerAndBody(r, &req)
	if err != nil {
		writeError(w, err)
		return
	}
	beneficiary, err := parseAddress("beneficiary", req.Beneficiary)
	if err != nil {
		writeError(w, err)
		return
	}
	total, err := parseAmount("total_amount", req.TotalAmount)
	if err != nil {
		writeError(w, err)
		return
	}
	sched, err := s.ledger.CreateLockedWalletVesting(r.Context(), caller, beneficiary, total, req.CliffDays)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, viewSchedule(sched))
}

func (s *Server) handleCreateSchedule(w http.ResponseWriter, r *http.Request) {
	var req scheduleRequest
	caller, err := s.callerAndBody(r, &req)
	if err != nil {
		writeError(w, err)
		return
	}
	beneficiary, err := parseAddress("beneficiary", req.Beneficiary)
	if err != nil {
		writeError(w, err)
		return
	}
	total, err := parseAmount("total_amount", req.TotalAmount)
	if err != nil {
		writeError(w, err)
		return
	}
	sched, err := s.ledger.CreateVestingSchedule(r.Context(), caller, ledger.ScheduleRequest{
		Beneficiary: beneficiary,
		TotalAmount: total,
		CliffDays:   req.CliffDays,
		Months:      req.Months,
		MonthlyBps:  req.MonthlyBps,
		BurnBps:     req.BurnBps,
		IsAdmin:     req.IsAdmin,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, viewSchedule(sched))
}

type releaseFunc func(ctx context.Context, caller, beneficiary common.Address) (*ledger.ReleaseResult, error)

func (s *Server) releaseHandler(release releaseFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		caller, err := s.caller(r)
		if err != nil {
			writeError(w, err)
			return
		}
		beneficiary, err := parseAddress("beneficiary", r.PathValue("beneficiary"))
		if err != nil {
			writeError(w, err)
			return
		}
		res, err := release(r.Context(), caller, beneficiary)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, releaseView{
			Sequence:       res.Sequence,
			Beneficiary:    res.Beneficiary.Hex(),
			Category:       res.Category,
			Initial:        res.Initial,
			Due:            res.Due.Dec(),
			Burn:           res.Burn.Dec(),
			Credit:         res.Credit.Dec(),
			Months:         res.Months,
			TotalAmount:    res.TotalAmount.Dec(),
			ReleasedAmount: res.ReleasedAmount.Dec(),
			BurnedAmount:   res.BurnedAmount.Dec(),
		})
	}
}

func (s *Server) handleListSchedules(w http.ResponseWriter, _ *http.Request) {
	list := s.ledger.Schedules()
	out := make([]scheduleView, 0, len(list))
	for _, sched := range list {
		out = append(out, viewSchedule(sched))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleVestingInfo(w http.ResponseWriter, r *http.Request) {
	beneficiary, err := parseAddress("beneficiary", r.PathValue("beneficiary"))
	if err != nil {
		writeError(w, err)
		return
	}
	info, err := s.ledger.GetVestingInfo(r.Context(), beneficiary)
	if err != nil {
		writeError(w, err)
		return
	}
	view := infoView{
		Schedule:     viewSchedule(info.Schedule),
		Phase:        info.Phase,
		Locked:       info.Locked.Dec(),
		VestedMonths: info.VestedMonths,
		Balance:      info.Balance.Dec(),
		Available:    info.Available.Dec(),
	}
	if !info.NextReleaseAt.IsZero() {
		next := info.NextReleaseAt
		view.NextReleaseAt = &next
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleAvailableRelease(w http.ResponseWriter, r *http.Request) {
	beneficiary, err := parseAddress("beneficiary", r.PathValue("beneficiary"))
	if err != nil {
		writeError(w, err)
		return
	}
	q, err := s.ledger.CalculateAvailableRelease(r.Context(), beneficiary)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, quoteView{Due: q.Due.Dec(), Burn: q.Burn.Dec(), Credit: q.Credit.Dec(), Months: q.Months})
}

func (s *Server) handleTransfer(w http.ResponseWriter, r *http.Request) {
	var req transferRequest
	caller, err := s.callerAndBody(r, &req)
	if err != nil {
		writeError(w, err)
		return
	}
	to, err := parseAddress("to", req.To)
	if err != nil {
		writeError(w, err)
		return
	}
	amount, err := parseAmount("amount", req.Amount)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.ledger.Transfer(r.Context(), caller, to, amount); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, commitView{Sequence: s.ledger.Sequence()})
}

func (s *Server) handleTransferFrom(w http.ResponseWriter, r *http.Request) {
	var req transferFromRequest
	spender, err := s.callerAndBody(r, &req)
	if err != nil {
		writeError(w, err)
		return
	}
	from, err := parseAddress("from", req.From)
	if err != nil {
		writeError(w, err)
		return
	}
	to, err := parseAddress("to", req.To)
	if err != nil {
		writeError(w, err)
		return
	}
	amount, err := parseAmount("amount", req.Amount)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.ledger.TransferFrom(r.Context(), spender, from, to, amount); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, commitView{Sequence: s.ledger.Sequence()})
}

func (s *Server) handleBatchTransfer(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	caller, err := s.callerAndBody(r, &req)
	if err != nil {
		writeError(w, err)
		return
	}
	items := make([]ledger.TransferItem, 0, len(req.Items))
	for _, item := range req.Items {
		to, err := parseAddress("to", item.To)
		if err != nil {
			writeError(w, err)
			return
		}
		amount, err := parseAmount("amount", item.Amount)
		if err != nil {
			writeError(w, err)
			return
		}
		items = append(items, ledger.TransferItem{To: to, Amount: amount})
	}
	if err := s.ledger.BatchTransfer(r.Context(), caller, items); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, commitView{Sequence: s.ledger.Sequence()})
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	var req approveRequest
	caller, err := s.callerAndBody(r, &req)
	if err != nil {
		writeError(w, err)
		return
	}
	spender, err := parseAddress("spender", req.Spender)
	if err != nil {
		writeError(w, err)
		return
	}
	amount, err := parseAmount("amount", req.Amount)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.ledger.Approve(r.Context(), caller, spender, amount); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, commitView{Sequence: s.ledger.Sequence()})
}

func (s *Server) handleBurn(w http.ResponseWriter, r *http.Request) {
	var req burnRequest
	caller, err := s.callerAndBody(r, &req)
	if err != nil {
		writeError(w, err)
		return
	}
	amount, err := parseAmount("amount", req.Amount)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.ledger.Burn(r.Context(), caller, amount); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, commitView{Sequence: s.ledger.Sequence()})
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	account, err := parseAddress("address", r.PathValue("address"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"address":   account.Hex(),
		"balance":   s.ledger.BalanceOf(account).Dec(),
		"available": s.ledger.AvailableBalance(account).Dec(),
	})
}

func (s *Server) handleAllowance(w http.ResponseWriter, r *http.Request) {
	owner, err := parseAddress("owner", r.PathValue("owner"))
	if err != nil {
		writeError(w, err)
		return
	}
	spender, err := parseAddress("spender", r.PathValue("spender"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"owner":     owner.Hex(),
		"spender":   spender.Hex(),
		"allowance": s.ledger.Allowance(owner, spender).Dec(),
	})
}

func (s *Server) handleSupply(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"total_supply": s.ledger.TotalSupply().Dec(),
		"total_burned": s.ledger.TotalBurned().Dec(),
		"sequence":     s.ledger.Sequence(),
		"owner":        s.ledger.Owner().Hex(),
		"treasury":     s.ledger.Treasury().Hex(),
	})
}

// callerAndBody 先解析调用方再解码请求体，两者任一失败都不会触达账本。
func (s *Server) callerAndBody(r *http.Request, dst any) (common.Address, error) {
	caller, err := s.caller(r)
	if err != nil {
		return common.Address{}, err
	}
	if err := decode(r, dst); err != nil {
		return common.Address{}, err
	}
	return caller, nil
}
