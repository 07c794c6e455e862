package rpc

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strings"

	"fundvault/core"
	"fundvault/core/genesis"
	"fundvault/crypto"
	"fundvault/native/fund"
	"fundvault/native/oracle"
)

const (
	codeFundInvalidParams = -32021
	codeFundNotFound      = -32022
	codeFundForbidden     = -32023
	codeFundConflict      = -32024
	codeFundInternal      = -32025
)

type fundContributeParams struct {
	Caller string `json:"caller"`
	Amount string `json:"amount"`
}

type fundWithdrawParams struct {
	Caller string `json:"caller"`
	Amount string `json:"amount"`
}

type fundCallerParams struct {
	Caller string `json:"caller"`
}

type fundUpdateOracleParams struct {
	Caller string          `json:"caller"`
	Oracle oracle.FeedSpec `json:"oracle"`
}

type fundEventsParams struct {
	Since uint64 `json:"since"`
	Limit int    `json:"limit"`
}

type contributionResult struct {
	Receipt  string `json:"receipt"`
	Funder   string `json:"funder"`
	Amount   string `json:"amount"`
	USDValue string `json:"usdValue"`
}

type withdrawalResult struct {
	Receipt      string `json:"receipt"`
	To           string `json:"to"`
	Amount       string `json:"amount"`
	FundersReset uint64 `json:"fundersReset"`
}

type balanceResult struct {
	Address string `json:"address"`
	Balance string `json:"balance"`
	Nonce   uint64 `json:"nonce"`
}

type oracleResult struct {
	Kind    string `json:"kind"`
	Address string `json:"address"`
	Version uint64 `json:"version"`
}

type infoResult struct {
	Network       string `json:"network"`
	Genesis       string `json:"genesis"`
	Owner         string `json:"owner"`
	Minimum       string `json:"minimum"`
	HeldValue     string `json:"heldValue"`
	VaultAddress  string `json:"vaultAddress"`
	FunderCount   int    `json:"funderCount"`
	EventSequence uint64 `json:"eventSequence"`
}

func (s *Server) handleContribute(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	if len(req.Params) != 1 {
		writeError(w, http.StatusBadRequest, req.ID, codeFundInvalidParams, "invalid_params", "exactly one parameter object expected")
		return
	}
	var params fundContributeParams
	if err := json.Unmarshal(req.Params[0], &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeFundInvalidParams, "invalid_params", err.Error())
		return
	}
	caller, err := parseBech32Address(params.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeFundInvalidParams, "invalid_params", err.Error())
		return
	}
	amount, err := parsePositiveBigInt(params.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeFundInvalidParams, "invalid_params", err.Error())
		return
	}
	if !s.throttleWrite(w, r, req) {
		return
	}
	contribution, err := s.node.Contribute(caller, amount)
	if err != nil {
		writeFundError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, contributionResult{
		Receipt:  formatReceipt(contribution.Receipt),
		Funder:   formatAddress(contribution.Funder),
		Amount:   contribution.Amount.String(),
		USDValue: contribution.USDValue.String(),
	})
}

func (s *Server) handleWithdraw(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	if len(req.Params) != 1 {
		writeError(w, http.StatusBadRequest, req.ID, codeFundInvalidParams, "invalid_params", "exactly one parameter object expected")
		return
	}
	var params fundWithdrawParams
	if err := json.Unmarshal(req.Params[0], &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeFundInvalidParams, "invalid_params", err.Error())
		return
	}
	caller, err := parseBech32Address(params.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeFundInvalidParams, "invalid_params", err.Error())
		return
	}
	amount, err := parsePositiveBigInt(params.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeFundInvalidParams, "invalid_params", err.Error())
		return
	}
	if !s.throttleWrite(w, r, req) {
		return
	}
	withdrawal, err := s.node.Withdraw(caller, amount)
	if err != nil {
		writeFundError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, formatWithdrawal(withdrawal))
}

func (s *Server) handleWithdrawAll(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	if len(req.Params) != 1 {
		writeError(w, http.StatusBadRequest, req.ID, codeFundInvalidParams, "invalid_params", "exactly one parameter object expected")
		return
	}
	var params fundCallerParams
	if err := json.Unmarshal(req.Params[0], &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeFundInvalidParams, "invalid_params", err.Error())
		return
	}
	caller, err := parseBech32Address(params.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeFundInvalidParams, "invalid_params", err.Error())
		return
	}
	if !s.throttleWrite(w, r, req) {
		return
	}
	withdrawal, err := s.node.WithdrawAll(caller)
	if err != nil {
		writeFundError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, formatWithdrawal(withdrawal))
}

func (s *Server) handleUpdateOracle(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	if len(req.Params) != 1 {
		writeError(w, http.StatusBadRequest, req.ID, codeFundInvalidParams, "invalid_params", "exactly one parameter object expected")
		return
	}
	var params fundUpdateOracleParams
	if err := json.Unmarshal(req.Params[0], &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeFundInvalidParams, "invalid_params", err.Error())
		return
	}
	caller, err := parseBech32Address(params.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeFundInvalidParams, "invalid_params", err.Error())
		return
	}
	if !s.throttleWrite(w, r, req) {
		return
	}
	if err := s.node.UpdateOracle(caller, params.Oracle); err != nil {
		writeFundError(w, req.ID, err)
		return
	}
	status, err := s.node.OracleStatus()
	if err != nil {
		writeFundError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, oracleResult{Kind: status.Kind, Address: status.Address, Version: status.Version})
}

func (s *Server) handleGetBalance(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	if len(req.Params) != 1 {
		writeError(w, http.StatusBadRequest, req.ID, codeFundInvalidParams, "invalid_params", "address parameter required")
		return
	}
	var addrStr string
	if err := json.Unmarshal(req.Params[0], &addrStr); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeFundInvalidParams, "invalid_params", err.Error())
		return
	}
	addr, err := parseBech32Address(addrStr)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeFundInvalidParams, "invalid_params", err.Error())
		return
	}
	account, err := s.node.GetAccount(addr[:])
	if err != nil {
		writeFundError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, balanceResult{
		Address: formatAddress(addr),
		Balance: account.Balance.String(),
		Nonce:   account.Nonce,
	})
}

func (s *Server) handleAmountFunded(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	if len(req.Params) != 1 {
		writeError(w, http.StatusBadRequest, req.ID, codeFundInvalidParams, "invalid_params", "address parameter required")
		return
	}
	var addrStr string
	if err := json.Unmarshal(req.Params[0], &addrStr); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeFundInvalidParams, "invalid_params", err.Error())
		return
	}
	addr, err := parseBech32Address(addrStr)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeFundInvalidParams, "invalid_params", err.Error())
		return
	}
	amount, err := s.node.AmountFunded(addr)
	if err != nil {
		writeFundError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, amount.String())
}

func (s *Server) handleGetFunder(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	if len(req.Params) != 1 {
		writeError(w, http.StatusBadRequest, req.ID, codeFundInvalidParams, "invalid_params", "index parameter required")
		return
	}
	index, err := parseIndexParam(req.Params[0])
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeFundInvalidParams, "invalid_params", err.Error())
		return
	}
	funder, err := s.node.FunderAt(index)
	if err != nil {
		writeFundError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, formatAddress(funder))
}

func (s *Server) handleFunderCount(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	count, err := s.node.FunderCount()
	if err != nil {
		writeFundError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, count)
}

func (s *Server) handleFunders(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	funders, err := s.node.Funders()
	if err != nil {
		writeFundError(w, req.ID, err)
		return
	}
	encoded := make([]string, len(funders))
	for i := range funders {
		encoded[i] = formatAddress(funders[i])
	}
	writeResult(w, req.ID, encoded)
}

func (s *Server) handleOwner(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	owner, err := s.node.Owner()
	if err != nil {
		writeFundError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, formatAddress(owner))
}

func (s *Server) handleMinimum(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	minimum, err := s.node.Minimum()
	if err != nil {
		writeFundError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, minimum.String())
}

func (s *Server) handleHeldValue(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	held, err := s.node.HeldValue()
	if err != nil {
		writeFundError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, held.String())
}

func (s *Server) handleVaultAddress(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	writeResult(w, req.ID, formatAddress(s.node.VaultAddress()))
}

func (s *Server) handleOracleStatus(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	status, err := s.node.OracleStatus()
	if err != nil {
		writeFundError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, oracleResult{Kind: status.Kind, Address: status.Address, Version: status.Version})
}

func (s *Server) handleListEvents(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params fundEventsParams
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params[0], &params); err != nil {
			writeError(w, http.StatusBadRequest, req.ID, codeFundInvalidParams, "invalid_params", err.Error())
			return
		}
	}
	writeResult(w, req.ID, s.node.Events(params.Since, params.Limit))
}

func (s *Server) handleInfo(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	owner, err := s.node.Owner()
	if err != nil {
		writeFundError(w, req.ID, err)
		return
	}
	minimum, err := s.node.Minimum()
	if err != nil {
		writeFundError(w, req.ID, err)
		return
	}
	held, err := s.node.HeldValue()
	if err != nil {
		writeFundError(w, req.ID, err)
		return
	}
	count, err := s.node.FunderCount()
	if err != nil {
		writeFundError(w, req.ID, err)
		return
	}
	genesisHash := s.node.GenesisFingerprint()
	writeResult(w, req.ID, infoResult{
		Network:       s.node.NetworkName(),
		Genesis:       "0x" + hex.EncodeToString(genesisHash[:]),
		Owner:         formatAddress(owner),
		Minimum:       minimum.String(),
		HeldValue:     held.String(),
		VaultAddress:  formatAddress(s.node.VaultAddress()),
		FunderCount:   count,
		EventSequence: s.node.EventSequence(),
	})
}

func formatWithdrawal(withdrawal *fund.Withdrawal) withdrawalResult {
	return withdrawalResult{
		Receipt:      formatReceipt(withdrawal.Receipt),
		To:           formatAddress(withdrawal.To),
		Amount:       withdrawal.Amount.String(),
		FundersReset: withdrawal.Funders,
	}
}

func formatAddress(addr [20]byte) string {
	return crypto.NewAddress(crypto.FundPrefix, addr[:]).String()
}

func formatReceipt(receipt [32]byte) string {
	return "0x" + hex.EncodeToString(receipt[:])
}

func parseBech32Address(addr string) ([20]byte, error) {
	trimmed := strings.TrimSpace(addr)
	if trimmed == "" {
		return [20]byte{}, fmt.Errorf("address required")
	}
	return genesis.ParseBech32Account(trimmed)
}

func parsePositiveBigInt(value string) (*big.Int, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil, fmt.Errorf("amount required")
	}
	amount, ok := new(big.Int).SetString(trimmed, 10)
	if !ok {
		return nil, fmt.Errorf("invalid amount")
	}
	if amount.Sign() <= 0 {
		return nil, fmt.Errorf("amount must be positive")
	}
	return amount, nil
}

func parseIndexParam(raw json.RawMessage) (int, error) {
	var direct int
	if err := json.Unmarshal(raw, &direct); err == nil {
		return direct, nil
	}
	var wrapper struct {
		Index *int `json:"index"`
	}
	if err := json.Unmarshal(raw, &wrapper); err == nil && wrapper.Index != nil {
		return *wrapper.Index, nil
	}
	return 0, fmt.Errorf("invalid index parameter")
}

// writeFundError maps ledger sentinels onto the module error codes. The raw
// error string travels in Data so operators keep the detail while clients
// switch on the stable message.
func writeFundError(w http.ResponseWriter, id interface{}, err error) {
	if err == nil {
		return
	}
	status := http.StatusInternalServerError
	code := codeFundInternal
	message := "internal_error"
	data := err.Error()
	switch {
	case errors.Is(err, fund.ErrNotOwner):
		status = http.StatusForbidden
		code = codeFundForbidden
		message = "forbidden"
	case errors.Is(err, fund.ErrIndexOutOfRange):
		status = http.StatusNotFound
		code = codeFundNotFound
		message = "not_found"
	case errors.Is(err, fund.ErrBelowMinimum):
		status = http.StatusConflict
		code = codeFundConflict
		message = "below_minimum"
	case errors.Is(err, fund.ErrInsufficientBalance):
		status = http.StatusConflict
		code = codeFundConflict
		message = "insufficient_balance"
	case errors.Is(err, oracle.ErrArithmeticOverflow):
		status = http.StatusConflict
		code = codeFundConflict
		message = "conflict"
	case strings.Contains(err.Error(), "transfer exceeds balance"):
		status = http.StatusConflict
		code = codeFundConflict
		message = "insufficient_balance"
	case errors.Is(err, fund.ErrInvalidOracle):
		status = http.StatusBadRequest
		code = codeFundInvalidParams
		message = "invalid_params"
	case errors.Is(err, core.ErrFundNotInitialised):
		status = http.StatusInternalServerError
		code = codeFundInternal
		message = "internal_error"
	}
	writeError(w, status, id, code, message, data)
}
