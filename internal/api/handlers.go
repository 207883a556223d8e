package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/goodtune/numcheck/internal/batch"
	"github.com/goodtune/numcheck/internal/quota"
	"github.com/gorilla/mux"
)

// CheckRequest is the body of /check and /check-single.
type CheckRequest struct {
	UserID string `json:"userId,omitempty"`
	Number string `json:"number"`
}

// BulkRequest is the body of /check-bulk and JSON uploads.
type BulkRequest struct {
	UserID  string   `json:"userId"`
	Numbers []string `json:"numbers"`
}

// CheckResult is one checked number. Result is "active", "not_found" or the
// error code.
type CheckResult struct {
	Number string `json:"number"`
	Result string `json:"result"`
	Exists *bool  `json:"exists"`
	Error  string `json:"error,omitempty"`
}

// BulkResponse is the reply of /check-bulk and /upload.
type BulkResponse struct {
	Results []CheckResult `json:"results"`
}

func toCheckResult(item batch.ItemResult) CheckResult {
	res := CheckResult{Number: item.Number, Exists: item.Exists, Error: item.Error}
	switch {
	case item.Error != "":
		res.Result = item.Error
	case *item.Exists:
		res.Result = "active"
	default:
		res.Result = "not_found"
	}
	return res
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"status":           "ok",
		"connectionStatus": s.session.Status().State,
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, s.session.Status())
}

func (s *Server) handleQR(w http.ResponseWriter, r *http.Request) {
	challenge, ok := s.session.PairingChallenge()
	if !ok {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]string{"qr": challenge})
}

// handleCheck checks one number for the caller. Anonymous callers are
// identified by address and use the anonymous plan.
func (s *Server) handleCheck(w http.ResponseWriter, r *http.Request) {
	var req CheckRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	number, err := NormalizeNumber(req.Number)
	if err != nil {
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	identity, limits, err := s.callerLimits(r)
	if err != nil {
		s.writeResolveError(w, err)
		return
	}

	item, err := s.coordinator.Check(r.Context(), identity, limits, number)
	if err != nil {
		s.writeStoreError(w, identity, err)
		return
	}

	switch item.Error {
	case "":
		WriteJSON(w, http.StatusOK, map[string]interface{}{
			"number": item.Number,
			"exists": *item.Exists,
		})
	case batch.ErrDailyLimitReached, batch.ErrMonthlyLimitReached:
		writeCodedError(w, http.StatusTooManyRequests, item.Error, "Lookup quota exhausted")
	case batch.ErrConnectionUnavailable:
		writeCodedError(w, http.StatusServiceUnavailable, item.Error, "Session is not connected")
	default:
		writeCodedError(w, http.StatusBadGateway, item.Error, "Remote lookup failed")
	}
}

// handleCheckSingle checks one number for an account. Quota and lookup
// outcomes are reported in the body.
func (s *Server) handleCheckSingle(w http.ResponseWriter, r *http.Request) {
	var req CheckRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.UserID == "" || req.Number == "" {
		WriteError(w, http.StatusBadRequest, "Missing userId or number")
		return
	}
	number, err := NormalizeNumber(req.Number)
	if err != nil {
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	identity, limits, err := s.accountLimits(r, req.UserID)
	if err != nil {
		s.writeResolveError(w, err)
		return
	}

	item, err := s.coordinator.Check(r.Context(), identity, limits, number)
	if err != nil {
		s.writeStoreError(w, identity, err)
		return
	}
	WriteJSON(w, http.StatusOK, toCheckResult(item))
}

func (s *Server) handleCheckBulk(w http.ResponseWriter, r *http.Request) {
	var req BulkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.UserID == "" || req.Numbers == nil {
		WriteError(w, http.StatusBadRequest, "Missing userId or numbers array")
		return
	}
	s.runBatch(w, r, req.UserID, req.Numbers)
}

// handleUpload accepts a multipart list (plain text or CSV "file" part plus
// a "userId" field) or a JSON body shaped like /check-bulk.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.config.MaxUploadSize)

	if !strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/") {
		s.handleCheckBulk(w, r)
		return
	}

	if err := r.ParseMultipartForm(s.config.MaxUploadSize); err != nil {
		WriteError(w, http.StatusBadRequest, "Invalid multipart upload")
		return
	}
	defer func() {
		if r.MultipartForm != nil {
			_ = r.MultipartForm.RemoveAll()
		}
	}()

	userID := r.FormValue("userId")
	if userID == "" {
		WriteError(w, http.StatusBadRequest, "Missing userId")
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		WriteError(w, http.StatusBadRequest, "Missing file")
		return
	}
	defer file.Close()

	numbers, err := parseNumberList(file, header.Header.Get("Content-Type"))
	if err != nil {
		if errors.Is(err, ErrUnsupportedListType) {
			WriteError(w, http.StatusUnsupportedMediaType, err.Error())
			return
		}
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	s.runBatch(w, r, userID, numbers)
}

// runBatch checks a list for an account. Malformed entries are answered
// in place with invalid-number and never reach quota or the remote, so the
// response always has one result per input.
func (s *Server) runBatch(w http.ResponseWriter, r *http.Request, userID string, raw []string) {
	if len(raw) > s.config.MaxBatchSize {
		WriteError(w, http.StatusRequestEntityTooLarge,
			fmt.Sprintf("At most %d numbers per request", s.config.MaxBatchSize))
		return
	}
	numbers, invalid := normalizeNumbers(raw)

	identity, limits, err := s.accountLimits(r, userID)
	if err != nil {
		s.writeResolveError(w, err)
		return
	}

	items, err := s.coordinator.ProcessBatch(r.Context(), identity, limits, numbers)
	if err != nil {
		s.writeStoreError(w, identity, err)
		return
	}

	resp := BulkResponse{Results: make([]CheckResult, 0, len(raw))}
	next := 0
	for i, n := range raw {
		if invalid[i] {
			resp.Results = append(resp.Results, CheckResult{
				Number: strings.TrimSpace(n),
				Result: batch.ErrInvalidNumber,
				Error:  batch.ErrInvalidNumber,
			})
			continue
		}
		resp.Results = append(resp.Results, toCheckResult(items[next]))
		next++
	}
	WriteJSON(w, http.StatusOK, resp)
}

func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	identity := mux.Vars(r)["identity"]
	if caller, ok := GetCallerFromContext(r.Context()); ok && caller.Subject != identity {
		WriteError(w, http.StatusForbidden, "Token does not match identity")
		return
	}

	plan, limits, err := s.plans.Resolve(r.Context(), identity)
	if err != nil {
		s.writeResolveError(w, err)
		return
	}

	usage, err := s.tracker.Usage(r.Context(), identity, plan, limits)
	if err != nil {
		s.writeStoreError(w, identity, err)
		return
	}
	WriteJSON(w, http.StatusOK, usage)
}

// handleSessionStart begins a new session, typically a fresh pairing after
// the remote rejected the credentials. Connecting runs in the background.
func (s *Server) handleSessionStart(w http.ResponseWriter, r *http.Request) {
	go func() {
		if err := s.session.Start(context.Background()); err != nil {
			s.logger.Error().Err(err).Msg("Session start failed")
		}
	}()

	s.logger.Info().Msg("Session start requested")
	WriteJSON(w, http.StatusAccepted, s.session.Status())
}

// callerLimits resolves the identity and limits of a /check caller.
func (s *Server) callerLimits(r *http.Request) (string, quota.Limits, error) {
	if caller, ok := GetCallerFromContext(r.Context()); ok {
		return s.tokenLimits(r.Context(), caller)
	}
	limits, err := s.plans.Plans().Limits(s.config.AnonymousPlan)
	return anonymousPrefix + clientIP(r, s.config.TrustForwarded), limits, err
}

// accountLimits resolves the limits of userID. A bearer token, when
// present, must belong to the same user and may carry the tier. Anonymous
// identities cannot be named as accounts.
func (s *Server) accountLimits(r *http.Request, userID string) (string, quota.Limits, error) {
	if strings.HasPrefix(userID, anonymousPrefix) {
		return "", quota.Limits{}, errReservedIdentity
	}
	if caller, ok := GetCallerFromContext(r.Context()); ok {
		if caller.Subject != userID {
			return "", quota.Limits{}, errForbidden
		}
		return s.tokenLimits(r.Context(), caller)
	}
	_, limits, err := s.plans.Resolve(r.Context(), userID)
	return userID, limits, err
}

func (s *Server) tokenLimits(ctx context.Context, caller *Caller) (string, quota.Limits, error) {
	if caller.Tier != "" {
		limits, err := s.plans.Plans().Limits(caller.Tier)
		return caller.Subject, limits, err
	}
	_, limits, err := s.plans.Resolve(ctx, caller.Subject)
	return caller.Subject, limits, err
}

// anonymousPrefix marks quota identities of anonymous /check callers
const anonymousPrefix = "ip:"

var (
	errForbidden        = errors.New("token does not match userId")
	errReservedIdentity = errors.New("userId uses a reserved prefix")
)

func (s *Server) writeResolveError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, errForbidden):
		WriteError(w, http.StatusForbidden, "Token does not match userId")
	case errors.Is(err, errReservedIdentity):
		WriteError(w, http.StatusBadRequest, "userId may not start with "+anonymousPrefix)
	case errors.Is(err, quota.ErrUnknownPlan):
		WriteError(w, http.StatusForbidden, err.Error())
	default:
		s.logger.Error().Err(err).Msg("Failed to resolve plan")
		WriteError(w, http.StatusServiceUnavailable, "Plan store unavailable")
	}
}

func (s *Server) writeStoreError(w http.ResponseWriter, identity string, err error) {
	s.logger.Error().Err(err).Str("identity", identity).Msg("Quota store failure")
	WriteError(w, http.StatusServiceUnavailable, "Quota store unavailable")
}
