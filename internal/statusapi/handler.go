// Package statusapi is the signed HTTP surface over the ledger: per-case
// status reads, idempotent receipt acknowledgements, and the reopen
// mutation.
package statusapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/Hynak-jp/Avance-basystem-sub000/internal/cache"
	"github.com/Hynak-jp/Avance-basystem-sub000/internal/ledger"
	"github.com/Hynak-jp/Avance-basystem-sub000/internal/logger"
	"github.com/Hynak-jp/Avance-basystem-sub000/internal/store"
	"github.com/Hynak-jp/Avance-basystem-sub000/pkg/caseid"
	"github.com/Hynak-jp/Avance-basystem-sub000/pkg/httpx"
	"github.com/Hynak-jp/Avance-basystem-sub000/pkg/signature"
)

type Handler struct {
	Store  store.Store
	Ledger *ledger.Ledger
	// Reads verifies status queries; its legacy acceptance is a deployment
	// choice. Mutations verifies everything that writes, acks and reopens
	// included, always v2-only and nonce-backed.
	Reads     *signature.Verifier
	Mutations *signature.Verifier
	Cache     cache.Cache
	CacheTTL  time.Duration
	Log       *logger.Logger
	Now       func() time.Time
}

func (h *Handler) now() time.Time {
	if h.Now != nil {
		return h.Now()
	}
	return time.Now()
}

// Routes mounts the single-endpoint surface. The action multiplexing over
// one path mirrors the upstream form-host contract, which can only call one
// URL.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/s", h.handleGet)
	r.Post("/s", h.handlePost)
}

// InvalidateStatus drops the cached status document for a case. Wire it to
// ledger.OnMutate.
func (h *Handler) InvalidateStatus(caseID string) {
	if h.Cache == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := h.Cache.Del(ctx, "status:"+caseID); err != nil {
		h.Log.Warn("status cache invalidation failed", "case_id", caseID, "error", err.Error())
	}
}

func paramsFromQuery(q map[string][]string) signature.Params {
	get := func(k string) string {
		if v, ok := q[k]; ok && len(v) > 0 {
			return strings.TrimSpace(v[0])
		}
		return ""
	}
	lineID := get("line_id")
	if lineID == "" {
		lineID = get("lineId")
	}
	caseID := get("case_id")
	if caseID == "" {
		caseID = get("caseId")
	}
	return signature.Params{
		LineID:    lineID,
		CaseID:    caseID,
		Timestamp: get("ts"),
		Sig:       get("sig"),
		P:         get("p"),
	}
}

func writeSigError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, signature.ErrTimestampSkew):
		httpx.WriteError(w, 401, "SIG_EXPIRED", "timestamp outside accepted window", nil)
	case errors.Is(err, signature.ErrReplayed):
		httpx.WriteError(w, 401, "SIG_REPLAYED", "request already processed", nil)
	case errors.Is(err, signature.ErrBadParams):
		httpx.WriteError(w, 401, "SIG_PARAMS", "missing or malformed signature params", nil)
	default:
		httpx.WriteError(w, 401, "SIG_INVALID", "signature verification failed", nil)
	}
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	action := strings.TrimSpace(q.Get("action"))
	p := paramsFromQuery(q)

	switch action {
	case "status":
		if err := h.Reads.Verify(p); err != nil {
			writeSigError(w, err)
			return
		}
		h.serveStatus(w, r, p)
	case "intake_ack", "form_ack":
		// Acks insert a row, so they carry the full mutation rules: nonce
		// registration and no legacy encoding.
		if err := h.Mutations.VerifyOnce(r.Context(), p); err != nil {
			writeSigError(w, err)
			return
		}
		h.serveAck(w, r, action, p, strings.TrimSpace(q.Get("form_key")))
	default:
		httpx.WriteError(w, 400, "BAD_ACTION", "unknown action", nil)
	}
}

func (h *Handler) serveStatus(w http.ResponseWriter, r *http.Request, p signature.Params) {
	caseID := h.resolveCaseID(r, p)
	if caseID == "" {
		httpx.WriteError(w, 404, "NOT_FOUND", "no case for the presented identity", nil)
		return
	}

	if h.Cache != nil && h.CacheTTL > 0 {
		if body, ok, err := h.Cache.Get(r.Context(), "status:"+caseID); err == nil && ok {
			w.Header().Set("content-type", "application/json")
			w.WriteHeader(200)
			_, _ = w.Write([]byte(body))
			return
		}
	}

	forms, err := h.Ledger.Status(r.Context(), caseID)
	if err != nil {
		httpx.WriteError(w, 500, "LEDGER_ERROR", "status read failed", nil)
		return
	}
	if forms == nil {
		forms = []ledger.FormStatus{}
	}
	resp := map[string]any{"ok": true, "case_id": caseID, "forms": forms}

	if h.Cache != nil && h.CacheTTL > 0 {
		if body, err := json.Marshal(resp); err == nil {
			_ = h.Cache.Set(r.Context(), "status:"+caseID, string(body), h.CacheTTL)
		}
	}
	httpx.WriteJSON(w, 200, resp)
}

func (h *Handler) serveAck(w http.ResponseWriter, r *http.Request, action string, p signature.Params, formKey string) {
	caseID := h.resolveCaseID(r, p)
	if caseID == "" {
		httpx.WriteError(w, 404, "NOT_FOUND", "no case for the presented identity", nil)
		return
	}
	kind := strings.TrimSuffix(action, "_ack")
	if kind == "intake" && formKey == "" {
		formKey = "intake"
	}
	if formKey == "" {
		httpx.WriteError(w, 400, "BAD_PARAMS", "form_key is required", nil)
		return
	}
	fresh, err := h.Store.InsertAck(r.Context(), caseID, formKey, kind, h.now().UTC())
	if err != nil {
		httpx.WriteError(w, 500, "DB_ERROR", "ack write failed", nil)
		return
	}
	httpx.WriteJSON(w, 200, map[string]any{
		"ok": true, "case_id": caseID, "form_key": formKey, "acked": true, "first": fresh,
	})
}

func (h *Handler) handlePost(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Action      string `json:"action"`
		LineID      string `json:"line_id"`
		CaseID      string `json:"case_id"`
		FormKey     string `json:"form_key"`
		ReopenUntil string `json:"reopen_until,omitempty"`
		Reason      string `json:"reason,omitempty"`
		By          string `json:"by,omitempty"`
		Ts          string `json:"ts"`
		Sig         string `json:"sig"`
		P           string `json:"p,omitempty"`
	}
	if err := httpx.ReadJSON(r, &req); err != nil {
		httpx.WriteError(w, 400, "BAD_JSON", err.Error(), nil)
		return
	}
	if req.Action != "markReopen" {
		httpx.WriteError(w, 400, "BAD_ACTION", "unknown action", nil)
		return
	}

	p := signature.Params{LineID: req.LineID, CaseID: req.CaseID, Timestamp: req.Ts, Sig: req.Sig, P: req.P}
	if err := h.Mutations.VerifyOnce(r.Context(), p); err != nil {
		writeSigError(w, err)
		return
	}

	id, ok := h.lookupIdentity(r, p, req.CaseID)
	if !ok {
		httpx.WriteError(w, 404, "NOT_FOUND", "no case for the presented identity", nil)
		return
	}

	var until *time.Time
	if s := strings.TrimSpace(req.ReopenUntil); s != "" {
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			httpx.WriteError(w, 400, "BAD_PARAMS", "reopen_until must be RFC 3339", nil)
			return
		}
		until = &t
	}

	seq, err := h.Ledger.Reopen(r.Context(), id, req.FormKey, until, req.Reason, req.By)
	switch {
	case errors.Is(err, ledger.ErrNoRows):
		httpx.WriteError(w, 409, "NOTHING_TO_REOPEN", "form has no submission to reopen", nil)
		return
	case errors.Is(err, ledger.ErrBadInput):
		httpx.WriteError(w, 400, "BAD_PARAMS", "case id and form key are required", nil)
		return
	case err != nil:
		httpx.WriteError(w, 500, "LEDGER_ERROR", "reopen failed", nil)
		return
	}
	httpx.WriteJSON(w, 200, map[string]any{
		"ok": true, "case_id": id.CaseID, "form_key": req.FormKey, "seq": seq, "status": "reopened",
	})
}

// resolveCaseID maps the signed identity onto a registry case id. The
// signature only proves possession of the secret; the registry decides which
// case the caller may see.
func (h *Handler) resolveCaseID(r *http.Request, p signature.Params) string {
	id, ok := h.lookupIdentity(r, p, p.CaseID)
	if !ok {
		return ""
	}
	return id.CaseID
}

func (h *Handler) lookupIdentity(r *http.Request, p signature.Params, caseIDHint string) (caseid.Identity, bool) {
	lineID := p.LineID
	caseID := caseid.NormalizeCaseID(caseIDHint)
	if lineID == "" && p.P != "" {
		if l, c, _, err := signature.DecodePBlob(p.P); err == nil {
			lineID = l
			if caseID == "" {
				caseID = caseid.NormalizeCaseID(c)
			}
		}
	}

	if caseID != "" {
		if row, err := h.Store.GetCaseByID(r.Context(), caseID); err == nil {
			if lineID == "" || row.LineID == lineID {
				return identityOf(row), true
			}
			return caseid.Identity{}, false
		}
	}
	if lineID != "" {
		if row, err := h.Store.GetCaseByLineID(r.Context(), lineID); err == nil {
			return identityOf(row), true
		}
	}
	return caseid.Identity{}, false
}

func identityOf(row store.CaseRow) caseid.Identity {
	return caseid.Identity{LineID: row.LineID, UserKey: row.UserKey, CaseID: row.CaseID, CaseKey: row.CaseKey}
}
